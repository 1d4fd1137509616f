package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/sdrcontrol/internal/stream"
)

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if attached, _ := strconv.ParseBool(r.URL.Query().Get("attached")); attached {
		s.writeJSON(w, http.StatusOK, s.dir.Scan())
		return
	}
	known, err := s.dir.Enumerate()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enumerate devices: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, known)
}

func (s *Server) showDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}
	info, err := s.ctrl.DeviceInfo(r.Context(), d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) releaseDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	sess, streaming := s.ctrl.StreamSession(d)
	err := s.ctrl.Release(d)
	if streaming && !errors.Is(err, stream.ErrStopTimeout) {
		s.closeSession(d.Serial, sess, err)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

type hzRequest struct {
	Hz *uint32 `json:"hz"`
}

func (s *Server) setFrequency(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req hzRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Hz == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing hz")
		return
	}
	if err := s.ctrl.SetFrequency(r.Context(), d, *req.Hz); err != nil {
		s.writeError(w, err)
		return
	}
	hz, err := s.ctrl.Frequency(r.Context(), d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint32{"hz": hz})
}

func (s *Server) setSampleRate(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req hzRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Hz == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing hz")
		return
	}
	if err := s.ctrl.SetSampleRate(r.Context(), d, *req.Hz); err != nil {
		s.writeError(w, err)
		return
	}
	hz, err := s.ctrl.SampleRate(r.Context(), d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint32{"hz": hz})
}

type gainRequest struct {
	// TenthsDB is the tuner gain in tenths of a dB.
	TenthsDB *int `json:"tenths_db"`
	// Manual switches the tuner to manual gain first when set.
	Manual *bool `json:"manual,omitempty"`
}

func (s *Server) setGain(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req gainRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TenthsDB == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing tenths_db")
		return
	}
	if req.Manual != nil {
		if err := s.ctrl.SetGainMode(r.Context(), d, *req.Manual); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.ctrl.SetGain(r.Context(), d, *req.TenthsDB); err != nil {
		s.writeError(w, err)
		return
	}
	g, err := s.ctrl.Gain(r.Context(), d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"tenths_db": g})
}

func (s *Server) setGainMode(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req struct {
		Manual *bool `json:"manual"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Manual == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing manual")
		return
	}
	if err := s.ctrl.SetGainMode(r.Context(), d, *req.Manual); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"manual": *req.Manual})
}

func (s *Server) setFrequencyCorrection(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req struct {
		PPM *int `json:"ppm"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.PPM == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing ppm")
		return
	}
	if err := s.ctrl.SetFrequencyCorrection(r.Context(), d, *req.PPM); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"ppm": *req.PPM})
}
