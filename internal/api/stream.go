package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/device"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
	"github.com/banshee-data/sdrcontrol/internal/stream"
)

var errEndedWithoutStop = errors.New("stream ended without stop")

type startRequest struct {
	BufferSize int `json:"buffer_size"`
}

type stopResponse struct {
	Session     stream.Session `json:"session"`
	StreamError string         `json:"stream_error,omitempty"`
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req startRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}
	if req.BufferSize < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "buffer_size must be non-negative")
		return
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if sess, ok := s.ctrl.StreamSession(d); ok {
		if sess.State != stream.Stopping.String() {
			s.writeJSON(w, http.StatusOK, sess)
			return
		}
		// the worker already exited; StartStream reaps it
		s.closeSession(d.Serial, sess, errEndedWithoutStop)
	}

	m := s.hub.Open(d.Serial)
	id, err := s.ctrl.StartStream(r.Context(), d, m.Publish, req.BufferSize)
	if err != nil {
		s.hub.Remove(d.Serial)
		s.writeError(w, err)
		return
	}
	sess, ok := s.ctrl.StreamSession(d)
	if !ok {
		sess = stream.Session{ID: id, Started: s.clock.Now()}
	}
	if err := s.db.RecordSessionStart(id, d.Serial, sess.BufferSize, s.clock.Now()); err != nil {
		monitoring.Logger().Warn("failed to record session start", zap.String("serial", d.Serial), zap.Error(err))
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	d, ok := s.resolve(w, r)
	if !ok {
		return
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	sess, streaming := s.ctrl.StreamSession(d)
	if !streaming {
		s.writeError(w, stream.ErrStreamNotRunning)
		return
	}
	err := s.ctrl.StopStream(d)
	if errors.Is(err, stream.ErrStopTimeout) {
		s.writeError(w, err)
		return
	}
	s.closeSession(d.Serial, sess, err)

	resp := stopResponse{Session: sess}
	resp.Session.State = stream.Idle.String()
	if err != nil {
		resp.StreamError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// closeSession drops the sample mux for serial and records the end of sess.
// The counters are those of the snapshot taken before the stop.
func (s *Server) closeSession(serial string, sess stream.Session, streamErr error) {
	s.hub.Remove(serial)
	if err := s.db.RecordSessionStop(sess.ID, s.clock.Now(), sess.Buffers, sess.Bytes, streamErr); err != nil {
		monitoring.Logger().Warn("failed to record session stop",
			zap.String("serial", serial), zap.Stringer("session", sess.ID), zap.Error(err))
	}
}

// StopAll stops every running stream and records the end of its session.
// The receivers are released. It is called on shutdown before the control
// core is closed.
func (s *Server) StopAll() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	for _, serial := range s.ctrl.Registry().Snapshot() {
		d := device.Descriptor{Index: -1, Serial: serial}
		sess, ok := s.ctrl.StreamSession(d)
		if !ok {
			continue
		}
		err := s.ctrl.StopStream(d)
		if errors.Is(err, stream.ErrStopTimeout) {
			monitoring.Logger().Warn("stream did not stop", zap.String("serial", serial))
			continue
		}
		s.closeSession(serial, sess, err)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
}

const wsWriteWait = 5 * time.Second

// tapStream relays a running stream's buffers to a websocket client as
// binary messages. Buffers the client is too slow for are dropped.
func (s *Server) tapStream(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	m, ok := s.hub.Get(serial)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "no stream for serial "+serial)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		monitoring.Logger().Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id, c := m.Subscribe()
	defer m.Unsubscribe(id)

	// the read loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log := monitoring.Logger().With(zap.String("serial", serial), zap.String("subscriber", id))
	log.Debug("websocket tap connected")
	for {
		select {
		case buf, ok := <-c:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream stopped"))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-gone:
			log.Debug("websocket tap disconnected")
			return
		}
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := s.db.RecentSessions(r.URL.Query().Get("serial"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}
