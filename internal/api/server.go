// Package api serves the HTTP interface for listing receivers, changing
// their parameters and tapping their sample streams.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sdrcontrol/internal/control"
	"github.com/banshee-data/sdrcontrol/internal/db"
	"github.com/banshee-data/sdrcontrol/internal/device"
	"github.com/banshee-data/sdrcontrol/internal/directory"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
	"github.com/banshee-data/sdrcontrol/internal/samplemux"
	"github.com/banshee-data/sdrcontrol/internal/stream"
	"github.com/banshee-data/sdrcontrol/internal/timeutil"
)

type Server struct {
	ctrl     *control.DeviceControl
	dir      *directory.Directory
	db       *db.DB
	hub      *samplemux.Hub
	gatherer prometheus.Gatherer
	clock    timeutil.Clock

	// streamMu orders stream start and stop requests so a sample mux is
	// never swapped under a running stream.
	streamMu sync.Mutex
}

// NewServer creates a Server. gatherer may be nil, which disables /metrics.
func NewServer(ctrl *control.DeviceControl, dir *directory.Directory, store *db.DB, hub *samplemux.Hub, gatherer prometheus.Gatherer, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		ctrl:     ctrl,
		dir:      dir,
		db:       store,
		hub:      hub,
		gatherer: gatherer,
		clock:    clock,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// Hijack is needed by the websocket upgrader.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logger().Info("http request",
			zap.Int("status", lrw.statusCode),
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Float64("ms", float64(time.Since(start).Nanoseconds())/1e6),
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.listDevices)
	mux.HandleFunc("GET /api/devices/{serial}", s.showDevice)
	mux.HandleFunc("DELETE /api/devices/{serial}", s.releaseDevice)
	mux.HandleFunc("POST /api/devices/{serial}/frequency", s.setFrequency)
	mux.HandleFunc("POST /api/devices/{serial}/sample_rate", s.setSampleRate)
	mux.HandleFunc("POST /api/devices/{serial}/gain", s.setGain)
	mux.HandleFunc("POST /api/devices/{serial}/gain_mode", s.setGainMode)
	mux.HandleFunc("POST /api/devices/{serial}/frequency_correction", s.setFrequencyCorrection)
	mux.HandleFunc("POST /api/devices/{serial}/stream/start", s.startStream)
	mux.HandleFunc("POST /api/devices/{serial}/stream/stop", s.stopStream)
	mux.HandleFunc("GET /api/devices/{serial}/stream", s.tapStream)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/chart", s.sessionsChart)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// AttachAdminRoutes adds receiver debugging endpoints under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("receivers", "open receiver handles and their streams", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			Serial  string          `json:"serial"`
			Session *stream.Session `json:"session,omitempty"`
		}
		var out []entry
		for _, serial := range s.ctrl.Registry().Snapshot() {
			e := entry{Serial: serial}
			if sess, ok := s.ctrl.StreamSession(device.Descriptor{Index: -1, Serial: serial}); ok {
				e.Session = &sess
			}
			out = append(out, e)
		}
		s.writeJSON(w, http.StatusOK, out)
	})
	s.hub.AttachAdminRoutes(mux)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logger().Warn("failed to encode response", zap.Error(err))
	}
}

// statusFor maps a control error to an HTTP status.
func statusFor(err error) int {
	var (
		openErr    *device.DeviceOpenError
		timeoutErr *device.AcquisitionTimeoutError
		paramErr   *control.ParameterError
	)
	switch {
	case errors.As(err, &timeoutErr), errors.As(err, &openErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &paramErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stream.ErrStreamAlreadyRunning), errors.Is(err, stream.ErrStreamNotRunning):
		return http.StatusConflict
	case errors.Is(err, stream.ErrStopTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, db.ErrNotFound), errors.Is(err, device.ErrInvalidDescriptor):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSONError(w, statusFor(err), err.Error())
}

// resolve finds the attached receiver named by the {serial} path value. A
// receiver that is open but no longer enumerates still resolves by serial so
// it can be stopped and released. Its index is -1, so it is never reopened
// at whatever receiver now sits at index 0.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (device.Descriptor, bool) {
	serial := r.PathValue("serial")
	d, ok := s.dir.Find(serial)
	if !ok {
		if _, open := s.ctrl.Registry().Lookup(serial); open {
			return device.Descriptor{Index: -1, Serial: serial}, true
		}
		s.writeJSONError(w, http.StatusNotFound, "no attached receiver with serial "+serial)
		return device.Descriptor{}, false
	}
	return d, true
}
