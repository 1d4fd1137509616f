package samplemux

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/sdrcontrol/internal/level"
)

// AttachAdminRoutes attaches sample debugging endpoints to the given HTTP
// mux served at /debug/. These routes are accessible only over
// localhost/via Tailscale and are not publicly accessible.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("samples", "per receiver fanout counters and signal level", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(h.Stats())
	})

	debug.HandleSilentFunc("levels.png", func(w http.ResponseWriter, r *http.Request) {
		m, ok := h.lookup(w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := level.WritePNG(w, m.Serial(), m.Levels().Readings()); err != nil {
			http.Error(w, fmt.Sprintf("Failed to render plot: %v", err), http.StatusInternalServerError)
		}
	})

	// Server-Sent Events with one level reading per buffer.
	debug.HandleSilentFunc("levels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m, ok := h.lookup(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case buf, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(level.Measure(buf))
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

func (h *Hub) lookup(w http.ResponseWriter, r *http.Request) (*SampleMux, bool) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		http.Error(w, "Missing serial", http.StatusBadRequest)
		return nil, false
	}
	m, ok := h.Get(serial)
	if !ok {
		http.Error(w, "No stream for serial", http.StatusNotFound)
		return nil, false
	}
	return m, true
}
