// Package samplemux fans one receiver's sample stream out to any number of
// subscribers, such as websocket clients and the debug level tail.
package samplemux

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sdrcontrol/internal/level"
)

// ErrClosed is returned by Publish once the mux is closed. Used as a stream
// callback, it ends the stream.
var ErrClosed = errors.New("sample mux closed")

const (
	DefaultDepth   = 8
	DefaultHistory = 600
)

// SampleMux delivers every published buffer to every subscriber. Delivery
// never blocks the publisher: a subscriber whose channel is full misses
// that buffer. Subscribers share the published slice and must not modify it.
type SampleMux struct {
	serial       string
	depth        int
	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	levels    *level.History
	published atomic.Uint64
	dropped   atomic.Uint64
	now       func() time.Time
}

// Stats is a snapshot of a mux's counters.
type Stats struct {
	Serial      string  `json:"serial"`
	Subscribers int     `json:"subscribers"`
	Published   uint64  `json:"published"`
	Dropped     uint64  `json:"dropped"`
	MeanDBFS    float64 `json:"mean_dbfs"`
	StdDevDBFS  float64 `json:"stddev_dbfs"`
}

// New creates a mux for serial. depth is the per-subscriber channel buffer
// and history the number of level readings kept.
func New(serial string, depth, history int) *SampleMux {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if history <= 0 {
		history = DefaultHistory
	}
	return &SampleMux{
		serial:      serial,
		depth:       depth,
		subscribers: make(map[string]chan []byte),
		levels:      level.NewHistory(history),
		now:         time.Now,
	}
}

// Serial returns the receiver serial the mux carries.
func (s *SampleMux) Serial() string { return s.serial }

// Subscribe creates a new channel for receiving buffers. The id is used to
// unsubscribe. Subscribing to a closed mux returns a closed channel.
func (s *SampleMux) Subscribe() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, s.depth)

	// Close sets closing before it drains subscribers under subscriberMu, so
	// checking it under subscriberMu sees either the flag or a later drain.
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *SampleMux) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Publish measures buf and offers it to every subscriber. Its signature
// matches stream.Callback.
func (s *SampleMux) Publish(buf []byte) error {
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		return ErrClosed
	}

	r := level.Measure(buf)
	r.Time = s.now()
	s.levels.Add(r)
	s.published.Add(1)

	s.subscriberMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- buf:
		default:
			// if the channel is full skip so as not to block the stream worker
			s.dropped.Add(1)
		}
	}
	s.subscriberMu.Unlock()
	return nil
}

// Levels returns the recent level readings.
func (s *SampleMux) Levels() *level.History { return s.levels }

// Stats returns the current counters.
func (s *SampleMux) Stats() Stats {
	s.subscriberMu.Lock()
	n := len(s.subscribers)
	s.subscriberMu.Unlock()
	mean, sd := s.levels.Stats()
	return Stats{
		Serial:      s.serial,
		Subscribers: n,
		Published:   s.published.Load(),
		Dropped:     s.dropped.Load(),
		MeanDBFS:    mean,
		StdDevDBFS:  sd,
	}
}

// Close closes every subscriber channel. Later publishes return ErrClosed.
func (s *SampleMux) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return nil
}

// Hub holds one mux per streaming receiver.
type Hub struct {
	mu    sync.Mutex
	muxes map[string]*SampleMux
	depth int
}

// NewHub creates an empty hub whose muxes use the given subscriber depth.
func NewHub(depth int) *Hub {
	return &Hub{muxes: make(map[string]*SampleMux), depth: depth}
}

// Open replaces any mux for serial with a fresh one and returns it. The
// replaced mux is closed.
func (h *Hub) Open(serial string) *SampleMux {
	m := New(serial, h.depth, DefaultHistory)
	h.mu.Lock()
	old := h.muxes[serial]
	h.muxes[serial] = m
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return m
}

// Get returns the mux for serial.
func (h *Hub) Get(serial string) (*SampleMux, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.muxes[serial]
	return m, ok
}

// Remove closes and forgets the mux for serial.
func (h *Hub) Remove(serial string) {
	h.mu.Lock()
	m, ok := h.muxes[serial]
	delete(h.muxes, serial)
	h.mu.Unlock()
	if ok {
		m.Close()
	}
}

// Stats returns the stats of every mux, ordered by serial.
func (h *Hub) Stats() []Stats {
	h.mu.Lock()
	muxes := make([]*SampleMux, 0, len(h.muxes))
	for _, m := range h.muxes {
		muxes = append(muxes, m)
	}
	h.mu.Unlock()

	out := make([]Stats, 0, len(muxes))
	for _, m := range muxes {
		out = append(out, m.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Close closes every mux.
func (h *Hub) Close() error {
	h.mu.Lock()
	muxes := h.muxes
	h.muxes = make(map[string]*SampleMux)
	h.mu.Unlock()
	for _, m := range muxes {
		m.Close()
	}
	return nil
}
