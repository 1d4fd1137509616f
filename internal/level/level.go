// Package level measures the signal level of raw RTL-SDR sample buffers.
//
// Buffers hold interleaved unsigned 8 bit I and Q samples centred on 127.5.
package level

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Floor is reported for a buffer with no energy.
const Floor = -100.0

// Reading summarises one buffer.
type Reading struct {
	Time    time.Time `json:"time"`
	Samples int       `json:"samples"`
	MeanI   float64   `json:"mean_i"`
	MeanQ   float64   `json:"mean_q"`
	// DBFS is the mean power relative to a full scale complex sine.
	DBFS float64 `json:"dbfs"`
}

// Measure computes the reading for buf. A trailing odd byte is ignored.
func Measure(buf []byte) Reading {
	n := len(buf) / 2
	if n == 0 {
		return Reading{DBFS: Floor}
	}
	i := make([]float64, n)
	q := make([]float64, n)
	for k := 0; k < n; k++ {
		i[k] = (float64(buf[2*k]) - 127.5) / 127.5
		q[k] = (float64(buf[2*k+1]) - 127.5) / 127.5
	}

	power := (floats.Dot(i, i) + floats.Dot(q, q)) / float64(n)
	r := Reading{
		Samples: n,
		MeanI:   stat.Mean(i, nil),
		MeanQ:   stat.Mean(q, nil),
		DBFS:    Floor,
	}
	// full scale on both rails is a power of 2
	if power > 0 {
		r.DBFS = math.Max(Floor, 10*math.Log10(power/2))
	}
	return r
}

// History keeps the most recent readings in a fixed size ring.
type History struct {
	mu   sync.Mutex
	buf  []Reading
	next int
	full bool
}

// NewHistory creates a ring holding up to size readings.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{buf: make([]Reading, size)}
}

// Add records r.
func (h *History) Add(r Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Readings returns the stored readings, oldest first.
func (h *History) Readings() []Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Reading(nil), h.buf[:h.next]...)
	}
	out := make([]Reading, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Stats returns the mean and sample standard deviation of the stored dBFS
// values. The deviation of a single reading is zero.
func (h *History) Stats() (mean, stddev float64) {
	rs := h.Readings()
	switch len(rs) {
	case 0:
		return Floor, 0
	case 1:
		return rs[0].DBFS, 0
	}
	v := make([]float64, len(rs))
	for k, r := range rs {
		v[k] = r.DBFS
	}
	return stat.MeanStdDev(v, nil)
}
