package device

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/driver"
	"github.com/banshee-data/sdrcontrol/internal/metrics"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
)

// Registry maps serials to open handles. A serial has an entry exactly while
// its receiver is open, and never more than one.
//
// Each serial owns a lock that is held for the whole of an open, close or
// Exec callback, so operations on one receiver are serialised while
// different receivers proceed independently. The map lock is never held
// across a driver call.
type Registry struct {
	drv     driver.Driver
	metrics *metrics.Metrics

	mu      sync.Mutex
	handles map[string]driver.Handle
	locks   map[string]*sync.Mutex
}

// NewRegistry creates an empty registry over drv. m may be nil.
func NewRegistry(drv driver.Driver, m *metrics.Metrics) *Registry {
	return &Registry{
		drv:     drv,
		metrics: m,
		handles: make(map[string]driver.Handle),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Driver returns the driver the registry opens handles with.
func (r *Registry) Driver() driver.Driver { return r.drv }

func (r *Registry) lockFor(serial string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[serial]
	if !ok {
		l = &sync.Mutex{}
		r.locks[serial] = l
	}
	return l
}

// Acquire returns the open handle for d.Serial, opening the receiver at
// d.Index if there is none. A failed open returns *DeviceOpenError and leaves
// the registry unchanged. A negative index only matches an open handle and
// otherwise fails with ErrInvalidDescriptor.
func (r *Registry) Acquire(d Descriptor) (driver.Handle, error) {
	var h driver.Handle
	err := r.Exec(d, func(handle driver.Handle) error {
		h = handle
		return nil
	})
	return h, err
}

// Exec acquires the handle for d like Acquire and runs fn with it while
// still holding the serial lock. Errors from fn are returned unchanged.
func (r *Registry) Exec(d Descriptor, fn func(driver.Handle) error) error {
	l := r.lockFor(d.Serial)
	l.Lock()
	defer l.Unlock()

	h, err := r.acquireLocked(d)
	if err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	return fn(h)
}

func (r *Registry) acquireLocked(d Descriptor) (driver.Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[d.Serial]
	r.mu.Unlock()
	if ok {
		return h, nil
	}
	if d.Index < 0 {
		return nil, fmt.Errorf("%w: %s is not open and has no index to open", ErrInvalidDescriptor, d.Serial)
	}

	h, err := r.drv.Open(d.Index)
	r.metrics.RecordOpen(err)
	if err != nil {
		return nil, &DeviceOpenError{Serial: d.Serial, Index: d.Index, Err: err}
	}

	r.mu.Lock()
	r.handles[d.Serial] = h
	n := len(r.handles)
	r.mu.Unlock()
	r.metrics.SetOpenHandles(n)

	monitoring.Logger().Debug("device opened",
		zap.String("serial", d.Serial), zap.Int("index", d.Index))
	return h, nil
}

// Release closes and forgets the handle for serial. Releasing a serial that
// is not open is a no-op.
func (r *Registry) Release(serial string) error {
	return r.ReleaseWith(serial, nil)
}

// ReleaseWith is Release with a prepare step. If a handle is open, prepare
// runs with it under the serial lock before the close; a prepare error
// aborts the release and leaves the handle registered.
func (r *Registry) ReleaseWith(serial string, prepare func(driver.Handle) error) error {
	l := r.lockFor(serial)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	h, ok := r.handles[serial]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if prepare != nil {
		if err := prepare(h); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.handles, serial)
	n := len(r.handles)
	r.mu.Unlock()
	r.metrics.SetOpenHandles(n)

	// the entry is gone even if close fails; the handle is unusable either way
	if err := h.Close(); err != nil {
		return fmt.Errorf("close device %s: %w", serial, err)
	}
	monitoring.Logger().Debug("device closed", zap.String("serial", serial))
	return nil
}

// Probe checks that d can be opened. A receiver the registry already holds
// counts as reachable; otherwise it is opened and closed again under the
// serial lock without being registered.
func (r *Registry) Probe(d Descriptor) error {
	l := r.lockFor(d.Serial)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	_, ok := r.handles[d.Serial]
	r.mu.Unlock()
	if ok {
		return nil
	}
	if d.Index < 0 {
		return fmt.Errorf("%w: %s has no index to probe", ErrInvalidDescriptor, d.Serial)
	}

	h, err := r.drv.Open(d.Index)
	r.metrics.RecordOpen(err)
	if err != nil {
		return &DeviceOpenError{Serial: d.Serial, Index: d.Index, Err: err}
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close device %s after probe: %w", d.Serial, err)
	}
	return nil
}

// Lookup returns the handle for serial if it is open. It does not take the
// serial lock, so the answer can be stale by the time it is used.
func (r *Registry) Lookup(serial string) (driver.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[serial]
	return h, ok
}

// Snapshot returns the serials that are currently open, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	serials := make([]string, 0, len(r.handles))
	for s := range r.handles {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	return serials
}

// ReleaseAll releases every open serial, running prepare on each first. It
// returns the first error and keeps going past it.
func (r *Registry) ReleaseAll(prepare func(driver.Handle) error) error {
	var first error
	for _, serial := range r.Snapshot() {
		if err := r.ReleaseWith(serial, prepare); err != nil && first == nil {
			first = err
		}
	}
	return first
}
