// Package stream runs the asynchronous sample loop for open receivers.
//
// Each stream owns one worker goroutine. The worker blocks in the driver's
// ReadAsync; the driver calls back into a trampoline on that goroutine, and
// the trampoline copies the driver-owned transfer before handing it to the
// consumer. Consumers therefore always run on the worker and always receive
// memory they may keep.
package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/driver"
	"github.com/banshee-data/sdrcontrol/internal/metrics"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
)

var (
	// ErrStreamAlreadyRunning is returned by Start when the handle already
	// has a stream.
	ErrStreamAlreadyRunning = errors.New("stream already running")
	// ErrStreamNotRunning is available to callers that treat stopping an
	// idle handle as an error. Stop itself treats it as a no-op.
	ErrStreamNotRunning = errors.New("stream not running")
	// ErrStopTimeout is returned by StopTimeout when the worker did not exit
	// in time. The stream stays registered in Stopping.
	ErrStopTimeout = errors.New("timed out waiting for stream worker to exit")
)

// State is the lifecycle state of a stream.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Callback consumes one buffer of interleaved 8 bit IQ samples. The slice
// is owned by the callback. Returning an error ends the stream.
//
// A callback runs while a stop may hold the receiver's lock. It must not
// call back into control operations on its own receiver.
type Callback func(buf []byte) error

// CallbackError wraps an error returned by, or a panic raised in, a
// consumer callback.
type CallbackError struct {
	Panic any
	Err   error
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("stream consumer panicked: %v", e.Panic)
	}
	return fmt.Sprintf("stream consumer failed: %v", e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// Options sizes the driver transfers.
type Options struct {
	// BufferSize is the transfer length in bytes; zero selects
	// driver.DefaultBufferLength.
	BufferSize int
	// BufferCount is the number of driver transfers in flight; zero selects
	// the driver default.
	BufferCount int
}

// Session is a point-in-time view of one stream.
type Session struct {
	ID         uuid.UUID `json:"id"`
	Started    time.Time `json:"started"`
	State      string    `json:"state"`
	BufferSize int       `json:"buffer_size"`
	Buffers    uint64    `json:"buffers"`
	Bytes      uint64    `json:"bytes"`
}

const defaultCancelRetry = 20 * time.Millisecond

// Controller tracks at most one stream per handle.
//
// The controller does not serialise Start and Stop against other control
// calls on the same receiver; callers hold the registry's serial lock for
// that.
type Controller struct {
	metrics *metrics.Metrics

	// CancelRetry is how often Stop repeats CancelAsync while waiting.
	// librtlsdr ignores a cancel that arrives before the read loop has
	// started, so one request is not always enough.
	CancelRetry time.Duration

	mu      sync.Mutex
	streams map[driver.Handle]*streamContext
}

// NewController creates a controller. m may be nil.
func NewController(m *metrics.Metrics) *Controller {
	return &Controller{
		metrics:     m,
		CancelRetry: defaultCancelRetry,
		streams:     make(map[driver.Handle]*streamContext),
	}
}

type streamContext struct {
	id      uuid.UUID
	handle  driver.Handle
	opts    Options
	cb      Callback
	started time.Time
	metrics *metrics.Metrics
	log     *zap.Logger

	state     atomic.Int32
	cancelled atomic.Bool
	buffers   atomic.Uint64
	bytes     atomic.Uint64
	done      chan struct{}
	finish    sync.Once

	errMu sync.Mutex
	err   error
}

// Start begins streaming from h, delivering every buffer to cb on a new
// worker goroutine, and returns the session id. If h already has a stream
// Start returns that stream's id with ErrStreamAlreadyRunning and changes
// nothing. A stream whose worker already exited on its own is reaped first.
func (c *Controller) Start(h driver.Handle, opts Options, cb Callback) (uuid.UUID, error) {
	if cb == nil {
		return uuid.Nil, errors.New("stream callback must not be nil")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = driver.DefaultBufferLength
	}
	if opts.BufferCount < 0 {
		return uuid.Nil, fmt.Errorf("buffer count must be non-negative, got %d", opts.BufferCount)
	}

	c.mu.Lock()
	if sc, ok := c.streams[h]; ok {
		if !sc.exited() {
			c.mu.Unlock()
			return sc.id, ErrStreamAlreadyRunning
		}
		delete(c.streams, h)
		err := c.finalize(sc)
		sc.log.Warn("reaped stream that ended without stop", zap.Error(err))
	}

	id := uuid.New()
	sc := &streamContext{
		id:      id,
		handle:  h,
		opts:    opts,
		cb:      cb,
		started: time.Now(),
		metrics: c.metrics,
		log:     monitoring.Logger().With(zap.Stringer("session", id)),
		done:    make(chan struct{}),
	}
	sc.state.Store(int32(Starting))
	c.streams[h] = sc
	c.mu.Unlock()

	c.metrics.StreamStarted()
	sc.log.Info("stream starting",
		zap.Int("buffer_size", opts.BufferSize), zap.Int("buffer_count", opts.BufferCount))
	go sc.run()
	return id, nil
}

// run is the worker goroutine.
func (sc *streamContext) run() {
	sc.state.CompareAndSwap(int32(Starting), int32(Running))
	err := sc.handle.ReadAsync(sc.trampoline, sc.opts.BufferCount, sc.opts.BufferSize)
	if err != nil && !sc.cancelled.Load() {
		sc.setErr(fmt.Errorf("read_async: %w", err))
	}
	sc.log.Debug("stream worker exited", zap.Uint64("buffers", sc.buffers.Load()))

	// a stream that ended on its own reads as Stopping until it is collected
	close(sc.done)
	sc.state.CompareAndSwap(int32(Running), int32(Stopping))
}

// trampoline is what the driver calls. It must not retain b.
func (sc *streamContext) trampoline(b []byte) {
	if sc.cancelled.Load() {
		return
	}
	buf := make([]byte, len(b))
	copy(buf, b)

	if err := sc.invoke(buf); err != nil {
		sc.setErr(err)
		sc.requestCancel()
		return
	}
	sc.buffers.Add(1)
	sc.bytes.Add(uint64(len(buf)))
	sc.metrics.RecordBuffer(len(buf))
}

func (sc *streamContext) invoke(buf []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Panic: r}
		}
	}()
	if err := sc.cb(buf); err != nil {
		return &CallbackError{Err: err}
	}
	return nil
}

// setErr keeps the first error.
func (sc *streamContext) setErr(err error) {
	sc.errMu.Lock()
	defer sc.errMu.Unlock()
	if sc.err == nil {
		sc.err = err
	}
}

func (sc *streamContext) error() error {
	sc.errMu.Lock()
	defer sc.errMu.Unlock()
	return sc.err
}

func (sc *streamContext) requestCancel() {
	sc.cancelled.Store(true)
	if sc.exited() {
		return
	}
	if err := sc.handle.CancelAsync(); err != nil {
		sc.log.Debug("cancel_async", zap.Error(err))
	}
}

func (sc *streamContext) exited() bool {
	select {
	case <-sc.done:
		return true
	default:
		return false
	}
}

func (sc *streamContext) session() Session {
	return Session{
		ID:         sc.id,
		Started:    sc.started,
		State:      State(sc.state.Load()).String(),
		BufferSize: sc.opts.BufferSize,
		Buffers:    sc.buffers.Load(),
		Bytes:      sc.bytes.Load(),
	}
}

// Stop cancels the stream on h and blocks until its worker has exited. It
// returns the first driver or consumer error the stream hit. Stopping a
// handle without a stream is a no-op.
func (c *Controller) Stop(h driver.Handle) error {
	return c.stop(h, nil)
}

// StopTimeout is Stop with a bound on the wait. On timeout it returns
// ErrStopTimeout and the stream stays registered; a later Stop completes it.
func (c *Controller) StopTimeout(h driver.Handle, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	return c.stop(h, t.C)
}

func (c *Controller) stop(h driver.Handle, deadline <-chan time.Time) error {
	c.mu.Lock()
	sc, ok := c.streams[h]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	sc.state.Store(int32(Stopping))
	sc.requestCancel()

	retry := time.NewTicker(c.CancelRetry)
	defer retry.Stop()
wait:
	for {
		select {
		case <-sc.done:
			break wait
		case <-retry.C:
			sc.requestCancel()
		case <-deadline:
			sc.log.Warn("stream worker did not exit in time")
			return ErrStopTimeout
		}
	}

	c.mu.Lock()
	if c.streams[h] == sc {
		delete(c.streams, h)
	}
	c.mu.Unlock()
	return c.finalize(sc)
}

// finalize runs once per stream after its worker has exited.
func (c *Controller) finalize(sc *streamContext) error {
	err := sc.error()
	sc.finish.Do(func() {
		sc.state.Store(int32(Idle))
		c.metrics.StreamStopped(err)
		sc.log.Info("stream stopped",
			zap.Uint64("buffers", sc.buffers.Load()),
			zap.Uint64("bytes", sc.bytes.Load()),
			zap.Error(err))
	})
	return err
}

// State returns the state of the stream on h, Idle if there is none.
func (c *Controller) State(h driver.Handle) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc, ok := c.streams[h]; ok {
		return State(sc.state.Load())
	}
	return Idle
}

// Session returns a view of the stream on h.
func (c *Controller) Session(h driver.Handle) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.streams[h]
	if !ok {
		return Session{}, false
	}
	return sc.session(), true
}

// Sessions returns a view of every registered stream, oldest first.
func (c *Controller) Sessions() []Session {
	c.mu.Lock()
	out := make([]Session, 0, len(c.streams))
	for _, sc := range c.streams {
		out = append(out, sc.session())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
