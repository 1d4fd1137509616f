package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/sdrcontrol/internal/driver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openHandle(t *testing.T) (*driver.TestableDriver, driver.Handle) {
	t.Helper()
	drv := driver.NewTestableDriver(driver.FakeDevice{
		Name: "Generic RTL2832U OEM", Manufacturer: "Realtek", Product: "RTL2838UHIDIR", Serial: "00000001",
	})
	h, err := drv.Open(0)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return drv, h
}

// collector is a consumer that keeps every buffer it is given.
type collector struct {
	mu   sync.Mutex
	bufs [][]byte
}

func (c *collector) consume(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufs = append(c.bufs, b)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bufs)
}

func TestStartStop(t *testing.T) {
	drv, h := openHandle(t)
	c := NewController(nil)
	var col collector

	id, err := c.Start(h, Options{BufferSize: 512}, col.consume)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	require.Eventually(t, func() bool { return col.count() >= 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Running, c.State(h))

	s, ok := c.Session(h)
	require.True(t, ok)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, 512, s.BufferSize)
	assert.Equal(t, "running", s.State)

	require.NoError(t, c.Stop(h))
	assert.Equal(t, Idle, c.State(h))
	assert.Equal(t, 1, drv.ReadAsyncCount())

	// no delivery after Stop returns
	n := col.count()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, col.count())

	require.NoError(t, c.Stop(h), "second stop is a no-op")
}

// TestStartTwice tests that a second start leaves the running stream alone.
func TestStartTwice(t *testing.T) {
	drv, h := openHandle(t)
	c := NewController(nil)
	var col collector

	id1, err := c.Start(h, Options{}, col.consume)
	require.NoError(t, err)
	id2, err := c.Start(h, Options{}, col.consume)
	assert.ErrorIs(t, err, ErrStreamAlreadyRunning)
	assert.Equal(t, id1, id2)

	require.Eventually(t, func() bool { return col.count() > 0 }, 2*time.Second, time.Millisecond)
	assert.Len(t, c.Sessions(), 1)

	require.NoError(t, c.Stop(h))
	assert.Equal(t, 1, drv.ReadAsyncCount())
}

// TestBuffersAreCopies tests that consumers may keep buffers even though the
// driver reuses its transfer memory.
func TestBuffersAreCopies(t *testing.T) {
	_, h := openHandle(t)
	c := NewController(nil)
	var col collector

	_, err := c.Start(h, Options{BufferSize: 64}, col.consume)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return col.count() >= 5 }, 2*time.Second, time.Millisecond)
	require.NoError(t, c.Stop(h))

	col.mu.Lock()
	defer col.mu.Unlock()
	for i, b := range col.bufs {
		require.Len(t, b, 64)
		for _, v := range b {
			if v != byte(i) {
				t.Fatalf("buffer %d holds %d, want %d", i, v, byte(i))
			}
		}
	}
}

func TestStopImmediatelyAfterStart(t *testing.T) {
	_, h := openHandle(t)
	c := NewController(nil)
	c.CancelRetry = time.Millisecond

	for i := 0; i < 20; i++ {
		_, err := c.Start(h, Options{BufferSize: 512}, func([]byte) error { return nil })
		require.NoError(t, err)
		require.NoError(t, c.Stop(h))
		assert.Equal(t, Idle, c.State(h))
	}
}

func TestConsumerErrorEndsStream(t *testing.T) {
	_, h := openHandle(t)
	c := NewController(nil)

	boom := errors.New("disk full")
	var calls atomic.Int32
	_, err := c.Start(h, Options{BufferSize: 512}, func([]byte) error {
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State(h) == Stopping }, 2*time.Second, time.Millisecond)
	n := calls.Load()

	err = c.Stop(h)
	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, cbErr.Panic)
	assert.Equal(t, n, calls.Load(), "consumer must not run after its error")

	require.NoError(t, c.Stop(h), "error is reported once")
}

func TestConsumerPanicIsCaptured(t *testing.T) {
	_, h := openHandle(t)
	c := NewController(nil)

	_, err := c.Start(h, Options{BufferSize: 512}, func([]byte) error {
		panic("index out of range")
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State(h) == Stopping }, 2*time.Second, time.Millisecond)
	err = c.Stop(h)
	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, "index out of range", cbErr.Panic)
	assert.Contains(t, err.Error(), "panicked")
}

func TestDriverErrorIsReported(t *testing.T) {
	drv, h := openHandle(t)
	unplugged := &driver.StatusError{Op: "read_async", Code: driver.StatusNoDevice}
	drv.ReadAsyncError = unplugged
	c := NewController(nil)
	var col collector

	_, err := c.Start(h, Options{BufferSize: 512}, col.consume)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State(h) == Stopping }, 2*time.Second, time.Millisecond)

	// a new start reaps the dead stream
	drv.ReadAsyncError = nil
	_, err = c.Start(h, Options{BufferSize: 512}, col.consume)
	require.NoError(t, err)
	require.NoError(t, c.Stop(h))
	assert.Equal(t, 2, drv.ReadAsyncCount())
}

func TestDriverErrorReturnedByStop(t *testing.T) {
	drv, h := openHandle(t)
	unplugged := &driver.StatusError{Op: "read_async", Code: driver.StatusNoDevice}
	drv.ReadAsyncError = unplugged
	c := NewController(nil)

	_, err := c.Start(h, Options{BufferSize: 512}, func([]byte) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State(h) == Stopping }, 2*time.Second, time.Millisecond)

	err = c.Stop(h)
	assert.ErrorIs(t, err, unplugged)
}

// stubbornHandle ignores CancelAsync until release is closed.
type stubbornHandle struct {
	driver.Handle
	release chan struct{}
	entered chan struct{}
}

func (s *stubbornHandle) ReadAsync(cb func([]byte), _, _ int) error {
	close(s.entered)
	<-s.release
	return nil
}

func (s *stubbornHandle) CancelAsync() error { return nil }

func TestStopTimeout(t *testing.T) {
	h := &stubbornHandle{release: make(chan struct{}), entered: make(chan struct{})}
	c := NewController(nil)

	_, err := c.Start(h, Options{}, func([]byte) error { return nil })
	require.NoError(t, err)
	<-h.entered

	err = c.StopTimeout(h, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, Stopping, c.State(h))

	_, err = c.Start(h, Options{}, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrStreamAlreadyRunning, "a stopping stream still blocks a new start")

	close(h.release)
	require.NoError(t, c.Stop(h))
	assert.Equal(t, Idle, c.State(h))
}

func TestStartValidation(t *testing.T) {
	_, h := openHandle(t)
	c := NewController(nil)

	_, err := c.Start(h, Options{}, nil)
	assert.Error(t, err)
	_, err = c.Start(h, Options{BufferCount: -1}, func([]byte) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, c.Sessions())
}

func TestIndependentHandles(t *testing.T) {
	drv := driver.NewTestableDriver(
		driver.FakeDevice{Name: "a", Manufacturer: "m", Product: "p", Serial: "1"},
		driver.FakeDevice{Name: "b", Manufacturer: "m", Product: "p", Serial: "2"},
	)
	h1, err := drv.Open(0)
	require.NoError(t, err)
	defer h1.Close()
	h2, err := drv.Open(1)
	require.NoError(t, err)
	defer h2.Close()

	c := NewController(nil)
	var a, b collector
	_, err = c.Start(h1, Options{BufferSize: 512}, a.consume)
	require.NoError(t, err)
	_, err = c.Start(h2, Options{BufferSize: 512}, b.consume)
	require.NoError(t, err)
	assert.Len(t, c.Sessions(), 2)

	require.NoError(t, c.Stop(h1))
	assert.Equal(t, Running, c.State(h2))
	require.NoError(t, c.Stop(h2))
	assert.Equal(t, 2, drv.ReadAsyncCount())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "State(9)", State(9).String())
}
