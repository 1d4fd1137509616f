package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sdrcontrol/internal/driver"
)

var (
	radioA = Descriptor{Index: 0, Serial: "00000001", Manufacturer: "Realtek", Product: "RTL2838UHIDIR", Name: "Generic RTL2832U OEM"}
	radioB = Descriptor{Index: 1, Serial: "00000002", Manufacturer: "Realtek", Product: "RTL2838UHIDIR", Name: "Generic RTL2832U OEM"}
)

func newTestDriver() *driver.TestableDriver {
	return driver.NewTestableDriver(
		driver.FakeDevice{Name: radioA.Name, Manufacturer: radioA.Manufacturer, Product: radioA.Product, Serial: radioA.Serial},
		driver.FakeDevice{Name: radioB.Name, Manufacturer: radioB.Manufacturer, Product: radioB.Product, Serial: radioB.Serial},
	)
}

func TestDescriptorValidate(t *testing.T) {
	require.NoError(t, radioA.Validate())

	tests := []struct {
		name string
		edit func(*Descriptor)
	}{
		{"negative index", func(d *Descriptor) { d.Index = -1 }},
		{"empty serial", func(d *Descriptor) { d.Serial = "" }},
		{"blank manufacturer", func(d *Descriptor) { d.Manufacturer = "  " }},
		{"empty product", func(d *Descriptor) { d.Product = "" }},
		{"empty name", func(d *Descriptor) { d.Name = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := radioA
			tt.edit(&d)
			assert.ErrorIs(t, d.Validate(), ErrInvalidDescriptor)
		})
	}
}

// TestRegistryAcquireReusesHandle tests that a second acquire of the same
// serial returns the same handle without opening again.
func TestRegistryAcquireReusesHandle(t *testing.T) {
	drv := newTestDriver()
	reg := NewRegistry(drv, nil)

	h1, err := reg.Acquire(radioA)
	require.NoError(t, err)
	h2, err := reg.Acquire(radioA)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, drv.OpenCount())
	assert.Equal(t, []string{radioA.Serial}, reg.Snapshot())
}

func TestRegistryNegativeIndexOnlyMatchesOpenHandle(t *testing.T) {
	drv := newTestDriver()
	reg := NewRegistry(drv, nil)
	detached := Descriptor{Index: -1, Serial: radioB.Serial}

	_, err := reg.Acquire(detached)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
	require.ErrorIs(t, reg.Probe(detached), ErrInvalidDescriptor)
	assert.Equal(t, 0, drv.OpenCount(), "nothing opened at index 0")
	assert.Empty(t, reg.Snapshot())

	h1, err := reg.Acquire(radioB)
	require.NoError(t, err)
	h2, err := reg.Acquire(detached)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, []int{radioB.Index}, drv.OpenCalls())
}

func TestRegistryAcquireFailureLeavesNoEntry(t *testing.T) {
	drv := newTestDriver()
	boom := errors.New("usb_claim_interface error -6")
	drv.OpenError = boom
	reg := NewRegistry(drv, nil)

	_, err := reg.Acquire(radioA)
	var openErr *DeviceOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, radioA.Serial, openErr.Serial)
	assert.ErrorIs(t, err, boom)

	_, ok := reg.Lookup(radioA.Serial)
	assert.False(t, ok)
	assert.Empty(t, reg.Snapshot())
}

func TestRegistryRelease(t *testing.T) {
	drv := newTestDriver()
	reg := NewRegistry(drv, nil)

	require.NoError(t, reg.Release(radioA.Serial), "release of unopened serial is a no-op")
	assert.Equal(t, 0, drv.CloseCount())

	_, err := reg.Acquire(radioA)
	require.NoError(t, err)
	require.NoError(t, reg.Release(radioA.Serial))
	require.NoError(t, reg.Release(radioA.Serial))

	assert.Equal(t, 1, drv.CloseCount())
	assert.Equal(t, 0, drv.OpenHandles())

	// reacquire opens afresh
	_, err = reg.Acquire(radioA)
	require.NoError(t, err)
	assert.Equal(t, 2, drv.OpenCount())
}

func TestRegistryReleaseWithPrepareError(t *testing.T) {
	drv := newTestDriver()
	reg := NewRegistry(drv, nil)
	_, err := reg.Acquire(radioA)
	require.NoError(t, err)

	busy := errors.New("still streaming")
	err = reg.ReleaseWith(radioA.Serial, func(driver.Handle) error { return busy })
	assert.ErrorIs(t, err, busy)

	_, ok := reg.Lookup(radioA.Serial)
	assert.True(t, ok, "handle must stay registered when prepare fails")
	assert.Equal(t, 0, drv.CloseCount())

	called := false
	require.NoError(t, reg.ReleaseWith(radioA.Serial, func(driver.Handle) error {
		called = true
		return nil
	}))
	assert.True(t, called)
	assert.Equal(t, 1, drv.CloseCount())
}

// TestRegistryConcurrentAcquireOpensOnce tests that racing acquires of one
// unopened serial produce a single native open and a shared handle.
func TestRegistryConcurrentAcquireOpensOnce(t *testing.T) {
	drv := newTestDriver()
	drv.OpenLatency = 20 * time.Millisecond
	reg := NewRegistry(drv, nil)

	const n = 8
	handles := make([]driver.Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := reg.Acquire(radioA)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, drv.OpenCount())
	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}
	assert.Zero(t, drv.Overlaps())
}

// TestRegistrySerialsDoNotBlockEachOther tests that a slow open on one serial
// does not delay an open on another.
func TestRegistrySerialsDoNotBlockEachOther(t *testing.T) {
	slow := &gatedDriver{Driver: newTestDriver(), gate: make(chan struct{}), slowIndex: radioA.Index}
	reg := NewRegistry(slow, nil)

	done := make(chan error, 1)
	go func() {
		_, err := reg.Acquire(radioA)
		done <- err
	}()
	<-slow.entered()

	_, err := reg.Acquire(radioB)
	require.NoError(t, err, "radioB must open while radioA is stuck in open")

	close(slow.gate)
	require.NoError(t, <-done)
	assert.Equal(t, []string{radioA.Serial, radioB.Serial}, reg.Snapshot())
}

// gatedDriver blocks opens of slowIndex until gate is closed.
type gatedDriver struct {
	driver.Driver
	gate      chan struct{}
	slowIndex int

	once    sync.Once
	started chan struct{}
}

func (g *gatedDriver) entered() <-chan struct{} {
	g.once.Do(func() { g.started = make(chan struct{}) })
	return g.started
}

func (g *gatedDriver) Open(index int) (driver.Handle, error) {
	if index == g.slowIndex {
		g.entered()
		close(g.started)
		<-g.gate
	}
	return g.Driver.Open(index)
}

func TestRegistryExecHoldsSerialLock(t *testing.T) {
	drv := newTestDriver()
	drv.CallLatency = 5 * time.Millisecond
	reg := NewRegistry(drv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := reg.Exec(radioA, func(h driver.Handle) error {
				if err := h.SetTunerGain(i * 10); err != nil {
					return err
				}
				_ = h.TunerGain()
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, drv.Overlaps())
	assert.Equal(t, 1, drv.OpenCount())
}

func TestRegistryReleaseAll(t *testing.T) {
	drv := newTestDriver()
	reg := NewRegistry(drv, nil)
	_, err := reg.Acquire(radioA)
	require.NoError(t, err)
	_, err = reg.Acquire(radioB)
	require.NoError(t, err)

	var prepared []driver.Handle
	require.NoError(t, reg.ReleaseAll(func(h driver.Handle) error {
		prepared = append(prepared, h)
		return nil
	}))
	assert.Len(t, prepared, 2)
	assert.Empty(t, reg.Snapshot())
	assert.Equal(t, 2, drv.CloseCount())
}

func TestRegistryProbe(t *testing.T) {
	drv := newTestDriver()
	reg := NewRegistry(drv, nil)

	require.NoError(t, reg.Probe(radioA))
	assert.Equal(t, 1, drv.OpenCount())
	assert.Equal(t, 1, drv.CloseCount())
	_, open := reg.Lookup(radioA.Serial)
	assert.False(t, open, "probe does not register the handle")

	_, err := reg.Acquire(radioA)
	require.NoError(t, err)
	require.NoError(t, reg.Probe(radioA), "a held receiver is reachable")
	assert.Equal(t, 2, drv.OpenCount())

	drv.FailOpens = 1
	var oe *DeviceOpenError
	require.ErrorAs(t, reg.Probe(radioB), &oe)
	assert.Equal(t, radioB.Serial, oe.Serial)
}
