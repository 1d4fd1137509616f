package driver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevices() []FakeDevice {
	return []FakeDevice{
		{Name: "Generic RTL2832U OEM", Manufacturer: "Realtek", Product: "RTL2838UHIDIR", Serial: "00000001"},
		{Name: "Generic RTL2832U OEM", Manufacturer: "Realtek", Product: "RTL2838UHIDIR", Serial: "00000002"},
	}
}

func TestTestableDriverEnumerates(t *testing.T) {
	d := NewTestableDriver(testDevices()...)

	assert.Equal(t, 2, d.DeviceCount())
	assert.Equal(t, "Generic RTL2832U OEM", d.DeviceName(0))
	assert.Equal(t, "", d.DeviceName(5))

	m, p, s, err := d.USBStrings(1)
	require.NoError(t, err)
	assert.Equal(t, "Realtek", m)
	assert.Equal(t, "RTL2838UHIDIR", p)
	assert.Equal(t, "00000002", s)

	_, _, _, err = d.USBStrings(9)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusNoDevice, se.Code)
}

func TestTestableDriverDetach(t *testing.T) {
	d := NewTestableDriver(testDevices()...)
	devs := testDevices()

	d.Detach(devs[0].Serial)
	require.Equal(t, 1, d.DeviceCount())
	_, _, s, err := d.USBStrings(0)
	require.NoError(t, err)
	assert.Equal(t, devs[1].Serial, s)

	d.Detach("missing")
	assert.Equal(t, 1, d.DeviceCount())
}

func TestTestableDriverOpenIsExclusive(t *testing.T) {
	d := NewTestableDriver(testDevices()...)

	h, err := d.Open(0)
	require.NoError(t, err)

	_, err = d.Open(0)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusBusy, se.Code)

	require.NoError(t, h.Close())
	assert.Error(t, h.Close(), "double close should fail")

	h, err = d.Open(0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	assert.Equal(t, []int{0, 0, 0}, d.OpenCalls())
	assert.Equal(t, 2, d.CloseCount())
	assert.Equal(t, 0, d.OpenHandles())
}

func TestTestableDriverFailOpens(t *testing.T) {
	d := NewTestableDriver(testDevices()...)
	d.FailOpens = 2

	for i := 0; i < 2; i++ {
		_, err := d.Open(0)
		assert.Error(t, err)
	}
	h, err := d.Open(0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	boom := errors.New("usb gone")
	d.OpenError = boom
	_, err = d.Open(1)
	assert.ErrorIs(t, err, boom)
}

func TestTestableHandleEchoesParameters(t *testing.T) {
	d := NewTestableDriver(testDevices()...)
	h, err := d.Open(0)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.SetCenterFreq(105_000_000))
	require.NoError(t, h.SetSampleRate(2_048_000))
	require.NoError(t, h.SetTunerGain(496))
	require.NoError(t, h.SetTunerGainMode(true))
	require.NoError(t, h.SetFreqCorrection(-3))

	assert.Equal(t, uint32(105_000_000), h.CenterFreq())
	assert.Equal(t, uint32(2_048_000), h.SampleRate())
	assert.Equal(t, 496, h.TunerGain())

	th := h.(*TestableHandle)
	assert.True(t, th.ManualGain())
	assert.Equal(t, -3, th.FreqCorrection())
}

func TestTestableHandleSetError(t *testing.T) {
	d := NewTestableDriver(testDevices()...)
	h, err := d.Open(0)
	require.NoError(t, err)
	defer h.Close()

	d.SetError = &StatusError{Op: "set_center_freq", Code: StatusFailure}
	assert.Error(t, h.SetCenterFreq(1))
	assert.Equal(t, uint32(0), h.CenterFreq(), "failed set must not change the value")
}

// TestTestableHandleReadAsync tests that ReadAsync reuses one buffer and
// stops on CancelAsync.
func TestTestableHandleReadAsync(t *testing.T) {
	d := NewTestableDriver(testDevices()...)
	h, err := d.Open(0)
	require.NoError(t, err)
	defer h.Close()

	assert.Error(t, h.CancelAsync(), "cancel before read_async should fail")

	var (
		mu     sync.Mutex
		held   [][]byte
		copies [][]byte
	)
	done := make(chan error, 1)
	go func() {
		done <- h.ReadAsync(func(b []byte) {
			mu.Lock()
			defer mu.Unlock()
			held = append(held, b)
			copies = append(copies, append([]byte(nil), b...))
			if len(held) == 3 {
				go h.CancelAsync()
			}
		}, 0, 512)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadAsync did not return after CancelAsync")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(copies), 3)
	for i, c := range copies {
		assert.Len(t, c, 512)
		assert.Equal(t, byte(i), c[0])
	}
	// the uncopied slices all alias the final transfer
	last := copies[len(copies)-1][0]
	for _, b := range held {
		assert.Equal(t, last, b[0])
	}
	assert.Equal(t, 1, d.ReadAsyncCount())
}

func TestTestableDriverDetectsOverlap(t *testing.T) {
	d := NewTestableDriver(testDevices()...)
	d.CallLatency = 20 * time.Millisecond
	h, err := d.Open(0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.SetTunerGain(100)
		}()
	}
	wg.Wait()

	assert.Positive(t, d.Overlaps())
}

func TestStatus(t *testing.T) {
	assert.NoError(t, Status("set_sample_rate", 0))

	err := Status("set_sample_rate", -1)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "set_sample_rate", se.Op)
	assert.EqualError(t, err, "set_sample_rate: native status -1")
}
