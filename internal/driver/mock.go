package driver

import (
	"fmt"
	"sync"
	"time"
)

// FakeDevice describes one simulated receiver attached to a TestableDriver.
type FakeDevice struct {
	Name         string
	Manufacturer string
	Product      string
	Serial       string
}

// TestableDriver implements Driver and Enumerator with configurable
// behaviour for testing and for running the tools without hardware.
//
// Configuration fields must be set before the driver is shared between
// goroutines. Counters are read through the accessor methods.
type TestableDriver struct {
	mu sync.Mutex

	devices []FakeDevice

	// OpenError, if set, is returned by every Open call.
	OpenError error

	// FailOpens makes the next N Open calls fail with StatusBusy.
	FailOpens int

	// OpenLatency adds a delay to each Open call.
	OpenLatency time.Duration

	// CallLatency adds a delay inside every control call on a handle, which
	// widens the window in which overlapping calls would be detected.
	CallLatency time.Duration

	// SetError, if set, is returned by every parameter setter.
	SetError error

	// USBStringsError, if set, is returned by USBStrings.
	USBStringsError error

	// ReadAsyncError, if set, is returned by ReadAsync after the first
	// buffer has been delivered.
	ReadAsyncError error

	// StreamInterval is the pause between simulated transfers.
	StreamInterval time.Duration

	openCalls      []int
	closeCalls     int
	readAsyncCalls int
	cancelCalls    int
	overlaps       int
	inFlight       map[int]int
	open           map[int]*TestableHandle
}

// NewTestableDriver creates a driver with the given simulated receivers.
func NewTestableDriver(devices ...FakeDevice) *TestableDriver {
	return &TestableDriver{
		devices:        devices,
		StreamInterval: time.Millisecond,
		inFlight:       make(map[int]int),
		open:           make(map[int]*TestableHandle),
	}
}

// DeviceCount returns the number of simulated receivers.
func (d *TestableDriver) DeviceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// Detach removes the receiver with the given serial from the enumeration, as
// if it had been unplugged. Later receivers move down one index. Open handles
// are left alone.
func (d *TestableDriver) Detach(serial string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, dev := range d.devices {
		if dev.Serial == serial {
			d.devices = append(d.devices[:i:i], d.devices[i+1:]...)
			return
		}
	}
}

// DeviceName returns the configured name or an empty string for a bad index.
func (d *TestableDriver) DeviceName(index int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.devices) {
		return ""
	}
	return d.devices[index].Name
}

// USBStrings returns the configured USB descriptor strings.
func (d *TestableDriver) USBStrings(index int) (string, string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.USBStringsError != nil {
		return "", "", "", d.USBStringsError
	}
	if index < 0 || index >= len(d.devices) {
		return "", "", "", &StatusError{Op: "get_device_usb_strings", Code: StatusNoDevice}
	}
	dev := d.devices[index]
	return dev.Manufacturer, dev.Product, dev.Serial, nil
}

// Open claims a simulated receiver. A second Open of the same index before
// Close fails with StatusBusy, mirroring libusb's claim semantics.
func (d *TestableDriver) Open(index int) (Handle, error) {
	defer d.enter(index)()

	d.mu.Lock()
	d.openCalls = append(d.openCalls, index)
	latency := d.OpenLatency
	d.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.FailOpens > 0 {
		d.FailOpens--
		return nil, &StatusError{Op: "open", Code: StatusBusy}
	}
	if index < 0 || index >= len(d.devices) {
		return nil, &StatusError{Op: "open", Code: StatusNoDevice}
	}
	if _, busy := d.open[index]; busy {
		return nil, &StatusError{Op: "open", Code: StatusBusy}
	}
	h := &TestableHandle{drv: d, index: index}
	d.open[index] = h
	return h, nil
}

// OpenCalls returns the indexes passed to Open, in call order.
func (d *TestableDriver) OpenCalls() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.openCalls...)
}

// OpenCount returns the number of Open calls.
func (d *TestableDriver) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.openCalls)
}

// CloseCount returns the number of Close calls on handles.
func (d *TestableDriver) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

// ReadAsyncCount returns the number of ReadAsync calls on handles.
func (d *TestableDriver) ReadAsyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readAsyncCalls
}

// CancelCount returns the number of CancelAsync calls on handles.
func (d *TestableDriver) CancelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelCalls
}

// Overlaps returns how many control calls started while another control
// call on the same receiver was still running.
func (d *TestableDriver) Overlaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlaps
}

// OpenHandles returns the number of handles not yet closed.
func (d *TestableDriver) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// enter marks a control call on index as in flight and returns the func
// that ends it.
func (d *TestableDriver) enter(index int) func() {
	d.mu.Lock()
	d.inFlight[index]++
	if d.inFlight[index] > 1 {
		d.overlaps++
	}
	latency := d.CallLatency
	d.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	return func() {
		d.mu.Lock()
		d.inFlight[index]--
		d.mu.Unlock()
	}
}

// TestableHandle is the Handle returned by TestableDriver. Setters store the
// value so getters echo it back.
type TestableHandle struct {
	drv   *TestableDriver
	index int

	mu        sync.Mutex
	closed    bool
	freq      uint32
	rate      uint32
	gain      int
	manual    bool
	ppm       int
	streaming bool
	cancel    chan struct{}
}

// Index returns the enumeration index the handle was opened with.
func (h *TestableHandle) Index() int { return h.index }

func (h *TestableHandle) String() string {
	return fmt.Sprintf("testable-handle[%d]", h.index)
}

// Close releases the simulated receiver.
func (h *TestableHandle) Close() error {
	defer h.drv.enter(h.index)()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return &StatusError{Op: "close", Code: StatusFailure}
	}
	h.closed = true
	h.mu.Unlock()

	h.drv.mu.Lock()
	defer h.drv.mu.Unlock()
	h.drv.closeCalls++
	delete(h.drv.open, h.index)
	return nil
}

// set runs a control call that stores a value.
func (h *TestableHandle) set(op string, apply func()) error {
	defer h.drv.enter(h.index)()

	h.drv.mu.Lock()
	err := h.drv.SetError
	h.drv.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &StatusError{Op: op, Code: StatusNoDevice}
	}
	if err != nil {
		return err
	}
	apply()
	return nil
}

func (h *TestableHandle) SetCenterFreq(hz uint32) error {
	return h.set("set_center_freq", func() { h.freq = hz })
}

func (h *TestableHandle) CenterFreq() uint32 {
	defer h.drv.enter(h.index)()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freq
}

func (h *TestableHandle) SetSampleRate(hz uint32) error {
	return h.set("set_sample_rate", func() { h.rate = hz })
}

func (h *TestableHandle) SampleRate() uint32 {
	defer h.drv.enter(h.index)()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rate
}

func (h *TestableHandle) SetTunerGain(tenthsDB int) error {
	return h.set("set_tuner_gain", func() { h.gain = tenthsDB })
}

func (h *TestableHandle) TunerGain() int {
	defer h.drv.enter(h.index)()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gain
}

func (h *TestableHandle) SetTunerGainMode(manual bool) error {
	return h.set("set_tuner_gain_mode", func() { h.manual = manual })
}

// ManualGain reports the last gain mode set.
func (h *TestableHandle) ManualGain() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manual
}

func (h *TestableHandle) SetFreqCorrection(ppm int) error {
	return h.set("set_freq_correction", func() { h.ppm = ppm })
}

// FreqCorrection reports the last frequency correction set.
func (h *TestableHandle) FreqCorrection() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ppm
}

// ReadAsync delivers simulated transfers until CancelAsync. Every transfer
// reuses one driver-owned buffer whose bytes all equal the transfer's
// sequence number (mod 256), so a consumer that keeps the slice without
// copying it observes later transfers overwriting earlier ones.
func (h *TestableHandle) ReadAsync(cb func([]byte), bufCount, bufLen int) error {
	if bufLen <= 0 {
		bufLen = DefaultBufferLength
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return &StatusError{Op: "read_async", Code: StatusNoDevice}
	}
	if h.streaming {
		h.mu.Unlock()
		return &StatusError{Op: "read_async", Code: StatusBusy}
	}
	h.streaming = true
	h.cancel = make(chan struct{})
	cancel := h.cancel
	h.mu.Unlock()

	h.drv.mu.Lock()
	h.drv.readAsyncCalls++
	interval := h.drv.StreamInterval
	failWith := h.drv.ReadAsyncError
	h.drv.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.streaming = false
		h.mu.Unlock()
	}()

	buf := make([]byte, bufLen)
	for seq := 0; ; seq++ {
		select {
		case <-cancel:
			return nil
		default:
		}
		for i := range buf {
			buf[i] = byte(seq)
		}
		cb(buf)
		if failWith != nil {
			return failWith
		}
		if interval > 0 {
			select {
			case <-cancel:
				return nil
			case <-time.After(interval):
			}
		}
	}
}

// CancelAsync stops a running ReadAsync.
func (h *TestableHandle) CancelAsync() error {
	h.drv.mu.Lock()
	h.drv.cancelCalls++
	h.drv.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.streaming || h.cancel == nil {
		return &StatusError{Op: "cancel_async", Code: StatusNotRunning}
	}
	select {
	case <-h.cancel:
	default:
		close(h.cancel)
	}
	return nil
}
