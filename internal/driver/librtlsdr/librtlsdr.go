//go:build rtlsdr

// Package librtlsdr binds the driver boundary to librtlsdr through cgo.
// Build with -tags rtlsdr on a host that has librtlsdr and its headers.
package librtlsdr

import (
	"sync"

	gsdr "github.com/jpoirier/gortlsdr"

	"github.com/banshee-data/sdrcontrol/internal/driver"
)

// Driver enumerates and opens USB attached receivers.
type Driver struct{}

// New returns the librtlsdr driver.
func New() *Driver { return &Driver{} }

func (Driver) DeviceCount() int {
	return gsdr.GetDeviceCount()
}

func (Driver) DeviceName(index int) string {
	return gsdr.GetDeviceName(index)
}

func (Driver) USBStrings(index int) (string, string, string, error) {
	return gsdr.GetDeviceUsbStrings(index)
}

func (Driver) Open(index int) (driver.Handle, error) {
	dev, err := gsdr.Open(index)
	if err != nil {
		return nil, &openError{index: index, err: err}
	}
	return &Handle{dev: dev}, nil
}

type openError struct {
	index int
	err   error
}

func (e *openError) Error() string { return "rtlsdr_open: " + e.err.Error() }
func (e *openError) Unwrap() error { return e.err }

// Handle wraps a gortlsdr context. gortlsdr getters report zero on failure;
// those are passed through unchanged.
type Handle struct {
	dev *gsdr.Context

	// librtlsdr does not document its setters as thread safe
	mu sync.Mutex
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.Close()
}

func (h *Handle) SetCenterFreq(hz uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.SetCenterFreq(int(hz))
}

func (h *Handle) CenterFreq() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(h.dev.GetCenterFreq())
}

func (h *Handle) SetSampleRate(hz uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.SetSampleRate(int(hz))
}

func (h *Handle) SampleRate() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(h.dev.GetSampleRate())
}

func (h *Handle) SetTunerGain(tenthsDB int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.SetTunerGain(tenthsDB)
}

func (h *Handle) TunerGain() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.GetTunerGain()
}

func (h *Handle) SetTunerGainMode(manual bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.SetTunerGainMode(manual)
}

func (h *Handle) SetFreqCorrection(ppm int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.SetFreqCorrection(ppm)
}

// ReadAsync resets the endpoint buffer and blocks in rtlsdr_read_async.
// librtlsdr invokes cb on the calling goroutine's thread with a slice that
// aliases libusb transfer memory.
func (h *Handle) ReadAsync(cb func([]byte), bufCount, bufLen int) error {
	h.mu.Lock()
	err := h.dev.ResetBuffer()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if bufLen <= 0 {
		bufLen = driver.DefaultBufferLength
	}
	return h.dev.ReadAsync(cb, nil, bufCount, bufLen)
}

// CancelAsync does not take mu, so it reaches ReadAsync even while a setter
// is running.
func (h *Handle) CancelAsync() error {
	return h.dev.CancelAsync()
}
