// Package driver defines the boundary between the control core and a native
// RTL-SDR implementation. Everything that touches the hardware, whether
// through librtlsdr, an rtl_tcp server or a test double, sits behind the
// Driver and Handle interfaces declared here.
package driver

import "fmt"

// DefaultBufferLength is the read size used when a caller passes zero to
// ReadAsync. It matches the 16 * 16384 byte transfers librtlsdr favours.
const DefaultBufferLength = 16 * 16384

// Driver opens receivers by their enumeration index.
type Driver interface {
	// DeviceCount returns the number of receivers currently attached.
	DeviceCount() int
	// Open claims the receiver at index. The returned Handle is exclusive
	// until Close is called.
	Open(index int) (Handle, error)
}

// Enumerator is implemented by drivers that can describe attached receivers
// without opening them.
type Enumerator interface {
	DeviceName(index int) string
	USBStrings(index int) (manufacturer, product, serial string, err error)
}

// Handle is an open connection to one receiver.
//
// Getter methods report the value the device last accepted. Setters return a
// *StatusError when the native layer rejects the request.
type Handle interface {
	Close() error

	SetCenterFreq(hz uint32) error
	CenterFreq() uint32

	SetSampleRate(hz uint32) error
	SampleRate() uint32

	// SetTunerGain sets the tuner gain in tenths of a dB.
	SetTunerGain(tenthsDB int) error
	TunerGain() int

	// SetTunerGainMode selects manual (true) or automatic tuner gain.
	SetTunerGainMode(manual bool) error

	SetFreqCorrection(ppm int) error

	// ReadAsync blocks, invoking cb for every filled transfer buffer until
	// CancelAsync is called or the device fails. The slice passed to cb is
	// owned by the driver and is only valid until cb returns.
	ReadAsync(cb func([]byte), bufCount, bufLen int) error

	// CancelAsync asks a running ReadAsync to return. It does not wait, and
	// it fails if no ReadAsync is in progress.
	CancelAsync() error
}

// StatusError reports a nonzero status returned by the native layer.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: native status %d", e.Op, e.Code)
}

// Status codes used by the in-tree drivers. They follow libusb and librtlsdr
// numbering where one exists.
const (
	StatusFailure    = -1
	StatusNotRunning = -2
	StatusNoDevice   = -4
	StatusBusy       = -6
)

// Status returns nil for a zero code and a *StatusError otherwise. Bindings
// that hand back plain ints use it so raw codes never escape the boundary.
func Status(op string, code int) error {
	if code == 0 {
		return nil
	}
	return &StatusError{Op: op, Code: code}
}
