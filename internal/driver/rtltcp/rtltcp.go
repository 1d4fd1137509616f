// Package rtltcp implements the driver boundary on top of an rtl_tcp server,
// so receivers plugged into another machine can be controlled and streamed
// exactly like local ones.
//
// The wire protocol is small: on connect the server sends a 12 byte header
// ("RTL0", tuner type, gain count, big endian), then streams raw 8 bit IQ
// samples. Commands are 5 bytes: an opcode followed by a big endian uint32.
// The protocol has no read-back, so handles cache the last value the server
// accepted.
package rtltcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sdrcontrol/internal/driver"
)

// Command opcodes understood by rtl_tcp.
const (
	cmdSetFreq           = 0x01
	cmdSetSampleRate     = 0x02
	cmdSetGainMode       = 0x03
	cmdSetGain           = 0x04
	cmdSetFreqCorrection = 0x05
	cmdSetAGCMode        = 0x08
)

const headerMagic = "RTL0"

// ErrBadHeader is returned by Open when the server does not speak rtl_tcp.
var ErrBadHeader = errors.New("rtltcp: bad header")

// Tuner identifies the tuner chip reported in the header.
type Tuner uint32

const (
	TunerUnknown Tuner = iota
	TunerE4000
	TunerFC0012
	TunerFC0013
	TunerFC2580
	TunerR820T
	TunerR828D
)

var tunerNames = []string{"unknown", "E4000", "FC0012", "FC0013", "FC2580", "R820T", "R828D"}

func (t Tuner) String() string {
	if int(t) < len(tunerNames) {
		return tunerNames[t]
	}
	return fmt.Sprintf("Tuner(%d)", uint32(t))
}

// Info is the header the server sends on connect.
type Info struct {
	Magic     string
	Tuner     Tuner
	GainCount uint32
}

// DialFunc opens a connection to an rtl_tcp server.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Driver exposes a fixed list of rtl_tcp servers as receivers. The server
// address doubles as the receiver serial.
type Driver struct {
	addrs       []string
	dialTimeout time.Duration

	// Dial replaces the network dialer, mainly for tests.
	Dial DialFunc
}

// NewDriver creates a driver for the given host:port addresses.
func NewDriver(addrs []string, dialTimeout time.Duration) *Driver {
	d := &net.Dialer{}
	return &Driver{
		addrs:       append([]string(nil), addrs...),
		dialTimeout: dialTimeout,
		Dial:        d.DialContext,
	}
}

// DeviceCount returns the number of configured servers.
func (d *Driver) DeviceCount() int {
	return len(d.addrs)
}

// DeviceName returns a URL-style name for the server at index.
func (d *Driver) DeviceName(index int) string {
	if index < 0 || index >= len(d.addrs) {
		return ""
	}
	return "rtl_tcp://" + d.addrs[index]
}

// USBStrings reports fixed manufacturer and product strings and the server
// address as serial.
func (d *Driver) USBStrings(index int) (string, string, string, error) {
	if index < 0 || index >= len(d.addrs) {
		return "", "", "", &driver.StatusError{Op: "get_device_usb_strings", Code: driver.StatusNoDevice}
	}
	return "rtl_tcp", "RTL-SDR over TCP", d.addrs[index], nil
}

// Open connects to the server at index and validates its header.
func (d *Driver) Open(index int) (driver.Handle, error) {
	if index < 0 || index >= len(d.addrs) {
		return nil, &driver.StatusError{Op: "open", Code: driver.StatusNoDevice}
	}
	addr := d.addrs[index]

	ctx := context.Background()
	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}
	conn, err := d.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtltcp: dial %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	info, err := readHeader(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	return &Handle{addr: addr, conn: conn, info: info}, nil
}

func readHeader(r io.Reader) (Info, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Info{}, fmt.Errorf("rtltcp: read header: %w", err)
	}
	if string(hdr[:4]) != headerMagic {
		return Info{}, fmt.Errorf("%w: magic %q", ErrBadHeader, hdr[:4])
	}
	return Info{
		Magic:     headerMagic,
		Tuner:     Tuner(binary.BigEndian.Uint32(hdr[4:8])),
		GainCount: binary.BigEndian.Uint32(hdr[8:12]),
	}, nil
}

// Handle is an open rtl_tcp connection.
type Handle struct {
	addr string
	conn net.Conn
	info Info

	writeMu sync.Mutex

	mu     sync.Mutex
	freq   uint32
	rate   uint32
	gain   int
	closed bool

	streaming atomic.Bool
	cancelled atomic.Bool
}

// Info returns the header received on connect.
func (h *Handle) Info() Info { return h.info }

func (h *Handle) send(op string, cmd byte, param uint32) error {
	var msg [5]byte
	msg[0] = cmd
	binary.BigEndian.PutUint32(msg[1:], param)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	n, err := h.conn.Write(msg[:])
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n != len(msg) {
		return &driver.StatusError{Op: op, Code: driver.StatusFailure}
	}
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.conn.Close()
}

func (h *Handle) SetCenterFreq(hz uint32) error {
	if err := h.send("set_center_freq", cmdSetFreq, hz); err != nil {
		return err
	}
	h.mu.Lock()
	h.freq = hz
	h.mu.Unlock()
	return nil
}

func (h *Handle) CenterFreq() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freq
}

func (h *Handle) SetSampleRate(hz uint32) error {
	if err := h.send("set_sample_rate", cmdSetSampleRate, hz); err != nil {
		return err
	}
	h.mu.Lock()
	h.rate = hz
	h.mu.Unlock()
	return nil
}

func (h *Handle) SampleRate() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rate
}

func (h *Handle) SetTunerGain(tenthsDB int) error {
	if err := h.send("set_tuner_gain", cmdSetGain, uint32(int32(tenthsDB))); err != nil {
		return err
	}
	h.mu.Lock()
	h.gain = tenthsDB
	h.mu.Unlock()
	return nil
}

func (h *Handle) TunerGain() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gain
}

func (h *Handle) SetTunerGainMode(manual bool) error {
	var v uint32
	if manual {
		v = 1
	}
	return h.send("set_tuner_gain_mode", cmdSetGainMode, v)
}

// SetAGCMode toggles the RTL2832 digital AGC.
func (h *Handle) SetAGCMode(on bool) error {
	var v uint32
	if on {
		v = 1
	}
	return h.send("set_agc_mode", cmdSetAGCMode, v)
}

func (h *Handle) SetFreqCorrection(ppm int) error {
	return h.send("set_freq_correction", cmdSetFreqCorrection, uint32(int32(ppm)))
}

// ReadAsync reads fixed size chunks of the sample stream into one reused
// buffer and hands each to cb. bufCount is ignored; the socket buffers.
func (h *Handle) ReadAsync(cb func([]byte), bufCount, bufLen int) error {
	if bufLen <= 0 {
		bufLen = driver.DefaultBufferLength
	}
	if !h.streaming.CompareAndSwap(false, true) {
		return &driver.StatusError{Op: "read_async", Code: driver.StatusBusy}
	}
	defer h.streaming.Store(false)
	h.cancelled.Store(false)
	if err := h.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("read_async: %w", err)
	}

	buf := make([]byte, bufLen)
	for {
		if _, err := io.ReadFull(h.conn, buf); err != nil {
			if h.cancelled.Load() {
				return nil
			}
			return fmt.Errorf("read_async: %w", err)
		}
		cb(buf)
		if h.cancelled.Load() {
			return nil
		}
	}
}

// CancelAsync unblocks a running ReadAsync by expiring the read deadline.
func (h *Handle) CancelAsync() error {
	if !h.streaming.Load() {
		return &driver.StatusError{Op: "cancel_async", Code: driver.StatusNotRunning}
	}
	h.cancelled.Store(true)
	return h.conn.SetReadDeadline(time.Now())
}
