// Package control is the public surface for operating receivers: parameter
// reads and writes, info snapshots and stream start and stop. Every call
// acquires the receiver through the retrying Acquirer and runs under the
// registry's serial lock, so calls on one receiver never interleave.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/device"
	"github.com/banshee-data/sdrcontrol/internal/driver"
	"github.com/banshee-data/sdrcontrol/internal/metrics"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
	"github.com/banshee-data/sdrcontrol/internal/stream"
)

// Operation names used in ParameterError and metrics.
const (
	OpSetFrequency           = "set_frequency"
	OpGetFrequency           = "get_frequency"
	OpSetSampleRate          = "set_sample_rate"
	OpGetSampleRate          = "get_sample_rate"
	OpSetGain                = "set_gain"
	OpGetGain                = "get_gain"
	OpSetGainMode            = "set_gain_mode"
	OpSetFrequencyCorrection = "set_frequency_correction"
)

// ParameterError reports a parameter the driver rejected. Value is the
// requested value for setters and zero for getters.
type ParameterError struct {
	Op     string
	Serial string
	Value  int64
	Err    error
}

func (e *ParameterError) Error() string {
	if e.Value != 0 {
		return fmt.Sprintf("%s(%d) on %s: %v", e.Op, e.Value, e.Serial, e.Err)
	}
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Serial, e.Err)
}

func (e *ParameterError) Unwrap() error { return e.Err }

// Options configures stream defaults and policies.
type Options struct {
	// BufferSize is used when StartStream is given zero.
	BufferSize int
	// BufferCount is passed through to the driver.
	BufferCount int
	// StopTimeout bounds the wait for a stream worker in StopStream and
	// Release. Zero waits indefinitely.
	StopTimeout time.Duration
	// StrictStreams makes StartStream on a streaming receiver return
	// stream.ErrStreamAlreadyRunning and StopStream on an idle one return
	// stream.ErrStreamNotRunning. Otherwise both log a warning and succeed.
	StrictStreams bool
}

// DefaultStopTimeout bounds the wait for a stream worker unless configured
// otherwise.
const DefaultStopTimeout = 5 * time.Second

// DefaultOptions returns 16 * 16384 byte transfers, driver default transfer
// count, a DefaultStopTimeout stop wait and lenient stream policies.
func DefaultOptions() Options {
	return Options{BufferSize: driver.DefaultBufferLength, StopTimeout: DefaultStopTimeout}
}

// Info is a snapshot of a receiver's identity and parameters. The three
// parameter reads are taken one after another and are not atomic with
// respect to the hardware.
type Info struct {
	device.Descriptor
	CenterFrequency uint32 `json:"center_frequency"`
	SampleRate      uint32 `json:"sample_rate"`
	Gain            int    `json:"gain"`
	Streaming       bool   `json:"streaming"`
}

// DeviceControl coordinates the Acquirer, Registry and stream Controller.
type DeviceControl struct {
	acq     *device.Acquirer
	reg     *device.Registry
	streams *stream.Controller
	metrics *metrics.Metrics
	opts    Options
}

// New creates a DeviceControl. m may be nil.
func New(acq *device.Acquirer, streams *stream.Controller, opts Options, m *metrics.Metrics) *DeviceControl {
	if opts.BufferSize <= 0 {
		opts.BufferSize = driver.DefaultBufferLength
	}
	return &DeviceControl{
		acq:     acq,
		reg:     acq.Registry(),
		streams: streams,
		metrics: m,
		opts:    opts,
	}
}

// Registry exposes the handle registry for inspection.
func (c *DeviceControl) Registry() *device.Registry { return c.reg }

// Acquire opens d, or returns its existing handle.
func (c *DeviceControl) Acquire(ctx context.Context, d device.Descriptor) (driver.Handle, error) {
	return c.acq.Open(ctx, d)
}

// Release stops any stream on d and closes it. Releasing a closed receiver
// is a no-op. A stream error is returned after the receiver is closed.
func (c *DeviceControl) Release(d device.Descriptor) error {
	var streamErr error
	err := c.reg.ReleaseWith(d.Serial, func(h driver.Handle) error {
		var err error
		streamErr, err = c.stopLocked(h)
		return err
	})
	if err != nil {
		return err
	}
	return streamErr
}

// stopLocked stops the stream on h. It returns the stream's own error
// separately from a stop timeout, which must keep the handle open.
func (c *DeviceControl) stopLocked(h driver.Handle) (streamErr, err error) {
	if c.opts.StopTimeout > 0 {
		streamErr = c.streams.StopTimeout(h, c.opts.StopTimeout)
	} else {
		streamErr = c.streams.Stop(h)
	}
	if errors.Is(streamErr, stream.ErrStopTimeout) {
		return nil, streamErr
	}
	return streamErr, nil
}

func (c *DeviceControl) set(ctx context.Context, d device.Descriptor, op string, value int64, fn func(driver.Handle) error) error {
	err := c.acq.Exec(ctx, d, func(h driver.Handle) error {
		if err := fn(h); err != nil {
			return &ParameterError{Op: op, Serial: d.Serial, Value: value, Err: err}
		}
		return nil
	})
	c.metrics.RecordParameter(op, err)
	if err != nil {
		monitoring.Logger().Warn("parameter operation failed",
			zap.String("op", op), zap.String("serial", d.Serial), zap.Int64("value", value), zap.Error(err))
	}
	return err
}

func (c *DeviceControl) get(ctx context.Context, d device.Descriptor, op string, fn func(driver.Handle)) error {
	err := c.acq.Exec(ctx, d, func(h driver.Handle) error {
		fn(h)
		return nil
	})
	c.metrics.RecordParameter(op, err)
	return err
}

// SetFrequency tunes d to hz. The value is not read back.
func (c *DeviceControl) SetFrequency(ctx context.Context, d device.Descriptor, hz uint32) error {
	return c.set(ctx, d, OpSetFrequency, int64(hz), func(h driver.Handle) error {
		return h.SetCenterFreq(hz)
	})
}

// Frequency returns the center frequency of d in Hz.
func (c *DeviceControl) Frequency(ctx context.Context, d device.Descriptor) (uint32, error) {
	var hz uint32
	err := c.get(ctx, d, OpGetFrequency, func(h driver.Handle) { hz = h.CenterFreq() })
	return hz, err
}

// SetSampleRate sets the sample rate of d in Hz.
func (c *DeviceControl) SetSampleRate(ctx context.Context, d device.Descriptor, hz uint32) error {
	return c.set(ctx, d, OpSetSampleRate, int64(hz), func(h driver.Handle) error {
		return h.SetSampleRate(hz)
	})
}

// SampleRate returns the sample rate of d in Hz.
func (c *DeviceControl) SampleRate(ctx context.Context, d device.Descriptor) (uint32, error) {
	var hz uint32
	err := c.get(ctx, d, OpGetSampleRate, func(h driver.Handle) { hz = h.SampleRate() })
	return hz, err
}

// SetGain sets the tuner gain of d in tenths of a dB. Tuners only honour it
// in manual gain mode; see SetGainMode.
func (c *DeviceControl) SetGain(ctx context.Context, d device.Descriptor, tenthsDB int) error {
	return c.set(ctx, d, OpSetGain, int64(tenthsDB), func(h driver.Handle) error {
		return h.SetTunerGain(tenthsDB)
	})
}

// Gain returns the tuner gain of d in tenths of a dB.
func (c *DeviceControl) Gain(ctx context.Context, d device.Descriptor) (int, error) {
	var g int
	err := c.get(ctx, d, OpGetGain, func(h driver.Handle) { g = h.TunerGain() })
	return g, err
}

// SetGainMode selects manual (true) or automatic tuner gain on d.
func (c *DeviceControl) SetGainMode(ctx context.Context, d device.Descriptor, manual bool) error {
	var v int64
	if manual {
		v = 1
	}
	return c.set(ctx, d, OpSetGainMode, v, func(h driver.Handle) error {
		return h.SetTunerGainMode(manual)
	})
}

// SetFrequencyCorrection sets the crystal correction of d in ppm.
func (c *DeviceControl) SetFrequencyCorrection(ctx context.Context, d device.Descriptor, ppm int) error {
	return c.set(ctx, d, OpSetFrequencyCorrection, int64(ppm), func(h driver.Handle) error {
		return h.SetFreqCorrection(ppm)
	})
}

// DeviceInfo returns the descriptor of d with its current parameters.
func (c *DeviceControl) DeviceInfo(ctx context.Context, d device.Descriptor) (Info, error) {
	info := Info{Descriptor: d}
	err := c.acq.Exec(ctx, d, func(h driver.Handle) error {
		info.CenterFrequency = h.CenterFreq()
		info.SampleRate = h.SampleRate()
		info.Gain = h.TunerGain()
		info.Streaming = c.streams.State(h) != stream.Idle
		return nil
	})
	if err != nil {
		return Info{}, err
	}
	return info, nil
}

// StartStream acquires d and starts streaming its samples to cb. A
// bufferSize of zero uses the configured default. Starting a receiver that
// is already streaming leaves the running stream untouched; it is an error
// only with StrictStreams.
//
// cb must not call DeviceControl for d. StopStream holds d's lock while it
// waits for the worker, so such a call blocks until the stop times out.
func (c *DeviceControl) StartStream(ctx context.Context, d device.Descriptor, cb stream.Callback, bufferSize int) (uuid.UUID, error) {
	if bufferSize <= 0 {
		bufferSize = c.opts.BufferSize
	}
	var id uuid.UUID
	err := c.acq.Exec(ctx, d, func(h driver.Handle) error {
		var err error
		id, err = c.streams.Start(h, stream.Options{BufferSize: bufferSize, BufferCount: c.opts.BufferCount}, cb)
		if errors.Is(err, stream.ErrStreamAlreadyRunning) && !c.opts.StrictStreams {
			monitoring.Logger().Warn("stream already running", zap.String("serial", d.Serial), zap.Stringer("session", id))
			return nil
		}
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// StopStream stops the stream on d, waits for its worker to exit and closes
// the receiver. It returns the stream's driver or consumer error, if any.
// With a StopTimeout configured, a worker that does not exit in time yields
// stream.ErrStopTimeout and the receiver stays open.
func (c *DeviceControl) StopStream(d device.Descriptor) error {
	if c.opts.StrictStreams {
		h, ok := c.reg.Lookup(d.Serial)
		if !ok || c.streams.State(h) == stream.Idle {
			return stream.ErrStreamNotRunning
		}
	}
	return c.Release(d)
}

// StopStreamTimeout is StopStream with an explicit bound on the wait.
func (c *DeviceControl) StopStreamTimeout(d device.Descriptor, timeout time.Duration) error {
	var streamErr error
	err := c.reg.ReleaseWith(d.Serial, func(h driver.Handle) error {
		streamErr = c.streams.StopTimeout(h, timeout)
		if errors.Is(streamErr, stream.ErrStopTimeout) {
			return streamErr
		}
		return nil
	})
	if err != nil {
		return err
	}
	return streamErr
}

// StreamSession reports the stream on d, if it is open and streaming.
func (c *DeviceControl) StreamSession(d device.Descriptor) (stream.Session, bool) {
	h, ok := c.reg.Lookup(d.Serial)
	if !ok {
		return stream.Session{}, false
	}
	return c.streams.Session(h)
}

// Close stops every stream and closes every receiver. Stream errors are
// logged; the first release error is returned.
func (c *DeviceControl) Close() error {
	return c.reg.ReleaseAll(func(h driver.Handle) error {
		streamErr, err := c.stopLocked(h)
		if streamErr != nil {
			monitoring.Logger().Warn("stream ended with error during shutdown", zap.Error(streamErr))
		}
		return err
	})
}
