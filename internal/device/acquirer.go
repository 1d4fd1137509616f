package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/driver"
	"github.com/banshee-data/sdrcontrol/internal/metrics"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
	"github.com/banshee-data/sdrcontrol/internal/timeutil"
)

// Backoff strategies between open attempts.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Policy bounds how long and how often the Acquirer retries a failed open.
type Policy struct {
	// Timeout bounds the total time spent; zero means a single attempt.
	Timeout time.Duration
	// RetryInterval is the wait after a failed attempt, or the first wait
	// when Backoff is exponential.
	RetryInterval time.Duration
	// Backoff is BackoffFixed (the default when empty) or BackoffExponential.
	Backoff string
	// MaxInterval caps exponential waits. Zero means no cap below Timeout.
	MaxInterval time.Duration
}

// DefaultPolicy retries every half second for up to ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:       10 * time.Second,
		RetryInterval: 500 * time.Millisecond,
		Backoff:       BackoffFixed,
	}
}

// Validate checks that the durations are usable and the strategy is known.
func (p Policy) Validate() error {
	if p.Timeout < 0 {
		return fmt.Errorf("acquire timeout must be non-negative, got %v", p.Timeout)
	}
	if p.RetryInterval <= 0 {
		return fmt.Errorf("acquire retry interval must be positive, got %v", p.RetryInterval)
	}
	if p.MaxInterval < 0 {
		return fmt.Errorf("acquire max interval must be non-negative, got %v", p.MaxInterval)
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown acquire backoff %q", p.Backoff)
	}
	return nil
}

// next returns a generator of successive waits for p.
func (p Policy) next() func() time.Duration {
	if p.Backoff != BackoffExponential {
		return func() time.Duration { return p.RetryInterval }
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RetryInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval == 0 {
		b.MaxInterval = max(p.Timeout, p.RetryInterval)
	}
	b.Reset()
	return b.NextBackOff
}

// Acquirer opens receivers through a Registry, retrying failed opens until a
// policy's timeout expires. Elapsed time is measured on the injected clock.
//
// A native open that hangs is not interrupted; the timeout is only checked
// between attempts.
type Acquirer struct {
	reg     *Registry
	clock   timeutil.Clock
	policy  Policy
	metrics *metrics.Metrics
}

// NewAcquirer creates an Acquirer whose Open and Exec use policy.
func NewAcquirer(reg *Registry, clock timeutil.Clock, policy Policy, m *metrics.Metrics) *Acquirer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Acquirer{reg: reg, clock: clock, policy: policy, metrics: m}
}

// Registry returns the registry the Acquirer opens through.
func (a *Acquirer) Registry() *Registry { return a.reg }

// Policy returns the default policy.
func (a *Acquirer) Policy() Policy { return a.policy }

// Open is OpenWithRetry with the default policy.
func (a *Acquirer) Open(ctx context.Context, d Descriptor) (driver.Handle, error) {
	return a.OpenWithRetry(ctx, d, a.policy)
}

// OpenWithRetry returns the registered handle for d, opening it if needed.
// Failed opens are retried until p.Timeout has elapsed, at which point an
// *AcquisitionTimeoutError wrapping the last failure is returned. The last
// attempt is made at the deadline.
func (a *Acquirer) OpenWithRetry(ctx context.Context, d Descriptor, p Policy) (driver.Handle, error) {
	var h driver.Handle
	err := a.ExecWithPolicy(ctx, d, p, func(handle driver.Handle) error {
		h = handle
		return nil
	})
	return h, err
}

// Exec is ExecWithPolicy with the default policy.
func (a *Acquirer) Exec(ctx context.Context, d Descriptor, fn func(driver.Handle) error) error {
	return a.ExecWithPolicy(ctx, d, a.policy, fn)
}

// ExecWithPolicy retries Registry.Exec like OpenWithRetry. Only open
// failures are retried; an error from fn is returned at once.
func (a *Acquirer) ExecWithPolicy(ctx context.Context, d Descriptor, p Policy, fn func(driver.Handle) error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	log := monitoring.Logger().With(zap.String("serial", d.Serial))

	start := a.clock.Now()
	next := p.next()
	for attempt := 1; ; attempt++ {
		err := a.reg.Exec(d, fn)
		var openErr *DeviceOpenError
		if !errors.As(err, &openErr) {
			a.metrics.RecordAcquire(a.clock.Since(start), false)
			return err
		}

		elapsed := a.clock.Since(start)
		remaining := p.Timeout - elapsed
		if remaining <= 0 {
			a.metrics.RecordAcquire(elapsed, true)
			log.Error("unable to open device within timeout",
				zap.Duration("timeout", p.Timeout), zap.Int("attempts", attempt), zap.Error(err))
			return &AcquisitionTimeoutError{
				Serial:   d.Serial,
				Timeout:  p.Timeout,
				Elapsed:  elapsed,
				Attempts: attempt,
				Last:     openErr,
			}
		}

		wait := min(next(), remaining)
		log.Warn("device open failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(wait):
		}
	}
}
