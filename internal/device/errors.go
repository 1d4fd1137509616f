package device

import (
	"fmt"
	"time"
)

// DeviceOpenError reports a failed native open for one attempt.
type DeviceOpenError struct {
	Serial string
	Index  int
	Err    error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("open device %s at index %d: %v", e.Serial, e.Index, e.Err)
}

func (e *DeviceOpenError) Unwrap() error { return e.Err }

// AcquisitionTimeoutError reports that every open attempt within the retry
// window failed. Last is the error from the final attempt.
type AcquisitionTimeoutError struct {
	Serial   string
	Timeout  time.Duration
	Elapsed  time.Duration
	Attempts int
	Last     error
}

func (e *AcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("acquire device %s: gave up after %d attempts in %v (timeout %v): %v",
		e.Serial, e.Attempts, e.Elapsed, e.Timeout, e.Last)
}

func (e *AcquisitionTimeoutError) Unwrap() error { return e.Last }
