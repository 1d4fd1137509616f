// Package device owns receiver identity and the lifecycle of open handles:
// the Registry guarantees at most one handle per serial and the Acquirer
// retries opens within a bounded time.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// Unknown fills descriptor fields a receiver would not report.
const Unknown = "Unknown"

// ErrInvalidDescriptor is wrapped by Descriptor.Validate failures.
var ErrInvalidDescriptor = errors.New("invalid device descriptor")

// Descriptor identifies a receiver. Serial is the stable key; Index is the
// position in the current enumeration and may change between plug events.
type Descriptor struct {
	Index        int    `json:"index"`
	Serial       string `json:"serial"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Name         string `json:"name"`
}

// Validate checks that the index is non-negative and every string field is
// non-empty.
func (d Descriptor) Validate() error {
	if d.Index < 0 {
		return fmt.Errorf("%w: index must be non-negative, got %d", ErrInvalidDescriptor, d.Index)
	}
	for _, f := range []struct{ name, v string }{
		{"serial", d.Serial},
		{"manufacturer", d.Manufacturer},
		{"product", d.Product},
		{"name", d.Name},
	} {
		if strings.TrimSpace(f.v) == "" {
			return fmt.Errorf("%w: %s must be non-empty", ErrInvalidDescriptor, f.name)
		}
	}
	return nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s, index %d)", d.Serial, d.Name, d.Index)
}
