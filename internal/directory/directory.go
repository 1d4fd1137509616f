// Package directory discovers receivers on the bus and keeps the persisted
// list of known devices in step with what is attached.
package directory

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/db"
	"github.com/banshee-data/sdrcontrol/internal/device"
	"github.com/banshee-data/sdrcontrol/internal/driver"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
	"github.com/banshee-data/sdrcontrol/internal/timeutil"
)

// Store persists known devices. *db.DB implements it.
type Store interface {
	Devices() ([]db.KnownDevice, error)
	UpsertDevice(d device.Descriptor, now time.Time) error
	InsertDeviceIfMissing(d device.Descriptor, now time.Time) (bool, error)
}

// Status is the result of probing one receiver during Initialize.
type Status struct {
	device.Descriptor
	Accessible bool   `json:"accessible"`
	Error      string `json:"error,omitempty"`
}

// Directory enumerates receivers through the driver and records them.
type Directory struct {
	enum  driver.Enumerator
	count func() int
	reg   *device.Registry
	store Store
	clock timeutil.Clock
}

// New creates a Directory. drv must also implement driver.Enumerator; the
// registry is used for accessibility probes so they respect open handles.
func New(drv interface {
	driver.Driver
	driver.Enumerator
}, reg *device.Registry, store Store, clock timeutil.Clock) *Directory {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Directory{
		enum:  drv,
		count: drv.DeviceCount,
		reg:   reg,
		store: store,
		clock: clock,
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return device.Unknown
	}
	return s
}

// Scan lists the receivers currently attached. Descriptor fields the driver
// cannot report are filled with device.Unknown. Nothing is persisted.
func (d *Directory) Scan() []device.Descriptor {
	n := d.count()
	log := monitoring.Logger()
	log.Info("enumerating receivers", zap.Int("count", n))

	out := make([]device.Descriptor, 0, n)
	for i := 0; i < n; i++ {
		desc := device.Descriptor{Index: i, Name: orUnknown(d.enum.DeviceName(i))}
		manufacturer, product, serial, err := d.enum.USBStrings(i)
		if err != nil {
			log.Error("failed to read USB strings", zap.Int("index", i), zap.Error(err))
			manufacturer, product, serial = "", "", ""
		}
		desc.Manufacturer = orUnknown(manufacturer)
		desc.Product = orUnknown(product)
		desc.Serial = orUnknown(serial)

		if err := desc.Validate(); err != nil {
			log.Error("skipping receiver", zap.Int("index", i), zap.Error(err))
			continue
		}
		log.Debug("enumerated receiver", zap.Stringer("device", desc))
		out = append(out, desc)
	}
	return out
}

// Enumerate scans the bus, merges what it finds into the store by serial and
// returns the full known-device list. Receivers already known have their
// index and last-seen time refreshed; no serial is ever stored twice.
func (d *Directory) Enumerate() ([]db.KnownDevice, error) {
	now := d.clock.Now()
	for _, desc := range d.Scan() {
		if err := d.store.UpsertDevice(desc, now); err != nil {
			return nil, err
		}
	}
	return d.store.Devices()
}

// AddIfUnrecognized stores desc unless its serial is already known.
func (d *Directory) AddIfUnrecognized(desc device.Descriptor) (bool, error) {
	added, err := d.store.InsertDeviceIfMissing(desc, d.clock.Now())
	if err != nil {
		return false, err
	}
	if added {
		monitoring.Logger().Info("unrecognized device added", zap.String("serial", desc.Serial))
	} else {
		monitoring.Logger().Debug("device already recognized", zap.String("serial", desc.Serial))
	}
	return added, nil
}

// VerifyAccessibility reports whether desc can be opened right now. A
// receiver this process already holds is accessible. The probe error is
// returned alongside false.
func (d *Directory) VerifyAccessibility(desc device.Descriptor) (bool, error) {
	if err := d.reg.Probe(desc); err != nil {
		monitoring.Logger().Error("device is locked or inaccessible",
			zap.String("serial", desc.Serial), zap.Error(err))
		return false, err
	}
	monitoring.Logger().Info("device is accessible", zap.String("serial", desc.Serial))
	return true, nil
}

// Initialize enumerates, records and probes every attached receiver and
// returns one status per receiver found on the bus.
func (d *Directory) Initialize() ([]Status, error) {
	now := d.clock.Now()
	var out []Status
	for _, desc := range d.Scan() {
		if err := d.store.UpsertDevice(desc, now); err != nil {
			return nil, err
		}
		st := Status{Descriptor: desc}
		ok, err := d.VerifyAccessibility(desc)
		st.Accessible = ok
		if err != nil {
			st.Error = err.Error()
			monitoring.Logger().Warn("device is not accessible and may be in use",
				zap.String("serial", desc.Serial))
		}
		monitoring.Logger().Info("receiver",
			zap.Int("index", desc.Index),
			zap.String("manufacturer", desc.Manufacturer),
			zap.String("product", desc.Product),
			zap.String("serial", desc.Serial))
		out = append(out, st)
	}
	return out, nil
}

// Find returns the attached receiver with the given serial.
func (d *Directory) Find(serial string) (device.Descriptor, bool) {
	for _, desc := range d.Scan() {
		if desc.Serial == serial {
			return desc, true
		}
	}
	return device.Descriptor{}, false
}
