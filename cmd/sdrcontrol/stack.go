package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/config"
	"github.com/banshee-data/sdrcontrol/internal/control"
	"github.com/banshee-data/sdrcontrol/internal/db"
	"github.com/banshee-data/sdrcontrol/internal/device"
	"github.com/banshee-data/sdrcontrol/internal/directory"
	"github.com/banshee-data/sdrcontrol/internal/driver"
	"github.com/banshee-data/sdrcontrol/internal/driver/rtltcp"
	"github.com/banshee-data/sdrcontrol/internal/metrics"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
	"github.com/banshee-data/sdrcontrol/internal/samplemux"
	"github.com/banshee-data/sdrcontrol/internal/stream"
	"github.com/banshee-data/sdrcontrol/internal/timeutil"
)

// enumeratingDriver is what the directory needs from a driver.
type enumeratingDriver interface {
	driver.Driver
	driver.Enumerator
}

// stack is the wired set of components behind every subcommand.
type stack struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *db.DB
	drv      enumeratingDriver
	ctrl     *control.DeviceControl
	dir      *directory.Directory
	hub      *samplemux.Hub
	clock    timeutil.Clock
}

func openDriver(cfg *config.Config) (enumeratingDriver, error) {
	switch cfg.Driver {
	case config.DriverLibrtlsdr:
		return openLibrtlsdr()
	case config.DriverRTLTCP:
		return rtltcp.NewDriver(cfg.RTLTCP.Addresses, cfg.RTLTCP.DialTimeout), nil
	case config.DriverMock:
		return mockDriver(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// mockDriver simulates two receivers for running without hardware.
func mockDriver() *driver.TestableDriver {
	return driver.NewTestableDriver(
		driver.FakeDevice{Name: "Generic RTL2832U OEM", Manufacturer: "Realtek", Product: "RTL2838UHIDIR", Serial: "00000001"},
		driver.FakeDevice{Name: "Generic RTL2832U OEM", Manufacturer: "Realtek", Product: "RTL2838UHIDIR", Serial: "00000002"},
	)
}

// newStack opens the database and driver and wires the control core to them.
func newStack(cfg *config.Config) (*stack, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	drv, err := openDriver(cfg)
	if err != nil {
		return nil, err
	}

	store, err := db.NewDB(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DB.Path, err)
	}

	clock := timeutil.RealClock{}
	handles := device.NewRegistry(drv, m)
	acq := device.NewAcquirer(handles, clock, cfg.Policy(), m)
	ctrl := control.New(acq, stream.NewController(m), cfg.ControlOptions(), m)

	return &stack{
		registry: reg,
		metrics:  m,
		store:    store,
		drv:      drv,
		ctrl:     ctrl,
		dir:      directory.New(drv, handles, store, clock),
		hub:      samplemux.NewHub(cfg.Stream.SubscriberDepth),
		clock:    clock,
	}, nil
}

// Close releases every receiver before closing the sample fanout and the
// database.
func (s *stack) Close() error {
	var errs []error
	if err := s.ctrl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release receivers: %w", err))
	}
	if err := s.hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		monitoring.Logger().Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	return nil
}

// find resolves a serial to an attached receiver.
func (s *stack) find(serial string) (device.Descriptor, error) {
	d, ok := s.dir.Find(serial)
	if !ok {
		return device.Descriptor{}, fmt.Errorf("no attached receiver with serial %s", serial)
	}
	return d, nil
}
