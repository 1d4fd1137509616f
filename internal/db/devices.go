package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/sdrcontrol/internal/device"
)

// KnownDevice is a receiver that has been seen on the bus at least once.
type KnownDevice struct {
	device.Descriptor
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// UpsertDevice records d as seen at now. An existing row keeps its
// first_seen time; every other column is refreshed.
func (db *DB) UpsertDevice(d device.Descriptor, now time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := db.Exec(`
		INSERT INTO devices (serial, device_index, manufacturer, product, name, first_seen_s, last_seen_s)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			device_index = excluded.device_index,
			manufacturer = excluded.manufacturer,
			product = excluded.product,
			name = excluded.name,
			last_seen_s = excluded.last_seen_s
	`, d.Serial, d.Index, d.Manufacturer, d.Product, d.Name, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.Serial, err)
	}
	return nil
}

// InsertDeviceIfMissing adds d unless a device with the same serial is
// already recorded. It reports whether a row was added.
func (db *DB) InsertDeviceIfMissing(d device.Descriptor, now time.Time) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	res, err := db.Exec(`
		INSERT INTO devices (serial, device_index, manufacturer, product, name, first_seen_s, last_seen_s)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO NOTHING
	`, d.Serial, d.Index, d.Manufacturer, d.Product, d.Name, now.Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert device %s: %w", d.Serial, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Devices returns every recorded device ordered by bus index then serial.
func (db *DB) Devices() ([]KnownDevice, error) {
	rows, err := db.Query(`
		SELECT serial, device_index, manufacturer, product, name, first_seen_s, last_seen_s
		FROM devices
		ORDER BY device_index, serial
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var out []KnownDevice
	for rows.Next() {
		kd, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kd)
	}
	return out, rows.Err()
}

// Device returns the device recorded under serial, or ErrNotFound.
func (db *DB) Device(serial string) (KnownDevice, error) {
	row := db.QueryRow(`
		SELECT serial, device_index, manufacturer, product, name, first_seen_s, last_seen_s
		FROM devices
		WHERE serial = ?
	`, serial)
	kd, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KnownDevice{}, fmt.Errorf("device %s: %w", serial, ErrNotFound)
	}
	return kd, err
}

// DeleteDevice removes the device recorded under serial.
func (db *DB) DeleteDevice(serial string) error {
	res, err := db.Exec(`DELETE FROM devices WHERE serial = ?`, serial)
	if err != nil {
		return fmt.Errorf("failed to delete device %s: %w", serial, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", serial, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (KnownDevice, error) {
	var kd KnownDevice
	var first, last int64
	if err := s.Scan(&kd.Serial, &kd.Index, &kd.Manufacturer, &kd.Product, &kd.Name, &first, &last); err != nil {
		return KnownDevice{}, err
	}
	kd.FirstSeen = time.Unix(first, 0).UTC()
	kd.LastSeen = time.Unix(last, 0).UTC()
	return kd, nil
}
