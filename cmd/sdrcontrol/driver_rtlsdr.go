//go:build rtlsdr

package main

import "github.com/banshee-data/sdrcontrol/internal/driver/librtlsdr"

func openLibrtlsdr() (enumeratingDriver, error) {
	return librtlsdr.New(), nil
}
