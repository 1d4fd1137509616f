//go:build !rtlsdr

package main

import "errors"

func openLibrtlsdr() (enumeratingDriver, error) {
	return nil, errors.New("built without librtlsdr support; rebuild with -tags rtlsdr or use --driver rtltcp or mock")
}
