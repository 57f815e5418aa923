//go:build !(linux || darwin || freebsd || dragonfly)

package vhd

import "github.com/pkg/errors"

// statfsFreeBytes is unavailable on this platform; the proactive
// free-space pause is disabled and only real ENOSPC errors trigger the
// space callback.
func statfsFreeBytes(path string) (int64, error) {
	return 0, errors.New("vhd: free-space query unsupported on this platform")
}
