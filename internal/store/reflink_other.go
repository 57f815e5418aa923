//go:build !linux && !darwin

package store

import "github.com/pkg/errors"

// reflink is unavailable on this platform; callers fall back to a byte
// copy.
func reflink(src, dst string) error {
	return errors.New("store: reflink unsupported on this platform")
}
