//go:build !linux

package vhd

import "os"

// punchHole is a no-op outside Linux: the BAT/sidecar bookkeeping in
// EmptyVHDBlock still records the block as unused and reports it in
// TrimmedBytes, but no filesystem-level space is reclaimed.
func punchHole(f *os.File, offset, length int64) error {
	return nil
}
