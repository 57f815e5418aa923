//go:build linux || darwin || freebsd || dragonfly

package vhd

import "syscall"

// statfsFreeBytes reports available bytes on the filesystem holding path,
// the same syscall.Statfs probe backend/local/about_unix.go uses.
func statfsFreeBytes(path string) (int64, error) {
	var s syscall.Statfs_t
	if err := syscall.Statfs(path, &s); err != nil {
		return 0, err
	}
	return int64(s.Bsize) * int64(s.Bavail), nil //nolint:unconvert
}
