//go:build linux || darwin || freebsd || dragonfly

package retention

import "syscall"

// freeBytes reports available bytes on the filesystem holding path,
// grounded on backend/local/about_unix.go's use of syscall.Statfs.
func freeBytes(path string) (int64, error) {
	var s syscall.Statfs_t
	if err := syscall.Statfs(path, &s); err != nil {
		return 0, err
	}
	return int64(s.Bsize) * int64(s.Bavail), nil //nolint:unconvert
}
