//go:build darwin

package store

import "golang.org/x/sys/unix"

// reflink clones src to dst with clonefile(2), matching
// backend/local/clone_darwin.go's Clonefile server-side copy.
func reflink(src, dst string) error {
	return unix.Clonefile(src, dst, unix.CLONE_NOFOLLOW)
}
