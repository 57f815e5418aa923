//go:build !windows && !plan9

package store

import (
	"os"
	"syscall"
)

// hlinkInfo identifies a file's (device, inode) pair so Put can tell
// whether a candidate source is already hardlinked into the content
// store, avoiding a redundant relink. Grounded on
// backend/local/linkinfo_unix.go's UnixHLinkInfo/getHLinkInfo, which reads
// the same fields off syscall.Stat_t for rclone's own hardlink detection.
type hlinkInfo struct {
	dev uint64
	ino uint64
}

func getHLinkInfo(info os.FileInfo) (hlinkInfo, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return hlinkInfo{}, false
	}
	return hlinkInfo{dev: uint64(st.Dev), ino: st.Ino}, true
}

func sameFile(a, b hlinkInfo) bool {
	return a.dev == b.dev && a.ino == b.ino
}
