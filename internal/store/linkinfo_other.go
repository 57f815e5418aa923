//go:build windows || plan9

package store

import "os"

// hlinkInfo is a no-op on platforms without a syscall.Stat_t dev/ino pair
// (mirrors backend/local/linkinfo_windows.go's stub).
type hlinkInfo struct{}

func getHLinkInfo(info os.FileInfo) (hlinkInfo, bool) { return hlinkInfo{}, false }

func sameFile(a, b hlinkInfo) bool { return false }
