//go:build linux

package vhd

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// punchFlags mirrors backend/local's fallback ladder for filesystems
// that reject FALLOC_FL_PUNCH_HOLE outright (observed on some overlay/ZFS
// configurations): try hole-punching first, then keep-size-only, then give
// up silently rather than fail the backup over a best-effort optimization.
var (
	punchFlags = [...]uint32{
		unix.FALLOC_FL_KEEP_SIZE | unix.FALLOC_FL_PUNCH_HOLE,
		unix.FALLOC_FL_KEEP_SIZE,
	}
	punchFlagsIndex int32
)

func punchHole(f *os.File, offset, length int64) error {
	if length <= 0 {
		return nil
	}
	index := atomic.LoadInt32(&punchFlagsIndex)
again:
	if index >= int32(len(punchFlags)) {
		return nil // trim disabled on this filesystem, not fatal
	}
	err := unix.Fallocate(int(f.Fd()), punchFlags[index], offset, length)
	if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
		index++
		atomic.StoreInt32(&punchFlagsIndex, index)
		goto again
	}
	return err
}
