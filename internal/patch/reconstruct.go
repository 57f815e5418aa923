package patch

import (
	"io"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/extent"
)

// Callback receives the logical bytes of a reconstructed file in order.
// isSparse implies the bytes are conceptually zero and were not actually
// read from base; isChanged distinguishes patch-sourced bytes from
// base-sourced ones (spec §4.D next_chunk_patcher_bytes).
type Callback interface {
	NextChunkPatcherBytes(buf []byte, isChanged, isSparse bool) error
	// NextSparseExtentBytes reports a sparse run detected in emitted
	// output data (not from the input extent iterator), so downstream
	// writers can hole-punch it.
	NextSparseExtentBytes(offset, length int64) error
}

// Options configures one Reconstruct call.
type Options struct {
	// BufferSize bounds how many unchanged base bytes are emitted per
	// callback invocation.
	BufferSize int
	// UnchangedAlign widens unchanged runs shorter than this, when they
	// abut a changed region, by reporting them merged with the adjacent
	// changed window (spec §4.D "Unchanged alignment").
	UnchangedAlign int64
	// SparseIter, if set, is consulted for lookahead: an emit window
	// fully inside one of its extents and block-aligned is skipped and
	// reported as sparse instead of read from base.
	SparseIter extent.Iter
	// SparseBlockSize is the alignment granularity SparseIter extents are
	// checked against (spec: 512 KiB blocks).
	SparseBlockSize int64
	// DetectSparseOutput coalesces zero-filled SparseBlockSize windows of
	// unchanged emitted data into a separate sparse-extent stream (spec
	// §4.D "Sparse detection within emitted data").
	DetectSparseOutput bool
}

// Reconstruct walks offsets 0..targetSize, invoking cb.NextChunkPatcherBytes
// for each emitted window, by merging patchR's records over base.
//
// Records are assumed to arrive from patchR in non-decreasing Offset order
// (as the chunk protocol always writes them); tombstones are skipped as if
// absent, reverting that span to base.
func Reconstruct(base io.ReaderAt, patchR io.Reader, cb Callback, opts Options) error {
	pr, err := NewReader(patchR)
	if err != nil {
		return errors.Wrap(err, "patch: reading header")
	}
	targetSize := pr.TargetSize

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	blockSize := opts.SparseBlockSize
	if blockSize <= 0 {
		blockSize = 512 * 1024
	}

	// pending holds the next non-tombstone record not yet consumed, or
	// nil once the stream is exhausted.
	var pending *Record
	advance := func() error {
		for {
			rec, err := pr.NextRecord()
			if err == io.EOF {
				pending = nil
				return nil
			}
			if err != nil {
				return errors.Wrap(err, "patch: reading record")
			}
			if rec.IsTombstone() {
				continue
			}
			r := rec
			pending = &r
			return nil
		}
	}
	if err := advance(); err != nil {
		return err
	}

	var pos int64
	for pos < targetSize {
		if pending != nil && pending.Offset == pos {
			if err := emitChanged(cb, pending.Data); err != nil {
				return err
			}
			pos += int64(len(pending.Data))
			if err := advance(); err != nil {
				return err
			}
			continue
		}

		// Unchanged gap up to the next record (or EOF/targetSize).
		gapEnd := targetSize
		if pending != nil && pending.Offset < gapEnd {
			gapEnd = pending.Offset
		}
		gapLen := gapEnd - pos

		abutsChange := pending != nil && pending.Offset == gapEnd && gapEnd < targetSize
		if opts.UnchangedAlign > 1 && gapLen > 0 && gapLen < opts.UnchangedAlign && abutsChange {
			// Merge this short unchanged run into the adjacent changed
			// window: same bytes, reported as part of the changed span so
			// block-level strong hashes stay computable over an aligned
			// window on the peer side.
			if err := emitFromBase(base, cb, pos, gapLen, opts, blockSize, true); err != nil {
				return err
			}
			pos = gapEnd
			continue
		}

		chunk := gapLen
		if chunk > int64(bufSize) {
			chunk = int64(bufSize)
		}
		if chunk <= 0 {
			// gapLen == 0: pending starts exactly here next loop.
			continue
		}
		if err := emitFromBase(base, cb, pos, chunk, opts, blockSize, false); err != nil {
			return err
		}
		pos += chunk
	}
	return nil
}

func emitChanged(cb Callback, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return cb.NextChunkPatcherBytes(data, true, false)
}

func emitFromBase(base io.ReaderAt, cb Callback, offset, length int64, opts Options, blockSize int64, isChanged bool) error {
	if opts.SparseIter != nil && isAligned(offset, length, blockSize) && extent.Covers(opts.SparseIter, offset, length) {
		return cb.NextChunkPatcherBytes(make([]byte, length), isChanged, true)
	}
	buf := make([]byte, length)
	n, err := base.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "patch: reading base at %d", offset)
	}
	buf = buf[:n]
	if int64(n) < length {
		// Base is shorter than the target (file grew); the remainder is
		// implicitly zero, matching a freshly-extended sparse region.
		padded := make([]byte, length)
		copy(padded, buf)
		buf = padded
	}
	if opts.DetectSparseOutput && isZero(buf) && isAligned(offset, length, blockSize) {
		if err := cb.NextSparseExtentBytes(offset, length); err != nil {
			return err
		}
		return cb.NextChunkPatcherBytes(buf, isChanged, true)
	}
	return cb.NextChunkPatcherBytes(buf, isChanged, false)
}

func isAligned(offset, length, blockSize int64) bool {
	return offset%blockSize == 0 && length == blockSize
}

func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
