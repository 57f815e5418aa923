package patch

import (
	"io"

	"github.com/urbackup-go/backupcore/internal/extent"
)

// WriterAtCallback adapts an io.WriterAt into a Callback, materializing the
// reconstructed file. Sparse windows are written as real zero bytes unless
// a HolePuncher is supplied, in which case the region is punched instead
// (used by the VHD/local-file restore paths that want actual sparseness on
// disk rather than explicit zero writes).
type WriterAtCallback struct {
	W       io.WriterAt
	Puncher HolePuncher
	pos     int64
	extents []extent.Extent
}

// HolePuncher hole-punches [offset, offset+length) in the destination.
type HolePuncher interface {
	PunchHole(offset, length int64) error
}

func (w *WriterAtCallback) NextChunkPatcherBytes(buf []byte, isChanged, isSparse bool) error {
	if isSparse {
		length := int64(len(buf))
		if w.Puncher != nil {
			if err := w.Puncher.PunchHole(w.pos, length); err != nil {
				return err
			}
		} else {
			if _, err := w.W.WriteAt(buf, w.pos); err != nil {
				return err
			}
		}
		w.pos += length
		return nil
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := w.W.WriteAt(buf, w.pos); err != nil {
		return err
	}
	w.pos += int64(len(buf))
	return nil
}

func (w *WriterAtCallback) NextSparseExtentBytes(offset, length int64) error {
	w.extents = append(w.extents, extent.Extent{Offset: offset, Length: length})
	return nil
}

// Extents returns the sparse extents detected during reconstruction.
func (w *WriterAtCallback) Extents() []extent.Extent { return w.extents }
