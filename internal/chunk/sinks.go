package chunk

import (
	"io"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/patch"
)

// InlineSink writes a pull's output directly into a materialized target
// file, copying unchanged spans from Base itself (spec §4.A "two write
// modes: inline ... writes directly into a copy").
type InlineSink struct {
	Base   io.ReaderAt
	Target io.WriterAt
}

func (s *InlineSink) WriteWholeBlock(blockOffset int64, data []byte) error {
	_, err := s.Target.WriteAt(data, blockOffset)
	return errors.Wrap(err, "chunk: writing whole block")
}

func (s *InlineSink) CopyFromBase(offset, length int64) error {
	if length <= 0 {
		return nil
	}
	if s.Base == nil {
		return errors.New("chunk: CopyFromBase with no base file")
	}
	buf := make([]byte, length)
	n, err := s.Base.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "chunk: reading base for copy-through")
	}
	if _, err := s.Target.WriteAt(buf[:n], offset); err != nil {
		return errors.Wrap(err, "chunk: writing copy-through span")
	}
	return nil
}

func (s *InlineSink) WriteChunk(offset int64, data []byte) error {
	_, err := s.Target.WriteAt(data, offset)
	return errors.Wrap(err, "chunk: writing literal chunk")
}

// PatchSink appends the pull's output as a patch stream instead of
// materializing the target immediately (spec §4.A "... or patch-file mode,
// for component D to apply later"). Unchanged spans need no record at
// all: Reconstruct fills any gap in the stream from its own base reader.
type PatchSink struct {
	w *patch.Writer
}

// NewPatchSink wraps w (already past its WriteHeader call) for patch-mode
// pulling.
func NewPatchSink(w *patch.Writer) *PatchSink {
	return &PatchSink{w: w}
}

func (s *PatchSink) WriteWholeBlock(blockOffset int64, data []byte) error {
	return errors.Wrap(s.w.WriteRecord(patch.Record{Offset: blockOffset, Data: data}), "chunk: writing whole-block patch record")
}

func (s *PatchSink) CopyFromBase(offset, length int64) error {
	return nil // the gap is reconstructed from base directly; see patch.Reconstruct
}

func (s *PatchSink) WriteChunk(offset int64, data []byte) error {
	return errors.Wrap(s.w.WriteRecord(patch.Record{Offset: offset, Data: data}), "chunk: writing chunk patch record")
}
