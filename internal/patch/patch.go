// Package patch implements the patch stream format (spec §6) and the
// chunk patcher/reconstructor (component D): applying a patch stream
// against a base file to produce the logical new file.
package patch

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// TombstoneOffset marks a record as invalidated: "ignore this record"
// (spec §3). Reconstruct skips such records. The chunk engine does not
// write tombstones on reconnect: it writes a block only after the block
// has verified, so a reconnect leaves no written record to invalidate.
const TombstoneOffset = -1

// Record is one patch-stream record: replacement data at an absolute
// offset, or a tombstone when Offset == TombstoneOffset.
type Record struct {
	Offset int64
	Data   []byte
}

// IsTombstone reports whether this record should be ignored.
func (r Record) IsTombstone() bool { return r.Offset == TombstoneOffset }

// Writer appends records to a patch stream. The target size header must be
// written first via WriteHeader.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for sequential patch-stream writing.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteHeader writes the int64_le target size that precedes all records.
func (pw *Writer) WriteHeader(targetSize int64) error {
	return errors.Wrap(binary.Write(pw.w, binary.LittleEndian, targetSize), "patch: writing target size")
}

// WriteRecord appends one record: int64 offset, uint32 length, then the
// bytes. Passing a nil Data with offset TombstoneOffset writes a tombstone.
func (pw *Writer) WriteRecord(rec Record) error {
	if err := binary.Write(pw.w, binary.LittleEndian, rec.Offset); err != nil {
		return errors.Wrap(err, "patch: writing record offset")
	}
	if err := binary.Write(pw.w, binary.LittleEndian, uint32(len(rec.Data))); err != nil {
		return errors.Wrap(err, "patch: writing record length")
	}
	if len(rec.Data) > 0 {
		if _, err := pw.w.Write(rec.Data); err != nil {
			return errors.Wrap(err, "patch: writing record data")
		}
	}
	return nil
}

// Reader reads a patch stream sequentially (used by the reconstructor's
// lazy header reads, spec §4.D "Read patch headers lazily").
type Reader struct {
	r          io.Reader
	TargetSize int64
}

// NewReader reads the header and returns a Reader positioned at the first record.
func NewReader(r io.Reader) (*Reader, error) {
	pr := &Reader{r: r}
	if err := binary.Read(r, binary.LittleEndian, &pr.TargetSize); err != nil {
		return nil, errors.Wrap(err, "patch: reading target size")
	}
	return pr, nil
}

// NextRecord reads the next record, returning io.EOF when the stream ends.
func (pr *Reader) NextRecord() (Record, error) {
	var rec Record
	if err := binary.Read(pr.r, binary.LittleEndian, &rec.Offset); err != nil {
		return rec, err // may legitimately be io.EOF
	}
	var length uint32
	if err := binary.Read(pr.r, binary.LittleEndian, &length); err != nil {
		return rec, errors.Wrap(err, "patch: reading record length")
	}
	if length > 0 {
		rec.Data = make([]byte, length)
		if _, err := io.ReadFull(pr.r, rec.Data); err != nil {
			return rec, errors.Wrap(err, "patch: reading record data")
		}
	}
	return rec, nil
}

// ReadAll reads every record into memory, used by small-patch paths (tests,
// CLI patch-apply) where streaming isn't necessary.
func ReadAll(r io.Reader) (targetSize int64, records []Record, err error) {
	pr, err := NewReader(r)
	if err != nil {
		return 0, nil, err
	}
	for {
		rec, err := pr.NextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, nil, err
		}
		records = append(records, rec)
	}
	return pr.TargetSize, records, nil
}
