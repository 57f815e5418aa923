// Package chunk implements the two-level rolling+strong-hash chunk
// protocol (component A): the sidecar format, the rolling/strong hashing
// primitives, and the pull engine that drives a minimal diff transfer over
// a TCP connection.
package chunk

import (
	"crypto/md5"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// ChunkSize is the fixed rolling-hash window (spec §3).
	ChunkSize = 4096
	// ChunksPerBlock is the checkpoint distance: 128 chunks per block.
	ChunksPerBlock = 128
	// BlockSize is the strong-hash granularity, 512 KiB.
	BlockSize = ChunkSize * ChunksPerBlock
	// BlockRecordSize is 16 bytes MD5 + 128*4 bytes Adler32 = 528 bytes.
	BlockRecordSize = 16 + ChunksPerBlock*4
	// MetadataOnlySize is the sentinel logical_size value for a
	// metadata-only sidecar entry (no data body).
	MetadataOnlySize = -1
)

// SparseExtentHash is the designated strong hash recorded for a block that
// is known to be entirely zero-filled (spec §3 "Sparse-extent table"). It
// is the real MD5 of a zero-filled block, so a sidecar verifier that
// recomputes hashes from actual content agrees with it for free.
var SparseExtentHash = md5.Sum(make([]byte, BlockSize))

// BlockRecord is one 528-byte sidecar record: a block's strong hash plus
// its 128 per-chunk rolling hashes.
type BlockRecord struct {
	Strong  [16]byte
	Rolling [ChunksPerBlock]uint32
}

// IsSparse reports whether this record is the designated sparse marker.
func (r BlockRecord) IsSparse() bool {
	return r.Strong == SparseExtentHash
}

// Encode writes the record as 528 bytes, little-endian. nChunks truncates
// the rolling-hash portion to the actual number of present chunks for a
// tail block (spec §3 "the tail block's record is truncated").
func (r BlockRecord) Encode(w io.Writer, nChunks int) error {
	if nChunks <= 0 || nChunks > ChunksPerBlock {
		nChunks = ChunksPerBlock
	}
	if _, err := w.Write(r.Strong[:]); err != nil {
		return err
	}
	for i := 0; i < nChunks; i++ {
		if err := binary.Write(w, binary.LittleEndian, r.Rolling[i]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBlockRecord reads a (possibly truncated) record of exactly
// recordLen bytes, recordLen having already been determined by the caller
// from the remaining sidecar length.
func DecodeBlockRecord(r io.Reader, recordLen int) (BlockRecord, error) {
	var rec BlockRecord
	if recordLen < 16 {
		return rec, errors.Errorf("sidecar: truncated record shorter than strong hash (%d bytes)", recordLen)
	}
	if _, err := io.ReadFull(r, rec.Strong[:]); err != nil {
		return rec, errors.Wrap(err, "sidecar: reading strong hash")
	}
	remaining := recordLen - 16
	nChunks := remaining / 4
	if nChunks > ChunksPerBlock {
		nChunks = ChunksPerBlock
	}
	for i := 0; i < nChunks; i++ {
		if err := binary.Read(r, binary.LittleEndian, &rec.Rolling[i]); err != nil {
			return rec, errors.Wrapf(err, "sidecar: reading rolling hash %d", i)
		}
	}
	return rec, nil
}

// Sidecar is the in-memory form of a file's hash-file companion: a logical
// size and one BlockRecord per 512 KiB block, the tail possibly covering
// fewer than 128 chunks.
type Sidecar struct {
	// LogicalSize is the file size this sidecar describes, or
	// MetadataOnlySize for a metadata-only entry.
	LogicalSize int64
	Blocks      []BlockRecord
}

// NumBlocks returns ceil(size/BlockSize), the invariant from spec §3.
func NumBlocks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + BlockSize - 1) / BlockSize)
}

// ChunksInBlock returns how many of the 128 chunk slots in block index
// blockIdx are actually present for a file of the given logical size.
func ChunksInBlock(size int64, blockIdx int) int {
	blockStart := int64(blockIdx) * BlockSize
	remaining := size - blockStart
	if remaining <= 0 {
		return 0
	}
	if remaining >= BlockSize {
		return ChunksPerBlock
	}
	return int((remaining + ChunkSize - 1) / ChunkSize)
}

// NewSidecar allocates a Sidecar with NumBlocks(size) zeroed records.
func NewSidecar(size int64) *Sidecar {
	return &Sidecar{LogicalSize: size, Blocks: make([]BlockRecord, NumBlocks(size))}
}

// WriteSidecar serializes the sidecar per spec §6: int64_le logical_size
// then one record per block, the tail block truncated to its present
// chunk count.
func WriteSidecar(w io.Writer, s *Sidecar) error {
	if err := binary.Write(w, binary.LittleEndian, s.LogicalSize); err != nil {
		return errors.Wrap(err, "sidecar: writing logical size")
	}
	if s.LogicalSize == MetadataOnlySize {
		return nil
	}
	for i, rec := range s.Blocks {
		n := ChunksPerBlock
		if s.LogicalSize >= 0 {
			n = ChunksInBlock(s.LogicalSize, i)
		}
		if err := rec.Encode(w, n); err != nil {
			return errors.Wrapf(err, "sidecar: writing block %d", i)
		}
	}
	return nil
}

// ReadSidecar parses a sidecar as written by WriteSidecar. For a
// metadata-only sidecar (LogicalSize == -1) Blocks is left nil.
func ReadSidecar(r io.Reader) (*Sidecar, error) {
	var size int64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, errors.Wrap(err, "sidecar: reading logical size")
	}
	s := &Sidecar{LogicalSize: size}
	if size == MetadataOnlySize {
		return s, nil
	}
	n := NumBlocks(size)
	s.Blocks = make([]BlockRecord, 0, n)
	for i := 0; i < n; i++ {
		want := ChunksInBlock(size, i)
		recLen := 16 + want*4
		rec, err := DecodeBlockRecord(r, recLen)
		if err != nil {
			if err == io.EOF && i == n-1 {
				break
			}
			return nil, errors.Wrapf(err, "sidecar: reading block %d", i)
		}
		s.Blocks = append(s.Blocks, rec)
	}
	return s, nil
}

// Clone deep-copies a Sidecar, used by vhd.Writer.Sidecar to hand out a
// snapshot that later block writes do not change.
func (s *Sidecar) Clone() *Sidecar {
	out := &Sidecar{LogicalSize: s.LogicalSize}
	out.Blocks = make([]BlockRecord, len(s.Blocks))
	copy(out.Blocks, s.Blocks)
	return out
}
