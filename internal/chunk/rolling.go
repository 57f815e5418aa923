package chunk

import (
	"crypto/md5"
	"hash"
	"hash/adler32"
)

// RollingHash computes the spec's Adler-32 rolling hash: reset at every
// 4 KiB chunk boundary rather than rolled byte-by-byte, because the
// protocol only ever needs the hash of whole aligned chunks, not an
// arbitrary sliding window.
type RollingHash struct {
	h hash.Hash32
}

// NewRollingHash returns a fresh rolling hash, reset for a new chunk.
func NewRollingHash() *RollingHash {
	return &RollingHash{h: adler32.New()}
}

// Reset clears the hash for the next chunk boundary.
func (r *RollingHash) Reset() {
	r.h.Reset()
}

// Write feeds bytes into the current chunk's hash.
func (r *RollingHash) Write(p []byte) (int, error) {
	return r.h.Write(p)
}

// Sum32 returns the Adler-32 checksum of everything written since Reset.
func (r *RollingHash) Sum32() uint32 {
	return r.h.Sum32()
}

// ChunkAdler32 is a convenience one-shot for a single 4 KiB-or-shorter chunk.
func ChunkAdler32(chunk []byte) uint32 {
	return adler32.Checksum(chunk)
}

// StrongHash accumulates the MD5 of a whole block, live, so the protocol
// can keep it "alive" across UPDATE_CHUNK records that read intervening
// base bytes without having buffered the whole block (spec §4.A
// "reads intervening bytes into the running MD5").
type StrongHash struct {
	h hash.Hash
}

// NewStrongHash starts a fresh block-level MD5.
func NewStrongHash() *StrongHash {
	return &StrongHash{h: md5.New()}
}

func (s *StrongHash) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the 16-byte MD5 digest accumulated so far.
func (s *StrongHash) Sum() [16]byte {
	var out [16]byte
	copy(out[:], s.h.Sum(nil))
	return out
}

// HashBlock computes the strong hash and the ChunksPerBlock-capped rolling
// hashes of a full or short (tail) block in one pass, used both by
// sidecar-recompute verification and by whole-block ingestion.
func HashBlock(block []byte) BlockRecord {
	var rec BlockRecord
	strong := NewStrongHash()
	_, _ = strong.Write(block)
	rec.Strong = strong.Sum()
	for i := 0; i*ChunkSize < len(block) && i < ChunksPerBlock; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(block) {
			end = len(block)
		}
		rec.Rolling[i] = ChunkAdler32(block[start:end])
	}
	return rec
}
