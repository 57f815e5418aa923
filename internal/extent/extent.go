// Package extent implements the sparse-extent trailer format (spec §6) and
// the Iter capability the chunk engine and patcher consult to skip
// requesting/emitting data known to be zero-filled.
//
// Two implementations exist, grounded on the original's split between
// ExtentIterator (reads a persisted trailer) and FsExtentIterator (derives
// extents live from a mounted filesystem) — SPEC_FULL §11 item 2.
package extent

import (
	"crypto/md5"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Extent is an (offset, length) span known to be entirely zero-filled.
type Extent struct {
	Offset int64
	Length int64
}

// Iter yields extents in ascending offset order and can be rewound.
type Iter interface {
	// Next returns the next extent, or ok=false at end of iteration.
	Next() (Extent, bool)
	// Reset rewinds to the first extent.
	Reset()
}

// Table is the in-memory form of the sparse-extent trailer: a list of
// extents plus the trailer's own integrity hash.
type Table struct {
	Extents []Extent
}

// WriteTrailer serializes the trailer per spec §6: int64_le count, then
// that many (int64 offset, int64 length) pairs, then a 16-byte MD5 of the
// preceding bytes.
func WriteTrailer(w io.Writer, t Table) error {
	var buf []byte
	buf = appendInt64(buf, int64(len(t.Extents)))
	for _, e := range t.Extents {
		buf = appendInt64(buf, e.Offset)
		buf = appendInt64(buf, e.Length)
	}
	sum := md5.Sum(buf)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "extent: writing trailer body")
	}
	if _, err := w.Write(sum[:]); err != nil {
		return errors.Wrap(err, "extent: writing trailer hash")
	}
	return nil
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

// ReadTrailer parses a trailer written by WriteTrailer, verifying its MD5
// and returning an error classified by the caller as Corruption on
// mismatch (spec §4.A "the trailer hash must match on receipt").
func ReadTrailer(r io.Reader) (Table, error) {
	var count int64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Table{}, errors.Wrap(err, "extent: reading count")
	}
	body := make([]byte, 8+count*16)
	binary.LittleEndian.PutUint64(body[:8], uint64(count))
	if _, err := io.ReadFull(r, body[8:]); err != nil {
		return Table{}, errors.Wrap(err, "extent: reading extents")
	}
	var wantSum [16]byte
	if _, err := io.ReadFull(r, wantSum[:]); err != nil {
		return Table{}, errors.Wrap(err, "extent: reading trailer hash")
	}
	gotSum := md5.Sum(body)
	if gotSum != wantSum {
		return Table{}, errors.New("extent: trailer hash mismatch")
	}
	t := Table{Extents: make([]Extent, count)}
	off := 8
	for i := int64(0); i < count; i++ {
		t.Extents[i].Offset = int64(binary.LittleEndian.Uint64(body[off : off+8]))
		t.Extents[i].Length = int64(binary.LittleEndian.Uint64(body[off+8 : off+16]))
		off += 16
	}
	return t, nil
}

// persistedIter walks a Table loaded from a trailer file (the original's
// ExtentIterator).
type persistedIter struct {
	extents []Extent
	pos     int
}

// NewPersistedIter builds an Iter over a trailer already parsed into a Table.
func NewPersistedIter(t Table) Iter {
	sorted := make([]Extent, len(t.Extents))
	copy(sorted, t.Extents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	return &persistedIter{extents: sorted}
}

func (p *persistedIter) Next() (Extent, bool) {
	if p.pos >= len(p.extents) {
		return Extent{}, false
	}
	e := p.extents[p.pos]
	p.pos++
	return e, true
}

func (p *persistedIter) Reset() { p.pos = 0 }

// SparseProber reports whether the filesystem-reported allocation of a
// region indicates it is a hole, so FsIter can derive extents live from a
// mounted base file instead of a persisted trailer. On platforms/backends
// without hole introspection (the common case for a plain io.ReaderAt),
// callers should use an AlwaysDense prober, which yields no extents.
type SparseProber interface {
	// IsHole reports whether [offset, offset+length) is entirely a hole.
	IsHole(offset, length int64) (bool, error)
}

// fsIter derives extents from a SparseProber by scanning block-aligned
// windows of a known total size (the original's FsExtentIterator, which
// consults the backing file directly rather than a precomputed trailer).
type fsIter struct {
	prober    SparseProber
	totalSize int64
	blockSize int64
	pos       int64
	cur       []Extent
	idx       int
}

// NewFsIter derives extents from a live SparseProber over [0, totalSize),
// scanning in blockSize-aligned windows.
func NewFsIter(prober SparseProber, totalSize, blockSize int64) (Iter, error) {
	f := &fsIter{prober: prober, totalSize: totalSize, blockSize: blockSize}
	if err := f.scan(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fsIter) scan() error {
	f.cur = nil
	var run *Extent
	for off := int64(0); off < f.totalSize; off += f.blockSize {
		length := f.blockSize
		if off+length > f.totalSize {
			length = f.totalSize - off
		}
		hole, err := f.prober.IsHole(off, length)
		if err != nil {
			return errors.Wrapf(err, "extent: probing offset %d", off)
		}
		if hole {
			if run != nil && run.Offset+run.Length == off {
				run.Length += length
			} else {
				f.cur = append(f.cur, Extent{Offset: off, Length: length})
				run = &f.cur[len(f.cur)-1]
			}
		} else {
			run = nil
		}
	}
	return nil
}

func (f *fsIter) Next() (Extent, bool) {
	if f.idx >= len(f.cur) {
		return Extent{}, false
	}
	e := f.cur[f.idx]
	f.idx++
	return e, true
}

func (f *fsIter) Reset() { f.idx = 0 }

// Covers reports whether [offset, offset+length) lies entirely inside one
// of the table's extents, used by the chunk engine's sparse fast path and
// the patcher's lookahead.
func Covers(it Iter, offset, length int64) bool {
	it.Reset()
	for {
		e, ok := it.Next()
		if !ok {
			return false
		}
		if e.Offset <= offset && offset+length <= e.Offset+e.Length {
			return true
		}
	}
}
