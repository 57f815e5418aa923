// Package vhd implements the VHD writer and change-block-tracking store
// (component B): an append-structured dynamic VHD with sparse extents, a
// per-block strong-hash sidecar, and trim support.
//
// The on-disk footer/header layout is adapted from
// other_examples' direktiv-vorteil VHD dynamic-disk writer — the only
// from-scratch Go VHD codec in the retrieval pack, itself using nothing
// but encoding/binary, which is also all this package needs: there is no
// third-party VHD/virtual-disk library in the Go ecosystem worth
// depending on for a format this narrowly scoped.
package vhd

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// BlockSize is the VHD's BAT block granularity. It is deliberately equal
// to chunk.BlockSize (512 KiB) so BAT-allocated blocks line up 1:1 with
// sidecar block records (spec §3 invariant).
const BlockSize = 512 * 1024

const (
	cookieConectix  = uint64(0x636F6E6563746978) // "conectix"
	cookieCxsparse  = uint64(0x6378737061727365) // "cxsparse"
	vhdEpochOffset  = 946684800                  // seconds between Unix epoch and 2000-01-01
	footerSize      = 512
	headerSize      = 1024
	diskTypeDynamic = uint32(3)
)

// Footer mirrors the VHD fixed/dynamic hard disk footer (subset of fields
// this writer actually uses; reserved/cosmetic fields are zeroed).
type Footer struct {
	Cookie            uint64
	Features          uint32
	FileFormatVersion uint32
	DataOffset        uint64
	Timestamp         uint32
	CreatorApp        [4]byte
	CreatorVersion    uint32
	CreatorHostOS     uint32
	OriginalSize      uint64
	CurrentSize       uint64
	DiskGeometry      uint32
	DiskType          uint32
	Checksum          uint32
	UniqueID          [16]byte
	SavedState        byte
	_                 [427]byte // reserved, pads footer to 512 bytes
}

// Header mirrors the VHD dynamic disk header.
type Header struct {
	Cookie              uint64
	DataOffset          uint64
	TableOffset         uint64
	HeaderVersion       uint32
	MaxTableEntries     uint32
	BlockSize           uint32
	Checksum            uint32
	ParentUniqueID      [16]byte
	ParentTimestamp     uint32
	_                   uint32
	ParentUnicodeName   [512]byte
	ParentLocatorEntry  [192]byte
	_                   [256]byte // pad to 1024 bytes
}

func oneComplementChecksum(b []byte) uint32 {
	var sum uint32
	for _, x := range b {
		sum += uint32(x)
	}
	return ^sum
}

// BuildFooter returns a Footer for a dynamic disk of the given logical
// size (in bytes).
func BuildFooter(size int64) Footer {
	f := Footer{
		Cookie:            cookieConectix,
		Features:          2,
		FileFormatVersion: 0x00010000,
		DataOffset:        footerSize,
		Timestamp:         uint32(time.Now().Unix() - vhdEpochOffset),
		CreatorVersion:    0x00010000,
		OriginalSize:      uint64(size),
		CurrentSize:       uint64(size),
		DiskType:          diskTypeDynamic,
	}
	copy(f.CreatorApp[:], "bcor")
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, f)
	f.Checksum = oneComplementChecksum(buf.Bytes())
	return f
}

// BuildHeader returns a Header for a dynamic disk of the given logical
// size, using BlockSize as the BAT granularity.
func BuildHeader(size int64) Header {
	maxEntries := uint32((size + BlockSize - 1) / BlockSize)
	h := Header{
		Cookie:          cookieCxsparse,
		DataOffset:      ^uint64(0),
		TableOffset:     footerSize + headerSize,
		HeaderVersion:   0x00010000,
		MaxTableEntries: maxEntries,
		BlockSize:       BlockSize,
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, h)
	h.Checksum = oneComplementChecksum(buf.Bytes())
	return h
}

// EncodeFooter serializes f as the fixed 512-byte big-endian footer.
func EncodeFooter(f Footer) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, f); err != nil {
		return nil, errors.Wrap(err, "vhd: encoding footer")
	}
	return buf.Bytes(), nil
}

// EncodeHeader serializes h as the fixed 1024-byte big-endian header.
func EncodeHeader(h Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, errors.Wrap(err, "vhd: encoding header")
	}
	return buf.Bytes(), nil
}

// batOffset returns the byte offset of the BAT, immediately after the
// header.
func batOffset() int64 {
	return footerSize + headerSize
}

// batSize returns the BAT's on-disk size, sector-rounded.
func batSize(maxEntries uint32) int64 {
	raw := int64(maxEntries) * 4
	return ((raw + 511) / 512) * 512
}

// dataOffset returns the first byte after the BAT, where block 0 lives.
func dataOffset(maxEntries uint32) int64 {
	return batOffset() + batSize(maxEntries)
}

// blockOffset returns the fixed byte offset of BAT block i's data. Unlike
// the historical VHD compaction scheme, blocks are pre-assigned a fixed
// slot in creation order: the total block count is known upfront for an
// image backup, so there is nothing to compact, and a fixed mapping lets
// the underlying filesystem's own sparse-file support do the space-saving
// work instead of re-implementing BAT compaction.
func blockOffset(i uint32, maxEntries uint32) int64 {
	return dataOffset(maxEntries) + int64(i)*BlockSize
}
