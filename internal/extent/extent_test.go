package extent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailerRoundTrip(t *testing.T) {
	table := Table{Extents: []Extent{
		{Offset: 0, Length: 512 * 1024},
		{Offset: 10 << 20, Length: 5 << 20},
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteTrailer(&buf, table))

	// int64 count + 2×16 bytes + 16-byte MD5.
	assert.Equal(t, 8+2*16+16, buf.Len())

	got, err := ReadTrailer(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, table.Extents, got.Extents)
}

func TestTrailerHashMismatch(t *testing.T) {
	table := Table{Extents: []Extent{{Offset: 0, Length: 4096}}}
	var buf bytes.Buffer
	require.NoError(t, WriteTrailer(&buf, table))
	raw := buf.Bytes()
	raw[10] ^= 0xFF // corrupt an extent byte

	_, err := ReadTrailer(bytes.NewReader(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestEmptyTrailer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTrailer(&buf, Table{}))
	got, err := ReadTrailer(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Empty(t, got.Extents)
}

func TestPersistedIterSortsAndResets(t *testing.T) {
	it := NewPersistedIter(Table{Extents: []Extent{
		{Offset: 8192, Length: 100},
		{Offset: 0, Length: 100},
	}})
	first, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, int64(0), first.Offset)
	_, ok = it.Next()
	require.True(t, ok)
	_, ok = it.Next()
	assert.False(t, ok)

	it.Reset()
	first, ok = it.Next()
	require.True(t, ok)
	assert.Equal(t, int64(0), first.Offset)
}

func TestCovers(t *testing.T) {
	it := NewPersistedIter(Table{Extents: []Extent{{Offset: 4096, Length: 8192}}})
	assert.True(t, Covers(it, 4096, 8192))
	assert.True(t, Covers(it, 5000, 1000))
	assert.False(t, Covers(it, 0, 4096))
	assert.False(t, Covers(it, 4096, 8193))
}

// mapProber reports holes from a fixed set of block indices.
type mapProber struct {
	holes     map[int64]bool
	blockSize int64
}

func (m *mapProber) IsHole(offset, length int64) (bool, error) {
	for b := offset / m.blockSize; b <= (offset+length-1)/m.blockSize; b++ {
		if !m.holes[b] {
			return false, nil
		}
	}
	return true, nil
}

func TestFsIterCoalescesRuns(t *testing.T) {
	const block = 4096
	prober := &mapProber{blockSize: block, holes: map[int64]bool{1: true, 2: true, 4: true}}
	it, err := NewFsIter(prober, 6*block, block)
	require.NoError(t, err)

	var got []Extent
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, e)
	}
	assert.Equal(t, []Extent{
		{Offset: 1 * block, Length: 2 * block},
		{Offset: 4 * block, Length: 1 * block},
	}, got)
}
