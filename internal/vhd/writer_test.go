package vhd

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbackup-go/backupcore/internal/chunk"
)

func writeAllBlocks(t *testing.T, w *Writer, blocks map[uint32][]byte) {
	t.Helper()
	for idx, data := range blocks {
		require.NoError(t, w.WriteBlock(idx, data))
	}
}

func TestWriterOutOfOrderBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.vhd")
	const size = 4 * BlockSize

	w, err := Create(path, size, Options{})
	require.NoError(t, err)

	blocks := map[uint32][]byte{
		3: bytes.Repeat([]byte{0xD3}, BlockSize),
		0: bytes.Repeat([]byte{0xD0}, BlockSize),
		2: bytes.Repeat([]byte{0xD2}, BlockSize),
	}
	writeAllBlocks(t, w, blocks)
	require.NoError(t, w.Close())

	r, closer, err := OpenReader(path)
	require.NoError(t, err)
	defer closer()
	buf := make([]byte, BlockSize)
	for idx, want := range blocks {
		_, err := r.ReadAt(buf, int64(idx)*BlockSize)
		require.NoError(t, err)
		assert.Equal(t, want, buf, "block %d", idx)
	}
	// The never-written block reads as zeros.
	_, err = r.ReadAt(buf, 1*BlockSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, BlockSize), buf)
}

func TestWriterSidecarConsistency(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "sc.vhd"), 2*BlockSize, Options{})
	require.NoError(t, err)

	b0 := bytes.Repeat([]byte{0x11}, BlockSize)
	writeAllBlocks(t, w, map[uint32][]byte{0: b0})
	require.NoError(t, w.Close())

	sc := w.Sidecar()
	require.Len(t, sc.Blocks, 2)
	assert.Equal(t, chunk.HashBlock(b0), sc.Blocks[0])
	assert.Equal(t, chunk.BlockRecord{}, sc.Blocks[1])

	// BAT/sidecar invariant: allocated blocks carry a non-zero strong
	// hash, unallocated ones carry none.
	assert.True(t, w.HasSector(0))
	assert.False(t, w.HasSector(1))
	assert.Equal(t, int64(BlockSize), w.UsedSize())
}

func TestWriterTrim(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "trim.vhd"), 4*BlockSize, Options{})
	require.NoError(t, err)

	writeAllBlocks(t, w, map[uint32][]byte{
		0: bytes.Repeat([]byte{0x22}, BlockSize),
		1: bytes.Repeat([]byte{0x33}, BlockSize),
	})
	// Writes are queued through the front writer; wait for them to land
	// before trimming.
	require.Eventually(t, func() bool { return w.HasSector(0) && w.HasSector(1) },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.EmptyVHDBlock(BlockSize, 2*BlockSize))
	assert.False(t, w.HasSector(1))
	assert.True(t, w.HasSector(0))
	assert.Equal(t, int64(BlockSize), w.TrimmedBytes())

	sc := w.Sidecar()
	assert.True(t, sc.Blocks[1].IsSparse())
	assert.False(t, sc.Blocks[0].IsSparse())
	assert.Equal(t, int64(BlockSize), w.UsedSize())
	require.NoError(t, w.Close())
}

func TestWriterFileBuffered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.vhd")
	w, err := Create(path, 2*BlockSize, Options{FileBuffered: true, SpoolDir: dir})
	require.NoError(t, err)

	b0 := bytes.Repeat([]byte{0x44}, BlockSize)
	b1 := bytes.Repeat([]byte{0x55}, BlockSize)
	writeAllBlocks(t, w, map[uint32][]byte{1: b1, 0: b0})
	require.NoError(t, w.Close())

	r, closer, err := OpenReader(path)
	require.NoError(t, err)
	defer closer()
	buf := make([]byte, BlockSize)
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, b0, buf)
	_, err = r.ReadAt(buf, BlockSize)
	require.NoError(t, err)
	assert.Equal(t, b1, buf)

	// Spool temp files are consumed and removed.
	spools, err := filepath.Glob(filepath.Join(dir, "vhd-spool-*"))
	require.NoError(t, err)
	assert.Empty(t, spools)
}

func TestWriterShortTailBlockZeroPadded(t *testing.T) {
	dir := t.TempDir()
	size := int64(BlockSize + 1000)
	w, err := Create(filepath.Join(dir, "tail.vhd"), size, Options{})
	require.NoError(t, err)

	tail := bytes.Repeat([]byte{0x66}, 1000)
	require.NoError(t, w.WriteBlock(1, tail))
	require.NoError(t, w.Close())

	sc := w.Sidecar()
	require.Len(t, sc.Blocks, 2)
	padded := make([]byte, BlockSize)
	copy(padded, tail)
	assert.Equal(t, chunk.HashBlock(padded).Strong, sc.Blocks[1].Strong)
}

func TestWriterRejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "small.vhd"), BlockSize, Options{})
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.WriteBlock(5, make([]byte, BlockSize)))
	assert.Error(t, w.WriteBlock(0, make([]byte, BlockSize+1)))
}

func TestWriterSurfacesFirstErrorSynchronously(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "err.vhd"), 2*BlockSize, Options{})
	require.NoError(t, err)
	defer w.Close()

	boom := assert.AnError
	w.fail(boom)

	err = w.WriteBlock(0, make([]byte, BlockSize))
	require.Error(t, err)
	hasErr, first := w.HasError()
	assert.True(t, hasErr)
	assert.Equal(t, first, err)
}

func TestWriterPausesUntilSpaceCallbackFrees(t *testing.T) {
	restore := freeBytes
	defer func() { freeBytes = restore }()

	var fakeFree int64 = 50
	var mu sync.Mutex
	freeBytes = func(string) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		return fakeFree, nil
	}

	dir := t.TempDir()
	calls := 0
	w, err := Create(filepath.Join(dir, "pause.vhd"), 2*BlockSize, Options{
		MinFreeBytes: 100,
		StallTimeout: 5 * time.Second,
		OnNoSpace: func() error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			fakeFree = 200 // "cleanup" reclaimed space
			return nil
		},
	})
	require.NoError(t, err)

	body := bytes.Repeat([]byte{0x77}, BlockSize)
	require.NoError(t, w.WriteBlock(0, body))
	require.Eventually(t, func() bool { return w.HasSector(0) }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "expected exactly one reclamation pass")
	hasErr, _ := w.HasError()
	assert.False(t, hasErr)
}

func TestWriterFailsAfterSpaceStallTimeout(t *testing.T) {
	restore := freeBytes
	defer func() { freeBytes = restore }()
	freeBytes = func(string) (int64, error) { return 50, nil }

	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "stall.vhd"), 2*BlockSize, Options{
		MinFreeBytes: 100,
		StallTimeout: 50 * time.Millisecond,
		OnNoSpace:    func() error { return assert.AnError }, // cleanup never helps
	})
	require.NoError(t, err)

	require.NoError(t, w.WriteBlock(0, make([]byte, BlockSize)))
	require.Eventually(t, func() bool { hasErr, _ := w.HasError(); return hasErr },
		10*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Close())

	// Once failed, submissions surface the stall error to the session.
	err = w.WriteBlock(1, make([]byte, BlockSize))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below")
}

func TestFooterHeaderSizes(t *testing.T) {
	f, err := EncodeFooter(BuildFooter(10 * BlockSize))
	require.NoError(t, err)
	assert.Len(t, f, footerSize)

	h, err := EncodeHeader(BuildHeader(10 * BlockSize))
	require.NoError(t, err)
	assert.Len(t, h, headerSize)
}

func TestMBRRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "mbr.vhd"), 2*BlockSize, Options{})
	require.NoError(t, err)
	defer w.Close()

	blob := bytes.Repeat([]byte{0xA5}, 512)
	sidecarPath := filepath.Join(dir, "mbr.vhd.mbr")
	require.NoError(t, w.WriteMBRHeader(sidecarPath, blob))

	got, err := ReadMBR(sidecarPath)
	require.NoError(t, err)
	assert.Equal(t, blob, got[:512])
	assert.Equal(t, make([]byte, 512), got[512:1024])

	tooBig := make([]byte, MBRSize+1)
	f, err := os.Create(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	defer f.Close()
	assert.Error(t, WriteMBR(f, 0, filepath.Join(dir, "scratch.mbr"), tooBig))
}

func TestCBTRoundTripAndDiff(t *testing.T) {
	prev := NewCBTFile(4 * BlockSize)
	require.Len(t, prev.Records, 4)
	prev.Records[0] = CBTRecordFor(0, [16]byte{1, 2, 3})
	prev.Records[1] = SparseCBTRecord(1)
	prev.Records[2] = CBTRecordFor(2, [16]byte{9})

	var buf bytes.Buffer
	require.NoError(t, WriteCBTFile(&buf, prev))
	// int64 count + 4 × 16-byte tuples.
	assert.Equal(t, 8+4*cbtRecordSize, buf.Len())

	got, err := ReadCBTFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, prev.Records, got.Records)

	cur := NewCBTFile(5 * BlockSize)
	copy(cur.Records, prev.Records)
	cur.Records[2] = CBTRecordFor(2, [16]byte{10}) // content changed
	cur.Records[3] = CBTRecordFor(7, [16]byte{9})  // relocated extent

	changed := ChangedBlocks(prev, cur)
	assert.Equal(t, []uint64{2, 3, 4}, changed)

	assert.True(t, prev.Records[1].IsSparse())
	assert.False(t, prev.Records[0].IsSparse())
	assert.True(t, CBTRecord{}.IsZero())
	assert.False(t, prev.Records[0].IsZero())
}
