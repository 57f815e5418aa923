package store

import (
	"crypto/sha512"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbackup-go/backupcore/internal/db"
)

func newTestStore(t *testing.T) (*Store, *db.DB, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(filepath.Join(dir, "index.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	s, err := New(Options{Root: filepath.Join(dir, "content"), DB: d})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, d, dir
}

func writeTemp(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func hashOf(data []byte) [64]byte {
	return sha512.Sum512(data)
}

func TestPutDeduplicatesByHardlink(t *testing.T) {
	s, d, dir := newTestStore(t)
	body := []byte("identical file body shared by two clients")
	sum := hashOf(body)
	size := int64(len(body))

	src1 := writeTemp(t, dir, "incoming1", body)
	target1 := filepath.Join(dir, "client1", "backup1", "doc.txt")
	require.NoError(t, s.Put(src1, sum, size, target1, 1, 10, "doc.txt"))
	require.NoError(t, s.Flush())

	src2 := writeTemp(t, dir, "incoming2", body)
	target2 := filepath.Join(dir, "client2", "backup2", "doc.txt")
	require.NoError(t, s.Put(src2, sum, size, target2, 2, 20, "doc.txt"))
	require.NoError(t, s.Flush())

	// Both targets exist with the same content, the incoming temp files
	// are gone, and one content file backs them.
	for _, p := range []string{target1, target2} {
		got, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, body, got)
	}
	_, err := os.Stat(src2)
	assert.True(t, os.IsNotExist(err))

	entry, ok, err := d.GetContentEntry(sum, size)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.RefCount)

	// Dedup invariant: the reference_size of the class sums to the size,
	// borne by exactly one row.
	rows, err := d.ListFilesByContent(sum, size)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	var refSum int64
	var bearers int
	for _, r := range rows {
		refSum += r.ReferenceSize
		if r.ReferenceSize > 0 {
			bearers++
		}
	}
	assert.Equal(t, size, refSum)
	assert.Equal(t, 1, bearers)

	// Same inode on both targets (hardlink dedup, not copies).
	fi1, err := os.Stat(target1)
	require.NoError(t, err)
	fi2, err := os.Stat(target2)
	require.NoError(t, err)
	assert.True(t, os.SameFile(fi1, fi2))
}

func TestReleaseMigratesReferenceSize(t *testing.T) {
	s, d, dir := newTestStore(t)
	body := []byte("release me")
	sum := hashOf(body)
	size := int64(len(body))

	require.NoError(t, s.Put(writeTemp(t, dir, "in1", body), sum, size, filepath.Join(dir, "t1"), 1, 10, "f"))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Put(writeTemp(t, dir, "in2", body), sum, size, filepath.Join(dir, "t2"), 1, 11, "f"))
	require.NoError(t, s.Flush())

	// Releasing the bearer moves reference_size to the survivor.
	require.NoError(t, s.Release(sum, size, "f", 10))
	rows, err := d.ListFilesByContent(sum, size)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(11), rows[0].BackupID)
	assert.Equal(t, size, rows[0].ReferenceSize)

	entry, ok, err := d.GetContentEntry(sum, size)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.RefCount)
	contentPath := entry.Path

	// Releasing the last reference removes the content file and the row.
	require.NoError(t, s.Release(sum, size, "f", 11))
	_, ok, err = d.GetContentEntry(sum, size)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(contentPath)
	assert.True(t, os.IsNotExist(err))
}

func TestPutRecoversFromVanishedContent(t *testing.T) {
	s, d, dir := newTestStore(t)
	body := []byte("here today gone tomorrow")
	sum := hashOf(body)
	size := int64(len(body))

	require.NoError(t, s.Put(writeTemp(t, dir, "in1", body), sum, size, filepath.Join(dir, "t1"), 1, 10, "f"))
	require.NoError(t, s.Flush())
	entry, ok, err := d.GetContentEntry(sum, size)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate the stale-row case: the content file disappears out from
	// under the index (t1 still holds a link, so remove both).
	require.NoError(t, os.Remove(entry.Path))
	require.NoError(t, os.Remove(filepath.Join(dir, "t1")))

	require.NoError(t, s.Put(writeTemp(t, dir, "in2", body), sum, size, filepath.Join(dir, "t2"), 2, 20, "f"))
	got, err := os.ReadFile(filepath.Join(dir, "t2"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestLinkRegistersZeroReferenceRow(t *testing.T) {
	s, d, dir := newTestStore(t)
	body := []byte("carried forward unchanged")
	sum := hashOf(body)
	size := int64(len(body))

	require.NoError(t, s.Put(writeTemp(t, dir, "in1", body), sum, size, filepath.Join(dir, "t1"), 1, 10, "f"))
	require.NoError(t, s.Flush())

	require.NoError(t, s.Link(sum, size, filepath.Join(dir, "t2"), 1, 11, "f"))
	require.NoError(t, s.Flush())

	rows, err := d.ListFilesByContent(sum, size)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r.BackupID == 11 {
			assert.Zero(t, r.ReferenceSize)
		}
	}
	got, err := os.ReadFile(filepath.Join(dir, "t2"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestCloneOrCopyMaterializesContent(t *testing.T) {
	// On filesystems without clone support the reflink attempt is
	// rejected and the byte-copy fallback must still produce an
	// identical, independent file.
	s, _, dir := newTestStore(t)
	body := []byte("clone me if you can")
	src := writeTemp(t, dir, "clone-src", body)
	dst := filepath.Join(dir, "clone-dst")

	require.NoError(t, s.cloneOrCopy(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// Not a hardlink: the clone/copy is its own inode.
	assert.False(t, s.alreadyLinked(src, dst))
}

func TestStagingFlushOnRowCount(t *testing.T) {
	s, d, dir := newTestStore(t)

	// One over the row-count trigger: the batch self-flushes without an
	// explicit Flush call.
	for i := 0; i <= stagingFlushRows; i++ {
		body := []byte{byte(i), byte(i >> 8), 0xEE}
		sum := hashOf(body)
		src := writeTemp(t, dir, "in", body)
		require.NoError(t, s.Put(src, sum, int64(len(body)), filepath.Join(dir, "targets", string(rune('a'+i%26))+string(rune('0'+i/26))), 1, 10, "p"))
	}
	// The first stagingFlushRows puts filled one batch, so the first
	// body's content entry is indexed although Flush was never called.
	body := []byte{0, 0, 0xEE}
	_, ok, err := d.GetContentEntry(hashOf(body), 3)
	require.NoError(t, err)
	assert.True(t, ok)
}
