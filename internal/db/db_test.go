package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "index.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestClientRoundTrip(t *testing.T) {
	d := newTestDB(t)
	c := Client{ID: 7, Name: "workstation-7", BytesUsedFiles: 123}
	require.NoError(t, d.PutClient(c))

	got, err := d.GetClient(7)
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.Equal(t, c.BytesUsedFiles, got.BytesUsedFiles)

	_, err = d.GetClient(99)
	assert.Error(t, err)

	all, err := d.ListClients()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBackupsListOldestFirst(t *testing.T) {
	d := newTestDB(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, d.PutBackup(Backup{
			ID: i, ClientID: 1, Kind: KindFileIncr,
			StartTime: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	// Another client's backups must not leak into the scan.
	require.NoError(t, d.PutBackup(Backup{ID: 1, ClientID: 2, Kind: KindFileFull, StartTime: base}))

	got, err := d.ListBackupsForClient(1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, b := range got {
		assert.Equal(t, int64(i+1), b.ID)
	}

	require.NoError(t, d.DeleteBackup(1, 2))
	got, err = d.ListBackupsForClient(1)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFileEntriesByBackupAndContent(t *testing.T) {
	d := newTestDB(t)
	var sum [64]byte
	sum[0] = 0xAB

	entries := []FileEntry{
		{ClientID: 1, BackupID: 10, RelPath: "a/b.txt", SHA512: sum, Size: 100, ReferenceSize: 100},
		{ClientID: 2, BackupID: 20, RelPath: "c.txt", SHA512: sum, Size: 100},
		{ClientID: 1, BackupID: 10, RelPath: "other.bin", SHA512: [64]byte{0x01}, Size: 5},
	}
	for _, e := range entries {
		require.NoError(t, d.PutFileEntry(e))
	}

	forBackup, err := d.ListFilesForBackup(10)
	require.NoError(t, err)
	assert.Len(t, forBackup, 2)

	class, err := d.ListFilesByContent(sum, 100)
	require.NoError(t, err)
	assert.Len(t, class, 2)

	require.NoError(t, d.DeleteFileEntry(entries[1]))
	class, err = d.ListFilesByContent(sum, 100)
	require.NoError(t, err)
	assert.Len(t, class, 1)

	n, err := d.DeleteFilesForBackup(10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	class, err = d.ListFilesByContent(sum, 100)
	require.NoError(t, err)
	assert.Empty(t, class)
}

func TestContentEntryLifecycle(t *testing.T) {
	d := newTestDB(t)
	var sum [64]byte
	sum[5] = 0xCD
	e := ContentEntry{SHA512: sum, Size: 42, Path: "/content/x", RefCount: 1}
	require.NoError(t, d.PutContentEntry(e))

	got, ok, err := d.GetContentEntry(sum, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.Path, got.Path)

	// Same hash, different size is a different content class.
	_, ok, err = d.GetContentEntry(sum, 43)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.DeleteContentEntry(sum, 42))
	_, ok, err = d.GetContentEntry(sum, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagingDrain(t *testing.T) {
	d := newTestDB(t)
	rows := []StagingRow{
		{SHA512: [64]byte{1}, Size: 10, Path: "/c/1"},
		{SHA512: [64]byte{2}, Size: 20, Path: "/c/2"},
	}
	require.NoError(t, d.PutStagingRows(rows))

	got, err := d.TakeStagingRows()
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Drained: a second take is empty.
	got, err = d.TakeStagingRows()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCBTMetaOwnershipMoves(t *testing.T) {
	d := newTestDB(t)
	_, ok, err := d.GetCBTMeta(1, "C")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.PutCBTMeta(CBTMeta{ClientID: 1, Letter: "C", BackupID: 5, VolumeSize: 1 << 30, Path: "/img5.cbt"}))
	require.NoError(t, d.PutCBTMeta(CBTMeta{ClientID: 1, Letter: "C", BackupID: 6, VolumeSize: 1 << 30, Path: "/img6.cbt"}))

	m, ok, err := d.GetCBTMeta(1, "C")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(6), m.BackupID)
}

func TestDelStatsChronological(t *testing.T) {
	d := newTestDB(t)
	base := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.PutDelStat(DelStat{
			ClientID: 1, BackupID: int64(i), Kind: KindFileFull,
			DeletedAt: base.Add(time.Duration(i) * time.Minute),
			Reason:    "retention",
		}))
	}
	got, err := d.ListDelStats()
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, s := range got {
		assert.Equal(t, int64(i), s.BackupID)
	}
}
