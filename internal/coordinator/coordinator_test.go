package coordinator

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbackup-go/backupcore/internal/config"
	"github.com/urbackup-go/backupcore/internal/corecontext"
	"github.com/urbackup-go/backupcore/internal/db"
)

func newTestCore(t *testing.T) *corecontext.Core {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.BackupFolder = dir
	cfg.DBPath = filepath.Join(dir, "index.db")
	cfg.LogLevel = "error"
	core, err := corecontext.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })
	return core
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 10*time.Millisecond)
}

func TestManualCommandDrivesBackup(t *testing.T) {
	core := newTestCore(t)
	var runs int32
	runner := RunnerFunc(func(ctx context.Context, rc RunContext) error {
		atomic.AddInt32(&runs, 1)
		rc.Backup.SizeBytes = 123
		return nil
	})
	coord := New(core, runner)
	defer coord.Shutdown()

	require.NoError(t, coord.AddClient(db.Client{ID: 1, Name: "host1"}))
	require.NoError(t, coord.Command(1, "START BACKUP FULL"))

	waitFor(t, func() bool { return atomic.LoadInt32(&runs) == 1 })
	waitFor(t, func() bool {
		backups, err := core.DB.ListBackupsForClient(1)
		return err == nil && len(backups) == 1 && backups[0].Complete
	})

	backups, err := core.DB.ListBackupsForClient(1)
	require.NoError(t, err)
	assert.Equal(t, db.KindFileFull, backups[0].Kind)
	assert.True(t, backups[0].Done)

	client, err := core.DB.GetClient(1)
	require.NoError(t, err)
	assert.Equal(t, int64(123), client.BytesUsedFiles)
}

func TestFailedBackupStaysIncomplete(t *testing.T) {
	core := newTestCore(t)
	runner := RunnerFunc(func(ctx context.Context, rc RunContext) error {
		return context.DeadlineExceeded
	})
	coord := New(core, runner)
	defer coord.Shutdown()

	require.NoError(t, coord.AddClient(db.Client{ID: 1, Name: "host1"}))
	require.NoError(t, coord.Command(1, "START BACKUP INCR"))

	waitFor(t, func() bool {
		backups, err := core.DB.ListBackupsForClient(1)
		return err == nil && len(backups) == 1
	})
	backups, err := core.DB.ListBackupsForClient(1)
	require.NoError(t, err)
	assert.False(t, backups[0].Complete, "a failed backup must never become complete")
}

func TestAdmissionCapBoundsConcurrency(t *testing.T) {
	core := newTestCore(t)
	core.Cfg.MaxSimBackups = 1

	var active, peak int32
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, rc RunContext) error {
		cur := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return nil
	})
	coord := New(core, runner)
	defer coord.Shutdown()

	require.NoError(t, coord.AddClient(db.Client{ID: 1, Name: "host1"}))
	require.NoError(t, coord.AddClient(db.Client{ID: 2, Name: "host2"}))
	require.NoError(t, coord.Command(1, "START BACKUP FULL"))
	require.NoError(t, coord.Command(2, "START BACKUP FULL"))

	waitFor(t, func() bool { return atomic.LoadInt32(&active) == 1 })
	time.Sleep(100 * time.Millisecond) // give the second task a chance to (wrongly) start
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))

	close(release)
	waitFor(t, func() bool { return atomic.LoadInt32(&active) == 0 })
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestIncrementalChainsToLatestFull(t *testing.T) {
	core := newTestCore(t)
	runner := RunnerFunc(func(ctx context.Context, rc RunContext) error { return nil })
	coord := New(core, runner)
	defer coord.Shutdown()

	require.NoError(t, coord.AddClient(db.Client{ID: 1, Name: "host1"}))
	require.NoError(t, coord.Command(1, "START BACKUP FULL"))
	waitFor(t, func() bool {
		backups, _ := core.DB.ListBackupsForClient(1)
		return len(backups) == 1 && backups[0].Complete
	})
	require.NoError(t, coord.Command(1, "START BACKUP INCR"))
	waitFor(t, func() bool {
		backups, _ := core.DB.ListBackupsForClient(1)
		return len(backups) == 2 && backups[1].Complete
	})

	backups, err := core.DB.ListBackupsForClient(1)
	require.NoError(t, err)
	assert.Equal(t, backups[0].ID, backups[1].ParentBackupID)
}

func TestDecideFamily(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fullFreq := 30 * 24 * time.Hour
	incrFreq := 5 * time.Hour

	// No backups at all: a full is due.
	kind, due := decideFamily(nil, now, db.KindFileFull, db.KindFileIncr, fullFreq, incrFreq)
	require.True(t, due)
	assert.Equal(t, db.KindFileFull, kind)

	// Fresh full, recent incremental: nothing due.
	backups := []db.Backup{
		{ID: 1, Kind: db.KindFileFull, Complete: true, StartTime: now.Add(-24 * time.Hour)},
		{ID: 2, Kind: db.KindFileIncr, Complete: true, StartTime: now.Add(-time.Hour)},
	}
	_, due = decideFamily(backups, now, db.KindFileFull, db.KindFileIncr, fullFreq, incrFreq)
	assert.False(t, due)

	// Stale incremental: an incremental is due.
	backups[1].StartTime = now.Add(-6 * time.Hour)
	kind, due = decideFamily(backups, now, db.KindFileFull, db.KindFileIncr, fullFreq, incrFreq)
	require.True(t, due)
	assert.Equal(t, db.KindFileIncr, kind)

	// Full past its interval: the full wins over the incremental.
	backups[0].StartTime = now.Add(-31 * 24 * time.Hour)
	kind, due = decideFamily(backups, now, db.KindFileFull, db.KindFileIncr, fullFreq, incrFreq)
	require.True(t, due)
	assert.Equal(t, db.KindFileFull, kind)

	// Incomplete backups don't count as history.
	incomplete := []db.Backup{{ID: 1, Kind: db.KindFileFull, Complete: false, StartTime: now.Add(-time.Hour)}}
	kind, due = decideFamily(incomplete, now, db.KindFileFull, db.KindFileIncr, fullFreq, incrFreq)
	require.True(t, due)
	assert.Equal(t, db.KindFileFull, kind)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "FULL_IMAGE", StateFullImage.String())
	assert.Equal(t, "WAITING_SCHEDULE", StateWaitingSchedule.String())
	assert.Equal(t, StateIncrFile, stateForKind(db.KindFileIncr))
	assert.Equal(t, StateFullImage, stateForKind(db.KindImageFull))
}
