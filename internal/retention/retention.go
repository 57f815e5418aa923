// Package retention implements the retention and cleanup engine
// (component E): enforcing per-client min/max backup counts, reclaiming
// space on demand when a writer hits ENOSPC, pruning orphaned in-flight
// backups, and keeping per-client usage counters current.
package retention

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/config"
	"github.com/urbackup-go/backupcore/internal/db"
	"github.com/urbackup-go/backupcore/internal/logging"
	"github.com/urbackup-go/backupcore/internal/store"
)

var log = logging.For("retention")

var errUnsupported = errors.New("retention: free-space query unsupported on this platform")

// orphanGrace is how old an incomplete backup must be before it is
// garbage-collected as an abandoned in-flight transfer (spec §4.E
// "complete=0 and older than 5 minutes").
const orphanGrace = 5 * time.Minute

// Engine runs retention passes over the backup index. All passes
// serialize on one coarse mutex so only one cleanup or stats recompute
// executes at a time; backup sessions never take this mutex except when
// they explicitly call UrgentCleanup.
type Engine struct {
	cfg   config.Config
	db    *db.DB
	store *store.Store

	aMu       sync.Mutex
	interrupt int32 // atomic; checked inside inner loops

	// now is swappable by tests driving the orphan-grace and window logic.
	now func() time.Time
}

// New builds an Engine over the shared index and content store.
func New(cfg config.Config, d *db.DB, s *store.Store) *Engine {
	return &Engine{cfg: cfg, db: d, store: s, now: time.Now}
}

// Interrupt requests that any in-progress pass abort within a few
// iterations (spec §5 "the cleanup engine checks an interrupt flag inside
// its inner loops").
func (e *Engine) Interrupt() {
	atomic.StoreInt32(&e.interrupt, 1)
}

func (e *Engine) interrupted() bool {
	return atomic.LoadInt32(&e.interrupt) != 0
}

// InWindow reports whether t falls inside the configured cleanup window.
func (e *Engine) InWindow(t time.Time) bool {
	h := t.Hour()
	start, end := e.cfg.CleanupWindowStartHour, e.cfg.CleanupWindowEndHour
	if start <= end {
		return h >= start && h < end
	}
	// Window wraps midnight, e.g. 23-4.
	return h >= start || h < end
}

// RunScheduled performs one scheduled retention pass: for every client,
// reap orphaned in-flight backups, then delete excess-over-max backups
// oldest-first, then rebuild usage counters. Callers are expected to
// invoke this from inside the cleanup window; the engine itself does not
// gate on InWindow so manual `cleanup` CLI runs work at any hour.
func (e *Engine) RunScheduled() error {
	e.aMu.Lock()
	defer e.aMu.Unlock()

	clients, err := e.db.ListClients()
	if err != nil {
		return err
	}
	for _, c := range clients {
		if e.interrupted() {
			return errors.New("retention: pass interrupted")
		}
		if err := e.reapOrphans(c); err != nil {
			log.WithError(err).WithField("client_id", c.ID).Warn("retention: orphan reap failed")
		}
		ret := e.cfg.RetentionFor(c.Name)
		if err := e.enforceMax(c, ret); err != nil {
			log.WithError(err).WithField("client_id", c.ID).Warn("retention: max enforcement failed")
		}
	}
	return e.recomputeStatsLocked(clients)
}

// UrgentCleanup is the space-driven pass invoked by writers on ENOSPC
// (spec §4.E "Urgent"): delete excess-over-min backups oldest-first until
// targetBytes have been freed (or the destination volume's free space
// clears the configured threshold) or nothing more may be deleted.
func (e *Engine) UrgentCleanup(targetBytes int64) error {
	e.aMu.Lock()
	defer e.aMu.Unlock()

	var freed int64
	enough := func() bool {
		if freed >= targetBytes {
			return true
		}
		avail, err := freeBytes(e.cfg.BackupFolder)
		if err != nil {
			return false
		}
		return avail >= e.cfg.MinFreeSpaceBytes+targetBytes
	}
	if enough() {
		return nil
	}

	clients, err := e.db.ListClients()
	if err != nil {
		return err
	}
	for _, c := range clients {
		ret := e.cfg.RetentionFor(c.Name)
		for {
			if e.interrupted() {
				return errors.New("retention: urgent cleanup interrupted")
			}
			if enough() {
				log.WithField("freed", humanize.IBytes(uint64(freed))).Info("retention: urgent cleanup satisfied")
				return nil
			}
			n, err := e.deleteOneExcess(c, minCounts(ret), "urgent")
			if err != nil {
				return err
			}
			if n == 0 {
				break // nothing more deletable for this client
			}
			freed += n
		}
	}
	if enough() {
		return nil
	}
	return errors.Errorf("retention: urgent cleanup freed only %s of requested %s",
		humanize.IBytes(uint64(freed)), humanize.IBytes(uint64(targetBytes)))
}

// counts is a retention bound per backup kind.
type counts map[db.BackupKind]int

func maxCounts(r config.Retention) counts {
	return counts{
		db.KindFileFull: r.MaxFileFull, db.KindFileIncr: r.MaxFileIncr,
		db.KindImageFull: r.MaxImageFull, db.KindImageIncr: r.MaxImageIncr,
	}
}

func minCounts(r config.Retention) counts {
	return counts{
		db.KindFileFull: r.MinFileFull, db.KindFileIncr: r.MinFileIncr,
		db.KindImageFull: r.MinImageFull, db.KindImageIncr: r.MinImageIncr,
	}
}

// enforceMax deletes backups past the per-kind max, oldest first, until
// the bounds hold or no candidate remains deletable.
func (e *Engine) enforceMax(c db.Client, ret config.Retention) error {
	for {
		if e.interrupted() {
			return errors.New("retention: pass interrupted")
		}
		n, err := e.deleteOneExcess(c, maxCounts(ret), "retention")
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// deleteOneExcess finds and deletes the single oldest backup whose kind is
// over its bound, honoring the ordering rules: a full with surviving
// dependent incrementals is skipped in favor of the next candidate, so
// incrementals always go before their parent. Returns the bytes freed, or
// 0 when nothing was deletable.
func (e *Engine) deleteOneExcess(c db.Client, bounds counts, reason string) (int64, error) {
	backups, err := e.db.ListBackupsForClient(c.ID)
	if err != nil {
		return 0, err
	}

	perKind := make(counts)
	dependents := make(map[int64]int)
	for _, b := range backups {
		if b.BeingDeleted {
			continue
		}
		perKind[b.Kind]++
		if b.ParentBackupID != 0 {
			dependents[b.ParentBackupID]++
		}
	}

	// backups arrive oldest-first (keys sort by ascending backup id).
	for _, b := range backups {
		if b.BeingDeleted {
			continue
		}
		if perKind[b.Kind] <= bounds[b.Kind] {
			continue
		}
		if isFull(b.Kind) && dependents[b.ID] > 0 {
			continue // rule (1): dependents first, try the next candidate
		}
		freed, err := e.deleteBackup(c, b, reason)
		if err != nil {
			return 0, err
		}
		return freed, nil
	}
	return 0, nil
}

func isFull(k db.BackupKind) bool {
	return k == db.KindFileFull || k == db.KindImageFull
}

func isImage(k db.BackupKind) bool {
	return k == db.KindImageFull || k == db.KindImageIncr
}

// reapOrphans garbage-collects in-flight backups that never completed and
// are past the grace period (spec §4.E rule (3)).
func (e *Engine) reapOrphans(c db.Client) error {
	backups, err := e.db.ListBackupsForClient(c.ID)
	if err != nil {
		return err
	}
	now := e.now()
	for _, b := range backups {
		if b.Complete || b.BeingDeleted {
			continue
		}
		if now.Sub(b.StartTime) < orphanGrace {
			continue
		}
		if _, err := e.deleteBackup(c, b, "orphan"); err != nil {
			log.WithError(err).WithField("backup_id", b.ID).Warn("retention: orphan delete failed")
		}
	}
	return nil
}

// deleteBackup runs the per-backup deletion sequence from spec §4.E:
// mark being_deleted, remove the on-disk artifacts, release every file
// entry, adjust the client's usage counters, drop the row, log del_stats.
func (e *Engine) deleteBackup(c db.Client, b db.Backup, reason string) (int64, error) {
	// Usage counters compound across deletions in one pass; work from the
	// current row, not the caller's snapshot.
	if fresh, err := e.db.GetClient(c.ID); err == nil {
		c = fresh
	}
	b.BeingDeleted = true
	if err := e.db.PutBackup(b); err != nil {
		return 0, err
	}

	var freed int64
	if isImage(b.Kind) {
		for _, p := range []string{b.RootPath, b.RootPath + ".hash", b.RootPath + ".mbr"} {
			if fi, err := os.Stat(p); err == nil {
				freed += fi.Size()
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return 0, errors.Wrapf(err, "retention: removing image artifact %q", p)
			}
		}
	} else if b.RootPath != "" {
		freed += treeSize(b.RootPath)
		if err := os.RemoveAll(b.RootPath); err != nil {
			return 0, errors.Wrapf(err, "retention: removing backup tree %q", b.RootPath)
		}
	}

	files, err := e.db.ListFilesForBackup(b.ID)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if err := e.store.Release(f.SHA512, f.Size, f.RelPath, f.BackupID); err != nil {
			log.WithError(err).WithField("path", f.RelPath).Warn("retention: releasing file entry failed")
		}
	}
	if _, err := e.db.DeleteFilesForBackup(b.ID); err != nil {
		return 0, err
	}

	if isImage(b.Kind) {
		c.BytesUsedImages -= b.SizeBytes
		if c.BytesUsedImages < 0 {
			c.BytesUsedImages = 0
		}
	} else {
		c.BytesUsedFiles -= b.SizeBytes
		if c.BytesUsedFiles < 0 {
			c.BytesUsedFiles = 0
		}
	}
	if err := e.db.PutClient(c); err != nil {
		return 0, err
	}
	if err := e.db.DeleteBackup(b.ClientID, b.ID); err != nil {
		return 0, err
	}
	stat := db.DelStat{
		ClientID: c.ID, BackupID: b.ID, Kind: b.Kind,
		DeletedAt: e.now(), FreedBytes: freed, Reason: reason,
	}
	if err := e.db.PutDelStat(stat); err != nil {
		return 0, err
	}
	log.WithField("client_id", c.ID).WithField("backup_id", b.ID).
		WithField("freed", humanize.IBytes(uint64(freed))).
		WithField("reason", reason).
		Info("retention: backup deleted")
	return freed, nil
}

func treeSize(root string) int64 {
	var n int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			n += info.Size()
		}
		return nil
	})
	return n
}
