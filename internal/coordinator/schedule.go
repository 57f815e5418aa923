package coordinator

import (
	"time"

	"github.com/urbackup-go/backupcore/internal/db"
)

// decide implements the schedule decision from spec §4.F: a full file
// backup when no successful full exists or the full interval has elapsed;
// otherwise an incremental when the incremental interval has elapsed
// since the last backup of that family; analogous for images with
// independent frequencies. Files are considered before images.
func (t *clientTask) decide() (db.BackupKind, bool) {
	backups, err := t.coord.core.DB.ListBackupsForClient(t.client.ID)
	if err != nil {
		t.log.WithError(err).Warn("coordinator: schedule decision failed to list backups")
		return "", false
	}
	now := time.Now()
	cfg := t.coord.core.Cfg

	if kind, due := decideFamily(backups, now,
		db.KindFileFull, db.KindFileIncr,
		cfg.UpdateFreqFullFile.D(), cfg.UpdateFreqIncrFile.D()); due {
		return kind, true
	}
	return decideFamily(backups, now,
		db.KindImageFull, db.KindImageIncr,
		cfg.UpdateFreqFullImage.D(), cfg.UpdateFreqIncrImage.D())
}

// decideFamily applies the full-then-incremental rule to one backup
// family (file or image).
func decideFamily(backups []db.Backup, now time.Time, fullKind, incrKind db.BackupKind, fullFreq, incrFreq time.Duration) (db.BackupKind, bool) {
	var lastFull, lastAny time.Time
	for _, b := range backups {
		if !b.Complete || b.BeingDeleted {
			continue
		}
		switch b.Kind {
		case fullKind:
			if b.StartTime.After(lastFull) {
				lastFull = b.StartTime
			}
			if b.StartTime.After(lastAny) {
				lastAny = b.StartTime
			}
		case incrKind:
			if b.StartTime.After(lastAny) {
				lastAny = b.StartTime
			}
		}
	}
	if fullFreq > 0 && (lastFull.IsZero() || now.Sub(lastFull) >= fullFreq) {
		return fullKind, true
	}
	if incrFreq > 0 && !lastFull.IsZero() && now.Sub(lastAny) >= incrFreq {
		return incrKind, true
	}
	return "", false
}
