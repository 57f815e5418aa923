package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/urbackup-go/backupcore/internal/db"
	"github.com/urbackup-go/backupcore/internal/errs"
	"github.com/urbackup-go/backupcore/internal/logging"
)

// State is the client task's position in the spec §4.F machine.
type State int

const (
	StateIdle State = iota
	StateAuth
	StateWaitingSchedule
	StateFullFile
	StateIncrFile
	StateFullImage
	StateIncrImage
	StatePost
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuth:
		return "AUTH"
	case StateWaitingSchedule:
		return "WAITING_SCHEDULE"
	case StateFullFile:
		return "FULL_FILE"
	case StateIncrFile:
		return "INCR_FILE"
	case StateFullImage:
		return "FULL_IMAGE"
	case StateIncrImage:
		return "INCR_IMAGE"
	case StatePost:
		return "POST"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func stateForKind(kind db.BackupKind) State {
	switch kind {
	case db.KindFileFull:
		return StateFullFile
	case db.KindFileIncr:
		return StateIncrFile
	case db.KindImageFull:
		return StateFullImage
	default:
		return StateIncrImage
	}
}

// idleWakeup bounds how long an idle task sleeps before re-evaluating the
// schedule; commands preempt it immediately.
const idleWakeup = time.Minute

// clientTask is the per-client goroutine. It communicates with its ping
// helper via a message channel and a stop flag, never a back-pointer
// (spec §9 "Cyclic references ... Resolve with a cancellation token ...
// and a message channel from helper → parent").
type clientTask struct {
	coord    *Coordinator
	client   db.Client
	commands chan string
	address  string
	log      *logrus.Entry

	nextBackupID int64
}

func newClientTask(c *Coordinator, client db.Client) *clientTask {
	return &clientTask{
		coord:    c,
		client:   client,
		commands: make(chan string, 8),
		log:      logging.WithClient(log, client.ID),
	}
}

func (t *clientTask) run(ctx context.Context) {
	retry := &backoff.Backoff{Min: 10 * time.Second, Max: 10 * time.Minute, Factor: 2, Jitter: true}
	for {
		cmd, ok := t.waitIdle(ctx)
		if !ok {
			return
		}
		kind, manual := t.interpret(cmd)
		if cmd == "exit" {
			t.log.Info("coordinator: client task exiting on command")
			return
		}
		if !manual {
			decided, due := t.decide()
			if !due {
				continue
			}
			kind = decided
		}

		if err := t.runBackup(ctx, kind); err != nil {
			if errs.Is(err, errs.KindCancelled) || ctx.Err() != nil {
				return
			}
			t.log.WithError(err).WithField("kind", kind).Warn("coordinator: backup failed, backing off")
			// FAILED → backoff → IDLE.
			select {
			case <-time.After(retry.Duration()):
			case <-ctx.Done():
				return
			}
			continue
		}
		retry.Reset()
	}
}

// waitIdle is the IDLE state: block until a command arrives or the
// scheduled wakeup elapses. Returns ok=false on shutdown.
func (t *clientTask) waitIdle(ctx context.Context) (cmd string, ok bool) {
	timer := time.NewTimer(idleWakeup)
	defer timer.Stop()
	select {
	case cmd := <-t.commands:
		if strings.HasPrefix(cmd, "address ") {
			t.address = strings.TrimPrefix(cmd, "address ")
			return "", true // address update; fall through to schedule check
		}
		return cmd, true
	case <-timer.C:
		return "", true
	case <-ctx.Done():
		return "", false
	}
}

// interpret maps a command-pipe string to a backup kind; manual commands
// override the schedule decision (spec §4.F "Manual commands override").
func (t *clientTask) interpret(cmd string) (db.BackupKind, bool) {
	switch cmd {
	case "START BACKUP INCR":
		return db.KindFileIncr, true
	case "START BACKUP FULL":
		return db.KindFileFull, true
	case "START IMAGE INCR":
		return db.KindImageIncr, true
	case "START IMAGE FULL":
		return db.KindImageFull, true
	default:
		return "", false
	}
}

// runBackup is AUTH → <kind> → POST for one backup: admission, row
// creation, the transfer itself (with a ping helper streaming progress),
// then finalization. A failure leaves the row complete=0 for the cleaner.
func (t *clientTask) runBackup(ctx context.Context, kind db.BackupKind) error {
	release, err := t.coord.acquireAdmission(ctx)
	if err != nil {
		return errs.New(errs.KindCancelled, err, "coordinator: admission wait")
	}
	defer release()

	sessionID := uuid.New().String()
	slog := logging.WithSession(t.log, sessionID)
	slog.WithField("kind", kind).Info("coordinator: starting backup")

	if t.nextBackupID == 0 {
		// Resume id allocation past whatever the index already holds.
		if backups, err := t.coord.core.DB.ListBackupsForClient(t.client.ID); err == nil {
			for _, prev := range backups {
				if prev.ID > t.nextBackupID {
					t.nextBackupID = prev.ID
				}
			}
		}
	}
	t.nextBackupID++
	b := db.Backup{
		ID:        t.nextBackupID,
		ClientID:  t.client.ID,
		Kind:      kind,
		StartTime: time.Now(),
	}
	if parent := t.latestCompleteFull(kind); parent != nil {
		b.ParentBackupID = parent.ID
	}
	if err := t.coord.core.DB.PutBackup(b); err != nil {
		return err
	}

	p := startPinger(t.coord.Progress, t.client.ID, sessionID, stateForKind(kind))
	defer p.stop()

	err = t.coord.runner.Run(ctx, RunContext{
		Core:     t.coord.core,
		Client:   t.client,
		Backup:   &b,
		Address:  t.address,
		Progress: p.report,
	})
	if err != nil {
		// The row stays complete=0; retention reaps it after the grace
		// period (spec §7 "A failed backup never becomes complete").
		return err
	}

	// POST: finalize and index.
	b.Duration = time.Since(b.StartTime)
	b.Complete = true
	b.Done = true
	if err := t.coord.core.DB.PutBackup(b); err != nil {
		return err
	}
	t.accountUsage(b)
	slog.WithField("kind", kind).WithField("size", b.SizeBytes).Info("coordinator: backup complete")
	return nil
}

func (t *clientTask) accountUsage(b db.Backup) {
	client, err := t.coord.core.DB.GetClient(t.client.ID)
	if err != nil {
		return
	}
	if b.Kind == db.KindImageFull || b.Kind == db.KindImageIncr {
		client.BytesUsedImages += b.SizeBytes
	} else {
		client.BytesUsedFiles += b.SizeBytes
	}
	if err := t.coord.core.DB.PutClient(client); err != nil {
		t.log.WithError(err).Warn("coordinator: usage update failed")
	}
	t.client = client
}

// latestCompleteFull returns the newest complete full backup that an
// incremental of the given kind would chain to, or nil.
func (t *clientTask) latestCompleteFull(kind db.BackupKind) *db.Backup {
	var wantFull db.BackupKind
	switch kind {
	case db.KindFileIncr:
		wantFull = db.KindFileFull
	case db.KindImageIncr:
		wantFull = db.KindImageFull
	default:
		return nil
	}
	backups, err := t.coord.core.DB.ListBackupsForClient(t.client.ID)
	if err != nil {
		return nil
	}
	var latest *db.Backup
	for i := range backups {
		b := backups[i]
		if b.Kind == wantFull && b.Complete && !b.BeingDeleted {
			latest = &backups[i]
		}
	}
	return latest
}
