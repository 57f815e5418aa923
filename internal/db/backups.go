package db

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// BackupKind enumerates the four backup flavors (spec §3 "Backup entry").
type BackupKind string

const (
	KindFileFull  BackupKind = "file_full"
	KindFileIncr  BackupKind = "file_incr"
	KindImageFull BackupKind = "image_full"
	KindImageIncr BackupKind = "image_incr"
)

// Backup is one backup entry: a tuple (client_id, backup_id, kind,
// start_time, duration, root_path, size_bytes, complete?, done?,
// parent_backup_id?) per spec §3, plus being_deleted for the cleanup
// engine's deletion sequence (spec §4.E).
type Backup struct {
	ID              int64
	ClientID        int64
	Kind            BackupKind
	StartTime       time.Time
	Duration        time.Duration
	RootPath        string
	SizeBytes       int64
	Complete        bool
	Done            bool
	ParentBackupID  int64 // 0 means none
	BeingDeleted    bool
	BytesUsedImages int64 // not set by this module; an image backup's VHD UsedSize is stored in SizeBytes

	// TreeHash is the rollup digest of every sidecar in this backup
	// (chunk.TreeHash). It is recorded only; the scheduler does not
	// compare it with the previous full. Zero when never computed.
	TreeHash [16]byte
}

// PutBackup upserts a backup row, keyed so backups of one client sort
// contiguously for the prefix scan in ListBackupsForClient.
func (d *DB) PutBackup(b Backup) error {
	data, err := encode(b)
	if err != nil {
		return err
	}
	key := backupKey(b.ClientID, b.ID)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBackups)).Put(key, data)
	})
}

// GetBackup fetches one backup by (client, id).
func (d *DB) GetBackup(clientID, backupID int64) (Backup, error) {
	var b Backup
	key := backupKey(clientID, backupID)
	err := d.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketBackups)).Get(key)
		if data == nil {
			return errors.Errorf("db: backup %d/%d not found", clientID, backupID)
		}
		return decode(data, &b)
	})
	return b, err
}

// ListBackupsForClient returns every backup owned by clientID, oldest
// first, via a cursor prefix scan (kvPurge's walking pattern in
// backend/hasher/kv.go, adapted to iteration instead of deletion).
func (d *DB) ListBackupsForClient(clientID int64) ([]Backup, error) {
	prefix := itoa64(clientID)
	var out []Backup
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketBackups)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var b Backup
			if err := decode(v, &b); err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	return out, err
}

// DeleteBackup removes a backup row outright (step (v) of the deletion
// sequence, spec §4.E).
func (d *DB) DeleteBackup(clientID, backupID int64) error {
	key := backupKey(clientID, backupID)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBackups)).Delete(key)
	})
}
