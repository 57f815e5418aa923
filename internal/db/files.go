package db

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileEntry is one row of the file index: a path inside a backup tree
// mapped to the content-addressed key (sha512, size) that owns its bytes
// (spec §3 "File entry ... shared by all backups linking to it").
// ReferenceSize equals Size on the row that "holds" the content's bytes
// and 0 on every other row of the same (sha512, size) class; the sum of
// ReferenceSize per client is that client's physical usage attribution.
type FileEntry struct {
	ClientID      int64
	BackupID      int64
	RelPath       string
	SHA512        [64]byte
	Size          int64
	CreatedAt     time.Time
	ReferenceSize int64
}

// PutFileEntry upserts one file-index row, namespaced under its backup so
// the whole tree can be prefix-scanned or bulk-deleted, and mirrored into
// a by-content secondary index so every member of a (sha512, size) class
// can be found when reference_size needs to migrate on release.
func (d *DB) PutFileEntry(e FileEntry) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	key := fileKey(e.BackupID, e.RelPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketFiles)).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketFilesByContent)).Put(contentIdxKey(e.SHA512, e.Size, key), key)
	})
}

// DeleteFileEntry removes one file-index row and its secondary-index
// mirror.
func (d *DB) DeleteFileEntry(e FileEntry) error {
	key := fileKey(e.BackupID, e.RelPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketFiles)).Delete(key); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketFilesByContent)).Delete(contentIdxKey(e.SHA512, e.Size, key))
	})
}

// contentIdxKey prefixes the primary file key with the content key so all
// members of one (sha512, size) class sort contiguously.
func contentIdxKey(sha512 [64]byte, size int64, fileK []byte) []byte {
	k := contentKey(sha512, size)
	return append(k, fileK...)
}

// ListFilesByContent returns every file-index row belonging to the
// (sha512, size) content class, in key order.
func (d *DB) ListFilesByContent(sha512 [64]byte, size int64) ([]FileEntry, error) {
	prefix := contentKey(sha512, size)
	var out []FileEntry
	err := d.bolt.View(func(tx *bolt.Tx) error {
		files := tx.Bucket([]byte(bucketFiles))
		c := tx.Bucket([]byte(bucketFilesByContent)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := files.Get(v)
			if data == nil {
				continue // stale index mirror; primary row already gone
			}
			var e FileEntry
			if err := decode(data, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// ListFilesForBackup returns every file-index row owned by backupID.
func (d *DB) ListFilesForBackup(backupID int64) ([]FileEntry, error) {
	prefix := itoa64(backupID)
	var out []FileEntry
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketFiles)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e FileEntry
			if err := decode(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// DeleteFilesForBackup removes every file-index row owned by backupID
// (and its secondary-index mirrors) in one pass, mirroring kvPurge's
// collect-then-delete two-phase walk (bbolt cursors don't support
// deleting while iterating forward).
func (d *DB) DeleteFilesForBackup(backupID int64) (int, error) {
	prefix := itoa64(backupID)
	type victim struct {
		key    []byte
		idxKey []byte
	}
	var victims []victim
	err := d.bolt.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket([]byte(bucketFiles))
		c := files.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e FileEntry
			if err := decode(v, &e); err != nil {
				return err
			}
			kk := make([]byte, len(k))
			copy(kk, k)
			victims = append(victims, victim{key: kk, idxKey: contentIdxKey(e.SHA512, e.Size, kk)})
		}
		idx := tx.Bucket([]byte(bucketFilesByContent))
		for _, v := range victims {
			if err := files.Delete(v.key); err != nil {
				return err
			}
			if err := idx.Delete(v.idxKey); err != nil {
				return err
			}
		}
		return nil
	})
	return len(victims), err
}
