// Package db is the embedded relational-ish store (spec §6 "Persisted
// state"): clients, backups, file index, CBT metadata, and del_stats, kept
// in a single bbolt file with one top-level bucket per kind.
//
// The bucket-per-kind layout and bolt.DB/bolt.Bucket/bolt.Tx usage are
// grounded on backend/cache/storage_persistent.go's Persistent wrapper;
// the gob-encoded record format and cursor-based prefix scan (used here
// for listing a client's backups and a backup's file entries) are
// grounded on backend/hasher/kv.go's hashRecord encode/decode and kvPurge.
package db

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/urbackup-go/backupcore/internal/logging"
)

var log = logging.For("db")

const (
	bucketClients  = "clients"
	bucketBackups  = "backups"
	bucketFiles    = "files"
	bucketCBT      = "cbt"
	bucketDelStats = "del_stats"
	bucketContent  = "content"
	bucketFilesTmp = "files_tmp"

	// bucketFilesByContent is the secondary index mapping a content key
	// (size + sha512) to every file-index row of that class, so
	// reference_size migration on release doesn't scan the whole index.
	bucketFilesByContent = "files_by_content"
)

// DB wraps a single bbolt file holding every bucket this module needs.
type DB struct {
	path string
	bolt *bolt.DB
}

// Open creates/opens the store at path, waiting up to waitTime for an
// exclusive lock (mirroring storage_persistent.go's DbWaitTime feature).
func Open(path string, waitTime time.Duration) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "db: creating directory for %q", path)
	}
	bdb, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: waitTime})
	if err != nil {
		return nil, errors.Wrapf(err, "db: opening %q", path)
	}
	d := &DB{path: path, bolt: bdb}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketClients, bucketBackups, bucketFiles, bucketCBT, bucketDelStats, bucketContent, bucketFilesTmp, bucketFilesByContent} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "db: creating bucket %q", name)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying bbolt file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "db: encoding record")
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(data)).Decode(v), "db: decoding record")
}

// itoa64 renders an int64 key as a fixed-width big-endian key so bbolt's
// byte-lexicographic bucket ordering matches numeric ordering (needed for
// the backups-by-client prefix scan below).
func itoa64(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func backupKey(clientID, backupID int64) []byte {
	key := append(itoa64(clientID), itoa64(backupID)...)
	return key
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && bytes.Equal(key[:len(prefix)], prefix)
}

// fileKey namespaces a file-index entry under its owning backup so a
// whole backup's files can be prefix-scanned and deleted in one pass, the
// way kvPurge walks a directory subtree.
func fileKey(backupID int64, relPath string) []byte {
	return append(itoa64(backupID), []byte("/"+strings.TrimPrefix(relPath, "/"))...)
}
