package db

import (
	"encoding/hex"

	bolt "go.etcd.io/bbolt"
)

// ContentEntry is the accounting row for one deduplicated content-store
// file, addressed by (sha512, size) (spec §3 "File entry"; §4.C).
type ContentEntry struct {
	SHA512   [64]byte
	Size     int64
	Path     string
	RefCount int64
}

func contentKey(sha512 [64]byte, size int64) []byte {
	key := append(itoa64(size), sha512[:]...)
	return key
}

// PutContentEntry upserts one content-store accounting row.
func (d *DB) PutContentEntry(e ContentEntry) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	key := contentKey(e.SHA512, e.Size)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketContent)).Put(key, data)
	})
}

// GetContentEntry looks up the accounting row for (sha512, size).
func (d *DB) GetContentEntry(sha512 [64]byte, size int64) (e ContentEntry, ok bool, err error) {
	key := contentKey(sha512, size)
	err = d.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketContent)).Get(key)
		if data == nil {
			return nil
		}
		ok = true
		return decode(data, &e)
	})
	return e, ok, err
}

// DeleteContentEntry removes the accounting row for (sha512, size), used
// once RefCount reaches zero and the underlying file has been unlinked.
func (d *DB) DeleteContentEntry(sha512 [64]byte, size int64) error {
	key := contentKey(sha512, size)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketContent)).Delete(key)
	})
}

// StagingRow is one pending files_tmp insert, batched before being
// committed into the content bucket (spec §4.C "files_tmp staging table").
type StagingRow struct {
	SHA512 [64]byte
	Size   int64
	Path   string
}

func stagingKey(r StagingRow) []byte {
	return []byte(hex.EncodeToString(r.SHA512[:]) + ":" + string(itoa64(r.Size)))
}

// PutStagingRows commits a batch of staging rows into files_tmp in one
// transaction (the flush trigger — row count or time elapsed — lives in
// internal/store, which owns the in-memory batch).
func (d *DB) PutStagingRows(rows []StagingRow) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFilesTmp))
		for _, r := range rows {
			data, err := encode(r)
			if err != nil {
				return err
			}
			if err := b.Put(stagingKey(r), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteStagingRows removes rows from files_tmp once they have been
// applied to the content bucket, completing a staging flush.
func (d *DB) DeleteStagingRows(rows []StagingRow) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFilesTmp))
		for _, r := range rows {
			if err := b.Delete(stagingKey(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

// TakeStagingRows drains every pending files_tmp row, used at startup to
// resume a batch interrupted mid-flush.
func (d *DB) TakeStagingRows() ([]StagingRow, error) {
	var out []StagingRow
	err := d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFilesTmp))
		c := b.Cursor()
		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r StagingRow
			if err := decode(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			kk := make([]byte, len(k))
			copy(kk, k)
			keys = append(keys, kk)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
