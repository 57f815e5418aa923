package db

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// CBTMeta records which backup currently owns the change-block-tracking
// file for a client's volume letter (spec §3 "The CBT file is owned by
// the client's latest completed image backup and moves to the next when
// that one completes").
type CBTMeta struct {
	ClientID   int64
	Letter     string
	BackupID   int64
	VolumeSize int64
	Path       string
}

func cbtKey(clientID int64, letter string) []byte {
	return append(itoa64(clientID), []byte(":"+letter)...)
}

// PutCBTMeta upserts the CBT ownership row for (client, volume letter).
func (d *DB) PutCBTMeta(m CBTMeta) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	key := cbtKey(m.ClientID, m.Letter)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCBT)).Put(key, data)
	})
}

// GetCBTMeta fetches the current CBT owner for (client, volume letter). ok
// is false if no image backup has completed for that volume yet.
func (d *DB) GetCBTMeta(clientID int64, letter string) (m CBTMeta, ok bool, err error) {
	key := cbtKey(clientID, letter)
	err = d.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketCBT)).Get(key)
		if data == nil {
			return nil
		}
		ok = true
		return decode(data, &m)
	})
	return m, ok, err
}

// DelStat is one row logged per backup deletion, for UI/reporting
// purposes (spec §4.E step (v) "log a del_stats row").
type DelStat struct {
	ClientID   int64
	BackupID   int64
	Kind       BackupKind
	DeletedAt  time.Time
	FreedBytes int64
	Reason     string // "retention" or "urgent"
}

// PutDelStat appends a deletion-log row, keyed by deletion time so
// ListDelStats returns them in chronological order.
func (d *DB) PutDelStat(s DelStat) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	var key [8]byte
	nanos := uint64(s.DeletedAt.UnixNano())
	for i := 0; i < 8; i++ {
		key[i] = byte(nanos >> (56 - 8*i))
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDelStats)).Put(key[:], data)
	})
}

// ListDelStats returns every logged deletion in chronological order.
func (d *DB) ListDelStats() ([]DelStat, error) {
	var out []DelStat
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDelStats))
		return b.ForEach(func(k, v []byte) error {
			var s DelStat
			if err := decode(v, &s); err != nil {
				return err
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}
