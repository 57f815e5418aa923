package db

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Client is one registered backup client (fleet host).
type Client struct {
	ID              int64
	Name            string
	LastSeen        time.Time
	BytesUsedFiles  int64
	BytesUsedImages int64
}

// PutClient upserts a client row.
func (d *DB) PutClient(c Client) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketClients)).Put(itoa64(c.ID), data)
	})
}

// GetClient fetches one client by id.
func (d *DB) GetClient(id int64) (Client, error) {
	var c Client
	err := d.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketClients)).Get(itoa64(id))
		if data == nil {
			return errors.Errorf("db: client %d not found", id)
		}
		return decode(data, &c)
	})
	return c, err
}

// ListClients returns every registered client, used by the cleanup
// engine's per-client retention pass.
func (d *DB) ListClients() ([]Client, error) {
	var out []Client
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketClients))
		return b.ForEach(func(k, v []byte) error {
			var c Client
			if err := decode(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}
