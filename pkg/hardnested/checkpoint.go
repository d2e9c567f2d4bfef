package hardnested

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var nonceBucket = []byte("nonces")

// Checkpoint persists acquired nonces to a bbolt database so a long
// nonce-acquisition run survives a restart: one bucket, keyed by
// encrypted nonce value.
type Checkpoint struct {
	db *bbolt.DB
}

// OpenCheckpoint opens (creating if necessary) the checkpoint database at
// path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("hardnested: open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nonceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("hardnested: create checkpoint bucket: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Close closes the underlying database.
func (c *Checkpoint) Close() error { return c.db.Close() }

// Save persists one observed nonce, keyed by its encrypted value so
// re-running a crashed session doesn't duplicate work already recorded.
func (c *Checkpoint) Save(n Nonce) error {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, n.Enc)
	val := []byte{n.ParEnc}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(nonceBucket).Put(key, val)
	})
}

// Load returns every checkpointed nonce, for a restarted run to feed back
// into a fresh Collector and resume where acquisition left off.
func (c *Checkpoint) Load() ([]Nonce, error) {
	var out []Nonce
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nonceBucket)
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 4 || len(v) != 1 {
				return nil
			}
			out = append(out, Nonce{Enc: binary.BigEndian.Uint32(k), ParEnc: v[0]})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("hardnested: read checkpoint db: %w", err)
	}
	return out, nil
}
