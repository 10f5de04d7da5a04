// Package bolt stores a replica's log and snapshots in a single bbolt
// database file.
package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/jrhy/crdtree"
	bolt "go.etcd.io/bbolt"
)

var bucket = []byte("crdtree")

// Persist implements the crdtree.Persist interface with one bbolt bucket.
type Persist struct {
	db *bolt.DB
}

// Open opens or creates the database at path. Only one process may have
// it open at a time.
func Open(path string) (*Persist, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt bucket: %w", err)
	}
	return &Persist{db}, nil
}

// Close closes the database.
func (p *Persist) Close() error {
	return p.db.Close()
}

// Load loads the bytes stored under name.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	var b []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%s: %w", name, crdtree.ErrNotFound)
		}
		// v is only valid during the transaction
		b = append([]byte(nil), v...)
		return nil
	})
	return b, err
}

// Store stores b under name, unless name is already present.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk.Get([]byte(name)) != nil {
			return nil
		}
		return bk.Put([]byte(name), b)
	})
}
