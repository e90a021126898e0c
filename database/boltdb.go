package database

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names shared by the node components.
const (
	BucketBlocks    = "blocks"
	BucketMeta      = "meta"
	BucketKeys      = "keys"
	BucketPeerstore = "peerstore"
)

var defaultBuckets = []string{BucketBlocks, BucketMeta, BucketKeys, BucketPeerstore}

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

// BoltDB is the node's single on-disk file.
type BoltDB struct {
	DB *bolt.DB
}

// OpenDB opens (creating if needed) the database at path.
func OpenDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range defaultBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltDB{DB: db}, nil
}

func (db *BoltDB) Close() error {
	return db.DB.Close()
}

// Update runs fn in one read-write transaction; either every write in fn
// lands or none does.
func (db *BoltDB) Update(fn func(tx *bolt.Tx) error) error {
	return db.DB.Update(fn)
}

// View runs fn in a read-only transaction.
func (db *BoltDB) View(fn func(tx *bolt.Tx) error) error {
	return db.DB.View(fn)
}

func (db *BoltDB) Put(bucket, key string, value []byte) error {
	return db.DB.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (db *BoltDB) Get(bucket, key string) ([]byte, error) {
	var val []byte
	err := db.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		val = append([]byte{}, v...)
		return nil
	})
	return val, err
}

func (db *BoltDB) Delete(bucket, key string) error {
	return db.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Iterate visits every pair of bucket in key order. Returning an error from
// fn stops the walk.
func (db *BoltDB) Iterate(bucket string, fn func(k, v []byte) error) error {
	return db.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.ForEach(fn)
	})
}

// ClearBucket drops and recreates bucket inside tx.
func ClearBucket(tx *bolt.Tx, bucket string) error {
	err := tx.DeleteBucket([]byte(bucket))
	if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	_, err = tx.CreateBucket([]byte(bucket))
	return err
}
