package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"shadowledger/blockchain"
	"shadowledger/database"
)

var heightKey = []byte("height")

func blockKey(i uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, i)
	return k
}

// writer stages chain writes inside one bolt transaction.
type writer struct {
	blocks *bolt.Bucket
	meta   *bolt.Bucket
}

func (w *writer) putBlocks(bs []*blockchain.Block, height uint64) error {
	for _, b := range bs {
		data, err := json.Marshal(b)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := w.blocks.Put(blockKey(b.Index), data); err != nil {
			return err
		}
	}
	return w.meta.Put(heightKey, blockKey(height))
}

func (w *writer) deleteFrom(from, to uint64) error {
	for i := from; i < to; i++ {
		if err := w.blocks.Delete(blockKey(i)); err != nil {
			return err
		}
	}
	return nil
}

// persist runs fn in a single read-write transaction, retrying with
// exponential backoff. Once the retries are exhausted the store refuses
// every later mutation. Memory-only stores skip straight to success.
func (s *Store) persist(fn func(w *writer) error) error {
	if s.db == nil {
		return nil
	}

	op := func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			w := &writer{
				blocks: tx.Bucket([]byte(database.BucketBlocks)),
				meta:   tx.Bucket([]byte(database.BucketMeta)),
			}
			if w.blocks == nil || w.meta == nil {
				return backoff.Permanent(fmt.Errorf("chain buckets missing"))
			}
			return fn(w)
		})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	notify := func(err error, wait time.Duration) {
		s.log.Warn("chain write failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(bo, s.params.PersistRetries), notify); err != nil {
		s.failed = err
		s.log.Error("chain persistence failed, store disabled", zap.Error(err))
		return fmt.Errorf("%w: %v", blockchain.ErrPersistence, err)
	}
	return nil
}

// loadBlocks reads every stored block in index order.
func loadBlocks(db *database.BoltDB) ([]*blockchain.Block, error) {
	var out []*blockchain.Block
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(database.BucketBlocks))
		if b == nil {
			return nil
		}
		var want uint64
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 || binary.BigEndian.Uint64(k) != want {
				return fmt.Errorf("gap in stored chain at %d", want)
			}
			var blk blockchain.Block
			if err := json.Unmarshal(v, &blk); err != nil {
				return fmt.Errorf("decode block %d: %w", want, err)
			}
			out = append(out, &blk)
			want++
			return nil
		})
	})
	return out, err
}
