package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"shadowledger/blockchain"
	"shadowledger/database"
)

var ErrUnknownAddress = errors.New("unknown address")

// Directory maps addresses to verifying keys. It backs pubkey_for(address)
// for transactions that do not carry their own public key.
type Directory struct {
	mu   sync.RWMutex
	keys map[string]*btcec.PublicKey
	db   *database.BoltDB
}

// NewDirectory returns a directory mirrored into db's keys bucket (db may
// be nil).
func NewDirectory(db *database.BoltDB) *Directory {
	return &Directory{keys: make(map[string]*btcec.PublicKey), db: db}
}

// Load restores every registered key from db.
func (d *Directory) Load() error {
	if d.db == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Iterate(database.BucketKeys, func(k, v []byte) error {
		pub, err := btcec.ParsePubKey(v)
		if err != nil {
			return fmt.Errorf("key for %s: %w", k, err)
		}
		d.keys[string(k)] = pub
		return nil
	})
}

// Register records pubKey (compressed or uncompressed) and returns its
// address.
func (d *Directory) Register(pubKey []byte) (string, error) {
	pub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", blockchain.ErrKeyFormat, err)
	}
	compressed := pub.SerializeCompressed()
	addr := blockchain.PubKeyToAddress(compressed)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[addr]; ok {
		return addr, nil
	}
	if d.db != nil {
		if err := d.db.Put(database.BucketKeys, addr, compressed); err != nil {
			return "", err
		}
	}
	d.keys[addr] = pub
	return addr, nil
}

// RegisterHex is Register for a hex encoded key.
func (d *Directory) RegisterHex(pubHex string) (string, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", fmt.Errorf("%w: public key is not hex", blockchain.ErrKeyFormat)
	}
	return d.Register(raw)
}

func (d *Directory) PubKeyFor(addr string) (*btcec.PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.keys[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	return pub, nil
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}
