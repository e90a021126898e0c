package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// GenesisPrevHash is the previous_hash sentinel carried by block 0.
var GenesisPrevHash = strings.Repeat("0", 64)

// Block is one link of the chain. Transactions keep inclusion order.
type Block struct {
	Index        uint64        `json:"index"`
	Timestamp    int64         `json:"timestamp"` // unix milliseconds
	PreviousHash string        `json:"previous_hash"`
	Nonce        uint64        `json:"nonce"`
	Reward       uint64        `json:"reward"`
	MinerAddress string        `json:"miner_address"`
	Transactions []Transaction `json:"transactions"`
	Hash         string        `json:"hash"`
}

// NewBlock builds an unsealed template on top of prev (nil for genesis).
func NewBlock(prev *Block, txs []Transaction, miner string, reward uint64) *Block {
	b := &Block{
		PreviousHash: GenesisPrevHash,
		Timestamp:    time.Now().UnixMilli(),
		Reward:       reward,
		MinerAddress: miner,
		Transactions: append([]Transaction(nil), txs...),
	}
	if prev != nil {
		b.Index = prev.Index + 1
		b.PreviousHash = prev.Hash
	}
	return b
}

// blockTx is the hashed form of an included transaction, keys sorted.
type blockTx struct {
	Amount    uint64 `json:"amount"`
	PublicKey string `json:"public_key"`
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	TxID      string `json:"txid"`
}

// Hasher hashes a block template for varying nonces. The canonical encoding
// is a JSON object with sorted keys; since "nonce" sits between
// "miner_address" and "previous_hash" the bytes around it are precomputed.
type Hasher struct {
	prefix []byte
	suffix []byte
	buf    []byte
}

// Hasher returns a Hasher over every field of b except Nonce and Hash.
func (b *Block) Hasher() (*Hasher, error) {
	miner, err := json.Marshal(b.MinerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	prev, err := json.Marshal(b.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	txs := make([]blockTx, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		txs = append(txs, blockTx{
			Amount:    tx.Amount,
			PublicKey: tx.PublicKey,
			Recipient: tx.Recipient,
			Sender:    tx.Sender,
			Signature: tx.Signature,
			Timestamp: tx.Timestamp,
			TxID:      tx.TxID,
		})
	}
	txJSON, err := json.Marshal(txs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	prefix := make([]byte, 0, 64+len(miner))
	prefix = append(prefix, `{"index":`...)
	prefix = strconv.AppendUint(prefix, b.Index, 10)
	prefix = append(prefix, `,"miner_address":`...)
	prefix = append(prefix, miner...)
	prefix = append(prefix, `,"nonce":`...)

	suffix := make([]byte, 0, 128+len(prev)+len(txJSON))
	suffix = append(suffix, `,"previous_hash":`...)
	suffix = append(suffix, prev...)
	suffix = append(suffix, `,"reward":`...)
	suffix = strconv.AppendUint(suffix, b.Reward, 10)
	suffix = append(suffix, `,"timestamp":`...)
	suffix = strconv.AppendInt(suffix, b.Timestamp, 10)
	suffix = append(suffix, `,"transactions":`...)
	suffix = append(suffix, txJSON...)
	suffix = append(suffix, '}')

	return &Hasher{prefix: prefix, suffix: suffix}, nil
}

// Sum hashes the template with the given nonce. Not safe for concurrent use.
func (h *Hasher) Sum(nonce uint64) [32]byte {
	h.buf = append(h.buf[:0], h.prefix...)
	h.buf = strconv.AppendUint(h.buf, nonce, 10)
	h.buf = append(h.buf, h.suffix...)
	return sha256.Sum256(h.buf)
}

// CalcHash returns the hex hash of b at its current nonce.
func (b *Block) CalcHash() (string, error) {
	h, err := b.Hasher()
	if err != nil {
		return "", err
	}
	sum := h.Sum(b.Nonce)
	return hex.EncodeToString(sum[:]), nil
}

// TxIDs lists the carried txids in inclusion order.
func (b *Block) TxIDs() []string {
	ids := make([]string, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		ids = append(ids, tx.TxID)
	}
	return ids
}

// Clone returns a deep copy.
func (b *Block) Clone() *Block {
	c := *b
	c.Transactions = append([]Transaction(nil), b.Transactions...)
	return &c
}

// LeadingZeroBits counts the leading zero bits of a hash.
func LeadingZeroBits(hash []byte) int {
	n := 0
	for _, x := range hash {
		if x == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(x)
		break
	}
	return n
}

// MeetsDifficulty is the difficulty predicate: at least difficulty leading
// zero bits.
func MeetsDifficulty(hash []byte, difficulty int) bool {
	return LeadingZeroBits(hash) >= difficulty
}

// HashMeetsDifficulty is MeetsDifficulty for a hex encoded hash.
func HashMeetsDifficulty(hashHex string, difficulty int) bool {
	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) != sha256.Size {
		return false
	}
	return MeetsDifficulty(raw, difficulty)
}

// DefaultPollInterval is how many hashes Mine tries between abort checks.
const DefaultPollInterval = 4096

// Mine searches nonces upward from b.Nonce until the hash meets difficulty,
// calling abort every pollEvery attempts (DefaultPollInterval when zero).
// It returns the number of hashes tried and whether a solution was found;
// on success Nonce and Hash are set.
func (b *Block) Mine(difficulty int, pollEvery uint64, abort func() bool) (uint64, bool, error) {
	if pollEvery == 0 {
		pollEvery = DefaultPollInterval
	}
	h, err := b.Hasher()
	if err != nil {
		return 0, false, err
	}

	var attempts uint64
	nonce := b.Nonce
	for {
		if attempts%pollEvery == 0 && abort != nil && abort() {
			b.Nonce = nonce
			return attempts, false, nil
		}
		sum := h.Sum(nonce)
		attempts++
		if MeetsDifficulty(sum[:], difficulty) {
			b.Nonce = nonce
			b.Hash = hex.EncodeToString(sum[:])
			return attempts, true, nil
		}
		nonce++
	}
}
