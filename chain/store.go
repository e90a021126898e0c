package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"shadowledger/blockchain"
	"shadowledger/database"
)

// ErrNotLonger is returned by ReplaceChain when the candidate does not beat
// the local chain on length. The local chain is untouched, so it classifies
// as a duplicate.
var ErrNotLonger = fmt.Errorf("%w: candidate chain is not longer", blockchain.ErrDuplicate)

// Params are the consensus constants the store validates against.
type Params struct {
	Difficulty     int
	Reward         uint64
	PersistRetries uint64
}

// DefaultParams matches a freshly generated config.
func DefaultParams() Params {
	return Params{Difficulty: 16, Reward: 10, PersistRetries: 5}
}

// ReplaceResult describes a successful ReplaceChain.
type ReplaceResult struct {
	Divergence uint64              // first height that changed
	Removed    []*blockchain.Block // orphaned local blocks, ascending
	Added      []*blockchain.Block // adopted blocks, ascending
}

// TxLookup is a confirmed transaction and where it sits.
type TxLookup struct {
	Tx         blockchain.Transaction `json:"tx"`
	BlockIndex uint64                 `json:"block_index"`
	BlockHash  string                 `json:"block_hash"`
}

// Store owns the chain. Mutations hold the write lock until persistence has
// finished; readers see either the state before or after a mutation.
type Store struct {
	mu     sync.RWMutex
	params Params
	keys   blockchain.KeyResolver
	db     *database.BoltDB
	log    *zap.Logger

	blocks []*blockchain.Block
	byHash map[string]uint64
	state  *ledger
	failed error
}

// NewStore returns an empty, memory-only store.
func NewStore(params Params, keys blockchain.KeyResolver, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		params: params,
		keys:   keys,
		log:    log,
		byHash: make(map[string]uint64),
		state:  newLedger(),
	}
}

// Open loads the chain persisted in db and re-validates it from genesis
// before trusting it. Later mutations are written back to db.
func Open(db *database.BoltDB, params Params, keys blockchain.KeyResolver, log *zap.Logger) (*Store, error) {
	s := NewStore(params, keys, log)
	loaded, err := loadBlocks(db)
	if err != nil {
		return nil, fmt.Errorf("%w: load chain: %v", blockchain.ErrPersistence, err)
	}

	v := newView(s.state)
	var pred *blockchain.Block
	for i, b := range loaded {
		if err := s.validate(v, b, pred); err != nil {
			return nil, fmt.Errorf("%w: stored block %d: %w", blockchain.ErrPersistence, i, err)
		}
		pred = b
	}
	v.commit()
	for _, b := range loaded {
		s.index(b)
	}
	s.db = db
	s.log.Info("chain loaded", zap.Int("height", len(loaded)))
	return s, nil
}

func (s *Store) Params() Params { return s.params }

// Failed returns the persistence error that disabled the store, if any.
func (s *Store) Failed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed
}

// ValidateBlock checks candidate against predecessor (nil for genesis) and
// the current chain prefix. It never applies anything.
func (s *Store) ValidateBlock(candidate, predecessor *blockchain.Block) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := newView(s.state)
	if predecessor != nil {
		// Validate against the prefix ending at predecessor.
		if predecessor.Index >= uint64(len(s.blocks)) || s.blocks[predecessor.Index].Hash != predecessor.Hash {
			return fmt.Errorf("%w: predecessor %d is not on the local chain", blockchain.ErrChainLinkage, predecessor.Index)
		}
		for i := len(s.blocks) - 1; i > int(predecessor.Index); i-- {
			v.revert(s.blocks[i])
		}
	} else {
		for i := len(s.blocks) - 1; i >= 0; i-- {
			v.revert(s.blocks[i])
		}
	}
	return s.validate(v, candidate, predecessor)
}

// validate checks structure and proof of work, then applies the block's
// transactions to v.
func (s *Store) validate(v *view, b, pred *blockchain.Block) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", blockchain.ErrMalformedInput)
	}
	if pred == nil {
		if b.Index != 0 {
			return fmt.Errorf("%w: first block has index %d", blockchain.ErrChainLinkage, b.Index)
		}
		if b.PreviousHash != blockchain.GenesisPrevHash {
			return fmt.Errorf("%w: genesis previous hash %q", blockchain.ErrChainLinkage, b.PreviousHash)
		}
	} else {
		if b.Index != pred.Index+1 {
			return fmt.Errorf("%w: index %d after %d", blockchain.ErrChainLinkage, b.Index, pred.Index)
		}
		if b.PreviousHash != pred.Hash {
			return fmt.Errorf("%w: block %d does not link to %s", blockchain.ErrChainLinkage, b.Index, pred.Hash)
		}
	}
	if b.MinerAddress == "" {
		return fmt.Errorf("%w: block %d has no miner address", blockchain.ErrMalformedInput, b.Index)
	}
	if b.Reward != s.params.Reward {
		return fmt.Errorf("%w: block %d reward %d, want %d", blockchain.ErrMalformedInput, b.Index, b.Reward, s.params.Reward)
	}

	hash, err := b.CalcHash()
	if err != nil {
		return err
	}
	if hash != b.Hash {
		return fmt.Errorf("%w: block %d hash does not match contents", blockchain.ErrProofOfWork, b.Index)
	}
	if !blockchain.HashMeetsDifficulty(hash, s.params.Difficulty) {
		return fmt.Errorf("%w: block %d below difficulty %d", blockchain.ErrProofOfWork, b.Index, s.params.Difficulty)
	}

	return v.apply(b, s.keys)
}

// AppendBlock validates candidate against the tip and, on success, persists
// it and updates the balance index. On failure the chain is unchanged.
func (s *Store) AppendBlock(candidate *blockchain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return fmt.Errorf("%w: store disabled: %v", blockchain.ErrPersistence, s.failed)
	}
	if candidate == nil {
		return fmt.Errorf("%w: nil block", blockchain.ErrMalformedInput)
	}
	if _, ok := s.byHash[candidate.Hash]; ok {
		return fmt.Errorf("%w: block %s", blockchain.ErrDuplicate, candidate.Hash)
	}

	v := newView(s.state)
	if err := s.validate(v, candidate, s.tip()); err != nil {
		return err
	}

	b := candidate.Clone()
	if err := s.persist(func(w *writer) error { return w.putBlocks([]*blockchain.Block{b}, uint64(len(s.blocks))+1) }); err != nil {
		return err
	}
	v.commit()
	s.index(b)

	s.log.Info("block appended",
		zap.Uint64("height", b.Index),
		zap.String("hash", b.Hash),
		zap.Int("txs", len(b.Transactions)))
	return nil
}

// ReplaceChain adopts candidate if it is strictly longer than the local
// chain and valid from the first divergence point on. It is all or nothing.
func (s *Store) ReplaceChain(candidate []*blockchain.Block) (*ReplaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return nil, fmt.Errorf("%w: store disabled: %v", blockchain.ErrPersistence, s.failed)
	}
	if len(candidate) <= len(s.blocks) {
		return nil, ErrNotLonger
	}

	d := 0
	for d < len(s.blocks) && candidate[d] != nil && candidate[d].Hash == s.blocks[d].Hash {
		d++
	}

	v := newView(s.state)
	for i := len(s.blocks) - 1; i >= d; i-- {
		v.revert(s.blocks[i])
	}

	var pred *blockchain.Block
	if d > 0 {
		pred = s.blocks[d-1]
	}
	added := make([]*blockchain.Block, 0, len(candidate)-d)
	for _, b := range candidate[d:] {
		if err := s.validate(v, b, pred); err != nil {
			s.log.Warn("candidate chain rejected", zap.Int("divergence", d), zap.Error(err))
			return nil, err
		}
		c := b.Clone()
		added = append(added, c)
		pred = c
	}

	oldLen := uint64(len(s.blocks))
	err := s.persist(func(w *writer) error {
		if err := w.deleteFrom(uint64(d), oldLen); err != nil {
			return err
		}
		return w.putBlocks(added, uint64(len(candidate)))
	})
	if err != nil {
		return nil, err
	}

	removed := append([]*blockchain.Block(nil), s.blocks[d:]...)
	for _, b := range removed {
		delete(s.byHash, b.Hash)
	}
	s.blocks = s.blocks[:d:d]
	v.commit()
	for _, b := range added {
		s.index(b)
	}

	s.log.Info("chain replaced",
		zap.Int("divergence", d),
		zap.Int("removed", len(removed)),
		zap.Int("added", len(added)),
		zap.Int("height", len(s.blocks)))
	return &ReplaceResult{Divergence: uint64(d), Removed: removed, Added: added}, nil
}

// Applicable filters txs, in order, down to those a block on the current
// tip could include together, and returns at most max of them (max <= 0
// means all). Nothing is applied to the chain.
func (s *Store) Applicable(txs []blockchain.Transaction, max int) []blockchain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := newView(s.state)
	seen := make(map[string]struct{}, len(txs))
	out := make([]blockchain.Transaction, 0, len(txs))
	for i := range txs {
		if max > 0 && len(out) == max {
			break
		}
		tx := txs[i]
		if _, err := v.applyTx(&tx, s.keys, seen); err != nil {
			s.log.Debug("candidate skipped", zap.String("txid", tx.TxID), zap.Error(err))
			continue
		}
		out = append(out, tx)
	}
	return out
}

func (s *Store) index(b *blockchain.Block) {
	s.byHash[b.Hash] = b.Index
	s.blocks = append(s.blocks, b)
}

func (s *Store) tip() *blockchain.Block {
	if len(s.blocks) == 0 {
		return nil
	}
	return s.blocks[len(s.blocks)-1]
}

// BalanceOf reads the incremental balance index.
func (s *Store) BalanceOf(addr string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.balances[addr]
}

// RecomputeBalance scans the whole chain. It must always agree with
// BalanceOf.
func (s *Store) RecomputeBalance(addr string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var credits, debits uint64
	for _, b := range s.blocks {
		if b.MinerAddress == addr {
			credits += b.Reward
		}
		for _, tx := range b.Transactions {
			if tx.Recipient == addr {
				credits += tx.Amount
			}
			if tx.Sender == addr {
				debits += tx.Amount
			}
		}
	}
	return credits - debits
}

// Balances returns a copy of the balance index.
func (s *Store) Balances() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.state.balances))
	for k, v := range s.state.balances {
		out[k] = v
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Tip returns a copy of the last block, or nil for an empty chain.
func (s *Store) Tip() *blockchain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t := s.tip(); t != nil {
		return t.Clone()
	}
	return nil
}

func (s *Store) GetBlockByIndex(i uint64) (*blockchain.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i >= uint64(len(s.blocks)) {
		return nil, false
	}
	return s.blocks[i].Clone(), true
}

func (s *Store) GetBlockByHash(hash string) (*blockchain.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byHash[hash]
	if !ok {
		return nil, false
	}
	return s.blocks[i].Clone(), true
}

// Blocks returns a consistent copy of the whole chain.
func (s *Store) Blocks() []*blockchain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*blockchain.Block, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = b.Clone()
	}
	return out
}

func (s *Store) HasTx(txid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state.txs[txid]
	return ok
}

func (s *Store) FindTransaction(txid string) (*TxLookup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.state.txs[txid]
	if !ok {
		return nil, false
	}
	b := s.blocks[loc.Height]
	return &TxLookup{Tx: b.Transactions[loc.Offset], BlockIndex: b.Index, BlockHash: b.Hash}, true
}

// Verify re-validates the whole chain from genesis and cross-checks the
// balance index.
func (s *Store) Verify() error {
	blocks := s.Blocks()
	fresh := NewStore(s.params, s.keys, nil)
	v := newView(fresh.state)
	var pred *blockchain.Block
	for _, b := range blocks {
		if err := fresh.validate(v, b, pred); err != nil {
			return err
		}
		pred = b
	}
	v.commit()

	current := s.Balances()
	if len(current) != len(fresh.state.balances) {
		return fmt.Errorf("balance index has %d entries, recomputed %d", len(current), len(fresh.state.balances))
	}
	for addr, bal := range fresh.state.balances {
		if current[addr] != bal {
			return fmt.Errorf("balance index for %s is %d, recomputed %d", addr, current[addr], bal)
		}
	}
	return nil
}

// ExportJSON writes the chain as an ordered JSON array of blocks.
func (s *Store) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Blocks())
}

// ImportJSON reads a chain written by ExportJSON and adopts it through
// ReplaceChain.
func (s *Store) ImportJSON(r io.Reader) (*ReplaceResult, error) {
	var blocks []*blockchain.Block
	if err := json.NewDecoder(r).Decode(&blocks); err != nil {
		return nil, fmt.Errorf("%w: %v", blockchain.ErrMalformedInput, err)
	}
	for i, b := range blocks {
		if b == nil {
			return nil, fmt.Errorf("%w: null block at %d", blockchain.ErrMalformedInput, i)
		}
	}
	return s.ReplaceChain(blocks)
}

// IsNotLonger reports whether err is the ReplaceChain no-op.
func IsNotLonger(err error) bool {
	return errors.Is(err, ErrNotLonger)
}
