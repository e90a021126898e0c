package chain

import (
	"fmt"

	"shadowledger/blockchain"
)

// txLoc locates a confirmed transaction.
type txLoc struct {
	Height uint64
	Offset int
}

// ledger is the derived state of a chain: balances and confirmed txids.
type ledger struct {
	balances map[string]uint64
	txs      map[string]txLoc
}

func newLedger() *ledger {
	return &ledger{
		balances: make(map[string]uint64),
		txs:      make(map[string]txLoc),
	}
}

// view is a copy-on-write layer over a ledger. Blocks are validated and
// applied to a view; the view is committed only when every block passed.
type view struct {
	base     *ledger
	balances map[string]uint64
	added    map[string]txLoc
	removed  map[string]struct{}
}

func newView(base *ledger) *view {
	return &view{
		base:     base,
		balances: make(map[string]uint64),
		added:    make(map[string]txLoc),
		removed:  make(map[string]struct{}),
	}
}

func (v *view) balance(addr string) uint64 {
	if b, ok := v.balances[addr]; ok {
		return b
	}
	return v.base.balances[addr]
}

func (v *view) hasTx(txid string) bool {
	if _, ok := v.added[txid]; ok {
		return true
	}
	if _, ok := v.removed[txid]; ok {
		return false
	}
	_, ok := v.base.txs[txid]
	return ok
}

func (v *view) credit(addr string, amount uint64) {
	v.balances[addr] = v.balance(addr) + amount
}

func (v *view) debit(addr string, amount uint64) error {
	have := v.balance(addr)
	if have < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", blockchain.ErrInsufficientBalance, addr, have, amount)
	}
	v.balances[addr] = have - amount
	return nil
}

// apply checks every transaction of b in order against the view and applies
// it. The miner reward is credited after the transactions, so it cannot be
// spent inside the block that creates it.
func (v *view) apply(b *blockchain.Block, keys blockchain.KeyResolver) error {
	seen := make(map[string]struct{}, len(b.Transactions))
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		txid, err := v.applyTx(tx, keys, seen)
		if err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		v.added[txid] = txLoc{Height: b.Index, Offset: i}
	}
	v.credit(b.MinerAddress, b.Reward)
	return nil
}

// applyTx checks one transaction against the view and the txids already
// taken by the enclosing block, then moves the funds.
func (v *view) applyTx(tx *blockchain.Transaction, keys blockchain.KeyResolver, seen map[string]struct{}) (string, error) {
	txid, err := blockchain.CheckTransaction(tx, keys)
	if err != nil {
		return "", err
	}
	if tx.TxID != txid {
		return "", fmt.Errorf("%w: carried txid %q", blockchain.ErrMalformedInput, tx.TxID)
	}
	if _, dup := seen[txid]; dup {
		return "", fmt.Errorf("%w: txid %s repeated in block", blockchain.ErrMalformedInput, txid)
	}
	if v.hasTx(txid) {
		return "", fmt.Errorf("%w: txid %s already confirmed", blockchain.ErrMalformedInput, txid)
	}
	if err := v.debit(tx.Sender, tx.Amount); err != nil {
		return "", fmt.Errorf("tx %s: %w", txid, err)
	}
	v.credit(tx.Recipient, tx.Amount)
	seen[txid] = struct{}{}
	return txid, nil
}

// revert undoes a block that was previously applied to the base ledger.
func (v *view) revert(b *blockchain.Block) {
	v.balances[b.MinerAddress] = v.balance(b.MinerAddress) - b.Reward
	for i := len(b.Transactions) - 1; i >= 0; i-- {
		tx := &b.Transactions[i]
		v.balances[tx.Recipient] = v.balance(tx.Recipient) - tx.Amount
		v.credit(tx.Sender, tx.Amount)
		delete(v.added, tx.TxID)
		v.removed[tx.TxID] = struct{}{}
	}
}

func (v *view) commit() {
	for txid := range v.removed {
		delete(v.base.txs, txid)
	}
	for txid, loc := range v.added {
		v.base.txs[txid] = loc
	}
	for addr, bal := range v.balances {
		if bal == 0 {
			delete(v.base.balances, addr)
			continue
		}
		v.base.balances[addr] = bal
	}
}
