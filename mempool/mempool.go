package mempool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shadowledger/blockchain"
)

// ChainView is what admission needs to know about confirmed state.
type ChainView interface {
	HasTx(txid string) bool
	BalanceOf(addr string) uint64
}

type Config struct {
	MaxSize         int
	FreshnessWindow time.Duration
}

func DefaultConfig() Config {
	return Config{MaxSize: 5000, FreshnessWindow: 300 * time.Second}
}

// Mempool holds admitted, unconfirmed transactions in admission order.
type Mempool struct {
	mu    sync.Mutex
	cfg   Config
	chain ChainView
	keys  blockchain.KeyResolver
	log   *zap.Logger
	now   func() time.Time

	txs   map[string]*blockchain.Transaction
	order []string
	debit map[string]uint64 // provisional debits per sender
}

func NewMempool(cfg Config, chain ChainView, keys blockchain.KeyResolver, log *zap.Logger) *Mempool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mempool{
		cfg:   cfg,
		chain: chain,
		keys:  keys,
		log:   log,
		now:   time.Now,
		txs:   make(map[string]*blockchain.Transaction),
		debit: make(map[string]uint64),
	}
}

// Admit runs the admission rule and stores tx on success. It returns the
// recomputed txid; a tx already in the chain or the pool yields
// ErrDuplicate and changes nothing.
func (m *Mempool) Admit(tx *blockchain.Transaction) (string, error) {
	return m.admit(tx, true)
}

// Reinstate admits a transaction orphaned by a chain replacement. It skips
// the freshness window, since the tx was accepted once already.
func (m *Mempool) Reinstate(tx *blockchain.Transaction) (string, error) {
	return m.admit(tx, false)
}

func (m *Mempool) admit(tx *blockchain.Transaction, fresh bool) (string, error) {
	txid, err := blockchain.DeriveTxID(tx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[txid]; ok || m.chain.HasTx(txid) {
		return txid, fmt.Errorf("%w: tx %s", blockchain.ErrDuplicate, txid)
	}
	if _, err := blockchain.CheckTransaction(tx, m.keys); err != nil {
		return txid, err
	}
	if fresh && m.cfg.FreshnessWindow > 0 {
		skew := m.now().Sub(time.UnixMilli(tx.Timestamp))
		if skew < 0 {
			skew = -skew
		}
		if skew > m.cfg.FreshnessWindow {
			return txid, fmt.Errorf("%w: timestamp outside freshness window (%s)", blockchain.ErrMalformedInput, skew.Truncate(time.Second))
		}
	}
	if avail := m.available(tx.Sender); avail < tx.Amount {
		return txid, fmt.Errorf("%w: %s can spend %d, tx needs %d", blockchain.ErrInsufficientBalance, tx.Sender, avail, tx.Amount)
	}
	if m.cfg.MaxSize > 0 && len(m.txs) >= m.cfg.MaxSize {
		return txid, fmt.Errorf("%w: mempool full", blockchain.ErrMalformedInput)
	}

	c := *tx
	c.TxID = txid
	m.txs[txid] = &c
	m.order = append(m.order, txid)
	m.debit[c.Sender] += c.Amount

	m.log.Debug("tx admitted", zap.String("txid", txid), zap.String("sender", c.Sender), zap.Uint64("amount", c.Amount))
	return txid, nil
}

func (m *Mempool) available(sender string) uint64 {
	bal := m.chain.BalanceOf(sender)
	pending := m.debit[sender]
	if pending >= bal {
		return 0
	}
	return bal - pending
}

// Candidates returns up to max pending transactions in admission order
// without removing them; max <= 0 means all.
func (m *Mempool) Candidates(max int) []blockchain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.order)
	if max > 0 && max < n {
		n = max
	}
	out := make([]blockchain.Transaction, 0, n)
	for _, txid := range m.order[:n] {
		out = append(out, *m.txs[txid])
	}
	return out
}

// RemoveConfirmed evicts the given txids. Unknown ids are ignored.
func (m *Mempool) RemoveConfirmed(txids []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, txid := range txids {
		tx, ok := m.txs[txid]
		if !ok {
			continue
		}
		m.release(tx)
		delete(m.txs, txid)
		removed++
	}
	if removed > 0 {
		m.compact()
	}
	return removed
}

func (m *Mempool) release(tx *blockchain.Transaction) {
	if left := m.debit[tx.Sender] - tx.Amount; left > 0 {
		m.debit[tx.Sender] = left
	} else {
		delete(m.debit, tx.Sender)
	}
}

func (m *Mempool) compact() {
	kept := m.order[:0]
	for _, txid := range m.order {
		if _, ok := m.txs[txid]; ok {
			kept = append(kept, txid)
		}
	}
	m.order = kept
}

// Revalidate re-applies the balance and uniqueness rules in admission order
// after the confirmed chain changed underneath the pool. It returns the
// dropped txids.
func (m *Mempool) Revalidate() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []string
	m.debit = make(map[string]uint64)
	for _, txid := range m.order {
		tx := m.txs[txid]
		if m.chain.HasTx(txid) || m.available(tx.Sender) < tx.Amount {
			delete(m.txs, txid)
			dropped = append(dropped, txid)
			continue
		}
		m.debit[tx.Sender] += tx.Amount
	}
	if len(dropped) > 0 {
		m.compact()
		m.log.Info("mempool revalidated", zap.Int("dropped", len(dropped)), zap.Int("pending", len(m.txs)))
	}
	return dropped
}

func (m *Mempool) Has(txid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txs[txid]
	return ok
}

func (m *Mempool) Get(txid string) (*blockchain.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txid]
	if !ok {
		return nil, false
	}
	c := *tx
	return &c, true
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// Pending is every pending transaction in admission order.
func (m *Mempool) Pending() []blockchain.Transaction {
	return m.Candidates(0)
}

// PendingDebit is the total amount sender has committed in the pool.
func (m *Mempool) PendingDebit(sender string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debit[sender]
}
