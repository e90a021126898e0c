package node

import (
	"errors"

	"go.uber.org/zap"

	"shadowledger/blockchain"
	"shadowledger/chain"
)

const (
	topicAppended = "chain:appended"
	topicReplaced = "chain:replaced"

	sourceLocal = "local"
	sourcePeer  = "peer"
)

// Handlers run synchronously in the publisher's goroutine, so by the time
// AppendBlock or a sync returns the mempool already reflects the new chain.
func (n *Node) subscribe() error {
	if err := n.bus.Subscribe(topicAppended, n.onAppended); err != nil {
		return err
	}
	return n.bus.Subscribe(topicReplaced, n.onReplaced)
}

func (n *Node) onAppended(b *blockchain.Block, source string) {
	removed := n.Mempool.RemoveConfirmed(b.TxIDs())
	// A competing spend in b can leave pending txs unaffordable.
	dropped := n.Mempool.Revalidate()
	n.learnKeys(b)
	n.Metrics.BlocksAccepted.WithLabelValues(source).Inc()
	n.refreshGauges()
	n.Miner.Interrupt()

	n.log.Debug("block accepted",
		zap.String("source", source),
		zap.Uint64("height", b.Index),
		zap.Int("mempool_evicted", removed),
		zap.Int("mempool_dropped", len(dropped)))
}

func (n *Node) onReplaced(res *chain.ReplaceResult) {
	for _, b := range res.Added {
		n.Mempool.RemoveConfirmed(b.TxIDs())
		n.learnKeys(b)
	}
	// Debits are rebuilt against the new chain before orphans compete for them.
	dropped := n.Mempool.Revalidate()

	// Orphaned transactions go back to the pool unless the new branch
	// confirmed them too; the freshness window does not apply to them.
	reinstated := 0
	for _, b := range res.Removed {
		for i := range b.Transactions {
			tx := b.Transactions[i]
			if _, err := n.Mempool.Reinstate(&tx); err == nil {
				reinstated++
			}
		}
	}

	n.Metrics.ChainReplaced.Inc()
	n.Metrics.BlocksOrphaned.Add(float64(len(res.Removed)))
	n.Metrics.BlocksAccepted.WithLabelValues(sourcePeer).Add(float64(len(res.Added)))
	n.refreshGauges()
	n.Miner.Interrupt()

	n.log.Info("chain replaced",
		zap.Uint64("divergence", res.Divergence),
		zap.Int("orphaned", len(res.Removed)),
		zap.Int("adopted", len(res.Added)),
		zap.Int("reinstated", reinstated),
		zap.Int("dropped", len(dropped)))
}

// learnKeys records the sender keys carried by confirmed transactions so
// later transactions from the same senders verify without one.
func (n *Node) learnKeys(b *blockchain.Block) {
	for _, tx := range b.Transactions {
		if tx.PublicKey == "" {
			continue
		}
		if _, err := n.Keys.RegisterHex(tx.PublicKey); err != nil {
			n.log.Debug("key not recorded", zap.String("sender", tx.Sender), zap.Error(err))
		}
	}
}

func (n *Node) refreshGauges() {
	n.Metrics.ChainHeight.Set(float64(n.Chain.Len()))
	n.Metrics.MempoolSize.Set(float64(n.Mempool.Len()))
	n.Metrics.Peers.Set(float64(n.Peers.Len()))
}

func (n *Node) countAdmission(err error) {
	switch {
	case err == nil:
		n.Metrics.TxAdmissions.WithLabelValues("admitted").Inc()
	case errors.Is(err, blockchain.ErrDuplicate):
		n.Metrics.TxAdmissions.WithLabelValues("duplicate").Inc()
	default:
		n.Metrics.TxAdmissions.WithLabelValues("rejected").Inc()
	}
}

// fail records a fatal error; Run returns it.
func (n *Node) fail(err error) {
	if err == nil || !errors.Is(err, blockchain.ErrPersistence) {
		return
	}
	select {
	case n.fatal <- err:
	default:
	}
}
