package node

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shadowledger/blockchain"
	"shadowledger/network"
)

// maxFanout bounds concurrent outbound gossip connections.
const maxFanout = 8

// Backend

func (n *Node) NodeID() string { return n.id }

func (n *Node) Height() int { return n.Chain.Len() }

func (n *Node) ChainBlocks() []*blockchain.Block { return n.Chain.Blocks() }

func (n *Node) PendingTxs() []blockchain.Transaction { return n.Mempool.Pending() }

func (n *Node) PeerList() []string { return n.Peers.List() }

func (n *Node) LearnPeers(addrs []string) {
	if added := n.Peers.AddMany(addrs); added > 0 {
		n.Metrics.Peers.Set(float64(n.Peers.Len()))
		n.log.Debug("peers learned", zap.Int("added", added))
	}
}

// ReceiveBlock validates a gossiped block against the local tip. An
// accepted block is relayed to every peer except from. A block that does
// not link but claims a greater height means from is ahead of us, so it
// is synced with in the background.
func (n *Node) ReceiveBlock(_ context.Context, b *blockchain.Block, from string) error {
	err := n.Chain.AppendBlock(b)
	switch {
	case err == nil:
		n.bus.Publish(topicAppended, b, sourcePeer)
		n.relayBlock(b, from)
		return nil

	case errors.Is(err, blockchain.ErrChainLinkage) && from != "" && b.Index >= uint64(n.Chain.Len()):
		n.log.Info("block from a longer chain, syncing",
			zap.String("peer", from),
			zap.Uint64("height", b.Index))
		n.goBackground(func(ctx context.Context) {
			if _, err := n.syncWith(ctx, from); err != nil {
				n.log.Debug("targeted sync failed", zap.String("peer", from), zap.Error(err))
			}
		})

	case errors.Is(err, blockchain.ErrPersistence):
		n.fail(err)
	}
	return err
}

// ReceiveTx runs the mempool admission rule and relays admitted
// transactions to every peer except from.
func (n *Node) ReceiveTx(_ context.Context, tx *blockchain.Transaction, from string) error {
	_, err := n.admit(tx, from)
	return err
}

// SubmitTx admits a locally submitted transaction and gossips it.
func (n *Node) SubmitTx(tx *blockchain.Transaction) (string, error) {
	return n.admit(tx, "")
}

func (n *Node) admit(tx *blockchain.Transaction, from string) (string, error) {
	txid, err := n.Mempool.Admit(tx)
	n.countAdmission(err)
	if err != nil {
		return txid, err
	}
	n.Metrics.MempoolSize.Set(float64(n.Mempool.Len()))

	relay := *tx
	relay.TxID = txid
	n.relayTx(&relay, from)
	return txid, nil
}

// MinerNode

func (n *Node) Tip() *blockchain.Block { return n.Chain.Tip() }

// Candidates is the pool in admission order, minus whatever the current tip
// no longer allows.
func (n *Node) Candidates(max int) []blockchain.Transaction {
	return n.Chain.Applicable(n.Mempool.Candidates(0), max)
}

func (n *Node) AppendBlock(b *blockchain.Block) error {
	if err := n.Chain.AppendBlock(b); err != nil {
		n.fail(err)
		return err
	}
	n.bus.Publish(topicAppended, b, sourceLocal)
	return nil
}

func (n *Node) BroadcastBlock(b *blockchain.Block) { n.relayBlock(b, "") }

func (n *Node) relayBlock(b *blockchain.Block, from string) {
	if !n.firstSeen("block:" + b.Hash) {
		return
	}
	blk := b.Clone()
	n.fanout(from, func(ctx context.Context, addr string) error {
		return n.client.SendBlock(ctx, addr, blk)
	})
}

func (n *Node) relayTx(tx *blockchain.Transaction, from string) {
	if !n.firstSeen("tx:" + tx.TxID) {
		return
	}
	n.fanout(from, func(ctx context.Context, addr string) error {
		return n.client.SendTx(ctx, addr, tx)
	})
}

// firstSeen marks key as gossiped and reports whether it was new.
func (n *Node) firstSeen(key string) bool {
	if seen, _ := n.seen.ContainsOrAdd(key, struct{}{}); seen {
		n.Metrics.GossipSuppressed.Inc()
		return false
	}
	return true
}

// fanout calls send for every known peer except exclude, in the
// background. An unreachable peer counts as one failed probe; a rejection
// is the peer's business.
func (n *Node) fanout(exclude string, send func(ctx context.Context, addr string) error) {
	peers := n.Peers.List()
	if len(peers) == 0 {
		return
	}
	n.goBackground(func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxFanout)
		for _, addr := range peers {
			if addr == exclude {
				continue
			}
			g.Go(func() error {
				err := send(gctx, addr)
				switch {
				case err == nil:
					n.Peers.MarkAlive(addr)
				case gctx.Err() != nil:
				case errors.Is(err, blockchain.ErrPeerUnreachable):
					n.peerFailed(addr, err)
				case errors.Is(err, network.ErrRejected):
					n.log.Debug("gossip rejected", zap.String("peer", addr))
				}
				return nil
			})
		}
		_ = g.Wait()
	})
}

func (n *Node) peerFailed(addr string, err error) {
	if n.Peers.MarkFailed(addr) {
		n.log.Info("peer removed", zap.String("peer", addr), zap.Error(err))
		n.Metrics.Peers.Set(float64(n.Peers.Len()))
		return
	}
	n.log.Debug("peer failed", zap.String("peer", addr), zap.Error(err))
}
