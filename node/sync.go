package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shadowledger/blockchain"
	"shadowledger/chain"
)

// PeerSync is the outcome of syncing with one peer.
type PeerSync struct {
	Peer         string `json:"peer"`
	PeerHeight   int    `json:"peer_height"`
	Replaced     bool   `json:"replaced"`
	TxsAdmitted  int    `json:"txs_admitted"`
	PeersLearned int    `json:"peers_learned"`
	Error        string `json:"error,omitempty"`
}

// SyncReport summarises one SyncWithNetwork round.
type SyncReport struct {
	Height int        `json:"height"`
	Peers  []PeerSync `json:"peers"`
}

// SyncWithNetwork asks every known peer for its state. A strictly longer
// valid chain replaces the local one, the peer's pending transactions go
// through normal admission and its peers are merged into ours. Per-peer
// failures are recorded in the report; only a persistence failure is
// returned.
func (n *Node) SyncWithNetwork(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}
	for _, addr := range n.Peers.List() {
		if ctx.Err() != nil {
			break
		}
		ps, err := n.syncWith(ctx, addr)
		if errors.Is(err, blockchain.ErrPersistence) {
			return nil, err
		}
		if err != nil {
			ps.Error = err.Error()
		}
		report.Peers = append(report.Peers, *ps)
	}
	report.Height = n.Chain.Len()
	return report, ctx.Err()
}

// syncWith always returns a non-nil PeerSync.
func (n *Node) syncWith(ctx context.Context, addr string) (*PeerSync, error) {
	n.syncMu.Lock()
	defer n.syncMu.Unlock()

	ps := &PeerSync{Peer: addr}
	resp, err := n.client.Sync(ctx, addr)
	if err != nil {
		if ctx.Err() == nil {
			n.peerFailed(addr, err)
		}
		return ps, err
	}
	n.Peers.MarkAlive(addr)
	ps.PeerHeight = len(resp.Chain)

	if len(resp.Chain) > n.Chain.Len() {
		res, err := n.Chain.ReplaceChain(resp.Chain)
		switch {
		case err == nil:
			ps.Replaced = true
			n.bus.Publish(topicReplaced, res)
		case chain.IsNotLonger(err):
		case errors.Is(err, blockchain.ErrPersistence):
			n.fail(err)
			return ps, err
		default:
			n.log.Warn("peer chain rejected", zap.String("peer", addr), zap.Error(err))
			ps.Error = err.Error()
		}
	}

	for i := range resp.Mempool {
		if _, err := n.admit(&resp.Mempool[i], addr); err == nil {
			ps.TxsAdmitted++
		}
	}
	ps.PeersLearned = n.Peers.AddMany(resp.Peers)
	n.refreshGauges()

	n.log.Debug("synced with peer",
		zap.String("peer", addr),
		zap.Int("peer_height", ps.PeerHeight),
		zap.Bool("replaced", ps.Replaced),
		zap.Int("txs_admitted", ps.TxsAdmitted),
		zap.Int("peers_learned", ps.PeersLearned))
	return ps, nil
}

// ProbePeers pings every known peer once. Non-responders accumulate
// failures and are dropped at the configured threshold; a peer that
// answers with our own node id is ourselves under another address. A
// responder that is ahead of us is synced with.
func (n *Node) ProbePeers(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanout)
	for _, addr := range n.Peers.List() {
		g.Go(func() error {
			pong, err := n.client.Ping(gctx, addr, n.id)
			switch {
			case gctx.Err() != nil:
				return nil
			case err != nil:
				n.peerFailed(addr, err)
				return nil
			case pong.NodeID == n.id:
				n.log.Info("dropping self-connection", zap.String("peer", addr))
				n.Peers.Remove(addr)
				return nil
			}
			n.Peers.MarkAlive(addr)
			if pong.Height > n.Chain.Len() {
				if _, err := n.syncWith(gctx, addr); err != nil {
					n.log.Debug("sync after probe failed", zap.String("peer", addr), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	n.Metrics.Peers.Set(float64(n.Peers.Len()))
}

func (n *Node) probeLoop(ctx context.Context) {
	every := n.cfg.P2P.ProbeInterval
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.ProbePeers(ctx)
		}
	}
}

// syncLoop syncs once at start and then every sync interval, if set.
func (n *Node) syncLoop(ctx context.Context) error {
	if _, err := n.SyncWithNetwork(ctx); errors.Is(err, blockchain.ErrPersistence) {
		return err
	}
	every := n.cfg.P2P.SyncInterval
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.SyncWithNetwork(ctx); errors.Is(err, blockchain.ErrPersistence) {
				return err
			}
		}
	}
}
