package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shadowledger/blockchain"
	"shadowledger/config"
	"shadowledger/miner"
	"shadowledger/network"
	"shadowledger/wallet"
)

const testDifficulty = 8

type testNode struct {
	*Node
	wallet *wallet.Wallet
}

func testConfig(t *testing.T, bootstrap ...string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Chain.Difficulty = testDifficulty
	cfg.Chain.PersistRetries = 1
	cfg.Miner.Enabled = false
	cfg.Miner.PollInterval = 256
	cfg.P2P.Listen = "127.0.0.1:0"
	cfg.P2P.Bootstrap = bootstrap
	cfg.P2P.ProbeInterval = 0
	cfg.P2P.SyncInterval = 0
	cfg.P2P.MaxFailures = 2
	cfg.P2P.DialTimeout = time.Second
	cfg.P2P.ReadTimeout = 5 * time.Second
	cfg.P2P.Retries = 0
	return cfg
}

// newNode builds a node whose miner pays a fresh wallet. It is not running.
func newNode(t *testing.T, cfg *config.Config) *testNode {
	t.Helper()
	w, err := wallet.NewWallet()
	require.NoError(t, err)
	n, err := New(cfg, w.Address, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return &testNode{Node: n, wallet: w}
}

// startNode builds a node and runs it until the test ends.
func startNode(t *testing.T, bootstrap ...string) *testNode {
	t.Helper()
	n := newNode(t, testConfig(t, bootstrap...))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return n
}

func mineOne(t *testing.T, n *testNode) *blockchain.Block {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b, err := n.Miner.MineOnce(ctx)
	require.NoError(t, err)
	return b
}

func TestTransferScenario(t *testing.T) {
	n := newNode(t, testConfig(t))
	a := n.wallet
	b, err := wallet.NewWallet()
	require.NoError(t, err)
	c, err := wallet.NewWallet()
	require.NoError(t, err)

	require.Zero(t, n.Chain.Len())
	genesis := mineOne(t, n)
	require.Equal(t, uint64(0), genesis.Index)
	require.Equal(t, uint64(10), n.Chain.BalanceOf(a.Address))

	tx, err := a.NewTransfer(b.Address, 4)
	require.NoError(t, err)
	txid, err := n.SubmitTx(tx)
	require.NoError(t, err)
	require.Equal(t, 1, n.Mempool.Len())

	bal := n.Balance(a.Address)
	assert.Equal(t, uint64(10), bal.Confirmed)
	assert.Equal(t, uint64(6), bal.Available)

	status, ok := n.FindTx(txid)
	require.True(t, ok)
	assert.Equal(t, TxPending, status.Status)

	// A third party mines the transfer.
	other := miner.NewMiner(miner.Config{
		Address:      c.Address,
		Difficulty:   testDifficulty,
		Reward:       10,
		PollInterval: 256,
		MaxBlockTxs:  100,
	}, n, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	blk, err := other.MineOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{txid}, blk.TxIDs())

	assert.Equal(t, uint64(6), n.Chain.BalanceOf(a.Address))
	assert.Equal(t, uint64(4), n.Chain.BalanceOf(b.Address))
	assert.Equal(t, uint64(10), n.Chain.BalanceOf(c.Address))
	assert.Zero(t, n.Mempool.Len())

	status, ok = n.FindTx(txid)
	require.True(t, ok)
	assert.Equal(t, TxConfirmed, status.Status)
	require.NotNil(t, status.BlockIndex)
	assert.Equal(t, uint64(1), *status.BlockIndex)

	byHash, ok := n.Block(blk.Hash)
	require.True(t, ok)
	byIndex, ok := n.Block("1")
	require.True(t, ok)
	assert.Equal(t, byHash.Hash, byIndex.Hash)

	assert.Equal(t, float64(2), testutil.ToFloat64(n.Metrics.ChainHeight))
	assert.Equal(t, float64(2), testutil.ToFloat64(n.Metrics.BlocksAccepted.WithLabelValues(sourceLocal)))

	// The sender key was learned from the confirmed transfer.
	_, err = n.Keys.PubKeyFor(a.Address)
	assert.NoError(t, err)
}

func TestDoubleSubmitIsDuplicate(t *testing.T) {
	n := newNode(t, testConfig(t))
	mineOne(t, n)

	tx, err := n.wallet.NewTransfer(n.wallet.Address, 3)
	require.NoError(t, err)
	_, err = n.SubmitTx(tx)
	require.NoError(t, err)
	_, err = n.SubmitTx(tx)
	require.ErrorIs(t, err, blockchain.ErrDuplicate)
	assert.Equal(t, 1, n.Mempool.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(n.Metrics.TxAdmissions.WithLabelValues("duplicate")))
}

func TestRestartKeepsChain(t *testing.T) {
	cfg := testConfig(t)
	w, err := wallet.NewWallet()
	require.NoError(t, err)

	n, err := New(cfg, w.Address, zap.NewNop())
	require.NoError(t, err)
	tip := mineOne(t, &testNode{Node: n, wallet: w})
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	reopened, err := New(cfg, w.Address, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, 1, reopened.Chain.Len())
	assert.Equal(t, tip.Hash, reopened.Tip().Hash)
	assert.Equal(t, uint64(10), reopened.Chain.BalanceOf(w.Address))
}

func TestForkResolvedBySync(t *testing.T) {
	x := startNode(t)
	y := startNode(t)

	mineOne(t, x)
	require.True(t, y.AddPeer(x.Addr()))
	report, err := y.SyncWithNetwork(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Peers, 1)
	require.True(t, report.Peers[0].Replaced)
	require.Equal(t, 1, y.Chain.Len())

	// Partition the two nodes and let them diverge at height 1.
	x.Peers.Remove(y.Addr())
	y.Peers.Remove(x.Addr())

	tx, err := x.wallet.NewTransfer(y.wallet.Address, 5)
	require.NoError(t, err)
	txid, err := x.SubmitTx(tx)
	require.NoError(t, err)
	orphaned := mineOne(t, x)
	require.Equal(t, []string{txid}, orphaned.TxIDs())
	require.False(t, x.Mempool.Has(txid))

	mineOne(t, y)
	yTip := mineOne(t, y)
	require.Equal(t, 3, y.Chain.Len())

	require.True(t, x.AddPeer(y.Addr()))
	report, err = x.SyncWithNetwork(context.Background())
	require.NoError(t, err)
	require.True(t, report.Peers[0].Replaced)
	assert.Equal(t, 3, report.Height)

	assert.Equal(t, yTip.Hash, x.Tip().Hash)
	_, ok := x.Chain.GetBlockByHash(orphaned.Hash)
	assert.False(t, ok)
	assert.Equal(t, uint64(20), x.Chain.BalanceOf(y.wallet.Address))
	assert.True(t, x.Mempool.Has(txid), "orphaned transfer goes back to the pool")
	assert.Equal(t, float64(1), testutil.ToFloat64(x.Metrics.ChainReplaced))
	assert.Equal(t, float64(1), testutil.ToFloat64(x.Metrics.BlocksOrphaned))

	// Syncing again with an equally long chain changes nothing.
	report, err = x.SyncWithNetwork(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Peers[0].Replaced)
	assert.Equal(t, yTip.Hash, x.Tip().Hash)
}

func TestGossipPropagates(t *testing.T) {
	a := startNode(t)
	b := startNode(t, a.Addr())

	// b's startup sync introduces it to a.
	require.Eventually(t, func() bool { return a.Peers.Has(b.Addr()) }, 5*time.Second, 20*time.Millisecond)

	blk := mineOne(t, a)
	require.Eventually(t, func() bool { return b.Chain.Len() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, blk.Hash, b.Tip().Hash)

	tx, err := a.wallet.NewTransfer(b.wallet.Address, 2)
	require.NoError(t, err)
	txid, err := b.SubmitTx(tx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Mempool.Has(txid) }, 5*time.Second, 20*time.Millisecond)

	// The confirming block empties both pools.
	mineOne(t, a)
	require.Eventually(t, func() bool { return b.Chain.Len() == 2 && b.Mempool.Len() == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint64(2), b.Chain.BalanceOf(b.wallet.Address))
}

func TestWireRejectsBadBlocks(t *testing.T) {
	n := startNode(t)
	blk := mineOne(t, n)
	client := network.NewClient(network.DefaultClientConfig(), "")
	ctx := context.Background()

	// Already known: acknowledged as a duplicate.
	require.NoError(t, client.SendBlock(ctx, n.Addr(), blk))

	next := blockchain.NewBlock(blk, nil, n.wallet.Address, 10)
	for {
		h, err := next.CalcHash()
		require.NoError(t, err)
		if !blockchain.HashMeetsDifficulty(h, testDifficulty) {
			next.Hash = h
			break
		}
		next.Nonce++
	}
	err := client.SendBlock(ctx, n.Addr(), next)
	require.ErrorIs(t, err, network.ErrRejected)
	assert.Equal(t, 1, n.Chain.Len())

	forged, err := n.wallet.NewTransfer(n.wallet.Address, 1)
	require.NoError(t, err)
	forged.Amount = 9
	err = client.SendTx(ctx, n.Addr(), forged)
	require.ErrorIs(t, err, network.ErrRejected)
	assert.Zero(t, n.Mempool.Len())
}

func TestProbeDropsDeadAndSelf(t *testing.T) {
	// Only the listener runs, so no startup sync touches the peers.
	n := newNode(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- n.server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, port, err := net.SplitHostPort(n.Addr())
	require.NoError(t, err)
	alias := net.JoinHostPort("localhost", port)

	require.True(t, n.AddPeer(dead))
	require.True(t, n.AddPeer(alias))

	n.ProbePeers(ctx)
	assert.False(t, n.Peers.Has(alias), "self reached under another address")
	assert.True(t, n.Peers.Has(dead), "one failure is below the threshold")

	n.ProbePeers(ctx)
	assert.False(t, n.Peers.Has(dead))
	assert.Zero(t, testutil.ToFloat64(n.Metrics.Peers))
}

func TestNonLinkingHigherBlockTriggersSync(t *testing.T) {
	ahead := startNode(t)
	behind := startNode(t)

	var tip *blockchain.Block
	for i := 0; i < 3; i++ {
		tip = mineOne(t, ahead)
	}

	client := network.NewClient(network.DefaultClientConfig(), ahead.Addr())
	err := client.SendBlock(context.Background(), behind.Addr(), tip)
	require.ErrorIs(t, err, network.ErrRejected)

	require.Eventually(t, func() bool { return behind.Chain.Len() == 3 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, tip.Hash, behind.Tip().Hash)
	assert.True(t, behind.Peers.Has(ahead.Addr()))
}

func TestCompetingSpendDropsStaleTx(t *testing.T) {
	n := newNode(t, testConfig(t))
	a := n.wallet
	b, err := wallet.NewWallet()
	require.NoError(t, err)
	c, err := wallet.NewWallet()
	require.NoError(t, err)
	genesis := mineOne(t, n)

	local, err := a.NewTransfer(b.Address, 8)
	require.NoError(t, err)
	_, err = n.SubmitTx(local)
	require.NoError(t, err)

	// A peer confirms a different spend of the same funds first.
	competing, err := a.NewTransfer(c.Address, 8)
	require.NoError(t, err)
	blk := blockchain.NewBlock(genesis, []blockchain.Transaction{*competing}, c.Address, 10)
	_, ok, err := blk.Mine(testDifficulty, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, n.ReceiveBlock(context.Background(), blk, ""))

	assert.Equal(t, uint64(2), n.Chain.BalanceOf(a.Address))
	assert.Zero(t, n.Mempool.Len(), "unaffordable transfer leaves the pool")
	assert.Zero(t, n.Mempool.PendingDebit(a.Address))

	next := mineOne(t, n)
	assert.Equal(t, uint64(2), next.Index)
	assert.Empty(t, next.Transactions)
}

func TestReplacementReinstatesAfterReleasingDebits(t *testing.T) {
	x := startNode(t)
	y := startNode(t)
	a := x.wallet
	b, err := wallet.NewWallet()
	require.NoError(t, err)
	c, err := wallet.NewWallet()
	require.NoError(t, err)

	genesis := mineOne(t, x)
	require.True(t, y.AddPeer(x.Addr()))
	_, err = y.SyncWithNetwork(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, y.Chain.Len())
	x.Peers.Remove(y.Addr())
	y.Peers.Remove(x.Addr())

	// Both pools hold the same transfer.
	shared, err := a.NewTransfer(b.Address, 6)
	require.NoError(t, err)
	_, err = x.SubmitTx(shared)
	require.NoError(t, err)
	_, err = y.SubmitTx(shared)
	require.NoError(t, err)

	// x confirms a different, smaller spend while the shared one waits.
	local, err := a.NewTransfer(c.Address, 4)
	require.NoError(t, err)
	blk := blockchain.NewBlock(genesis, []blockchain.Transaction{*local}, c.Address, 10)
	_, ok, err := blk.Mine(testDifficulty, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, x.ReceiveBlock(context.Background(), blk, ""))
	require.True(t, x.Mempool.Has(shared.TxID))

	// y confirms the shared transfer instead and gets ahead.
	mineOne(t, y)
	mineOne(t, y)
	require.True(t, x.AddPeer(y.Addr()))
	report, err := x.SyncWithNetwork(context.Background())
	require.NoError(t, err)
	require.True(t, report.Peers[0].Replaced)

	assert.Equal(t, uint64(4), x.Chain.BalanceOf(a.Address))
	assert.False(t, x.Mempool.Has(shared.TxID))
	assert.True(t, x.Mempool.Has(local.TxID), "orphaned spend fits the new chain")
	assert.Equal(t, uint64(4), x.Mempool.PendingDebit(a.Address))
}
