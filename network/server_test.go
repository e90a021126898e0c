package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadowledger/blockchain"
)

type fakeBackend struct {
	mu      sync.Mutex
	blocks  []*blockchain.Block
	learned []string
	err     error
	from    []string
}

func (b *fakeBackend) NodeID() string { return "fake" }
func (b *fakeBackend) Height() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}
func (b *fakeBackend) ChainBlocks() []*blockchain.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocks
}
func (b *fakeBackend) PendingTxs() []blockchain.Transaction {
	return []blockchain.Transaction{{Sender: "a", Recipient: "b", Amount: 1, Timestamp: 1, TxID: "t"}}
}
func (b *fakeBackend) PeerList() []string { return []string{"10.0.0.9:9"} }
func (b *fakeBackend) LearnPeers(addrs []string) {
	b.mu.Lock()
	b.learned = append(b.learned, addrs...)
	b.mu.Unlock()
}
func (b *fakeBackend) ReceiveBlock(_ context.Context, blk *blockchain.Block, from string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.from = append(b.from, from)
	if b.err != nil {
		return b.err
	}
	b.blocks = append(b.blocks, blk)
	return nil
}
func (b *fakeBackend) ReceiveTx(_ context.Context, _ *blockchain.Transaction, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func startServer(t *testing.T, backend Backend) (*Server, func()) {
	t.Helper()
	var srv *Server
	d := NewDispatcher(backend, func() string { return srv.Addr() }, nil)
	srv = NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", IdleTimeout: 2 * time.Second}, d, nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	return srv, func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	}
}

func testClient(from string) *Client {
	cfg := DefaultClientConfig()
	cfg.DialTimeout = 500 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second
	cfg.Retries = 1
	return NewClient(cfg, from)
}

func TestPingAndQueries(t *testing.T) {
	backend := &fakeBackend{}
	srv, stop := startServer(t, backend)
	defer stop()

	c := testClient("127.0.0.1:5555")
	ctx := context.Background()

	pong, err := c.Ping(ctx, srv.Addr(), "me")
	require.NoError(t, err)
	assert.Equal(t, "fake", pong.NodeID)

	peers, err := c.GetPeers(ctx, srv.Addr())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9:9"}, peers)

	pool, err := c.GetMempool(ctx, srv.Addr())
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, "t", pool[0].TxID)

	snap, err := c.Sync(ctx, srv.Addr())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9:9"}, snap.Peers)

	backend.mu.Lock()
	assert.Contains(t, backend.learned, "127.0.0.1:5555")
	backend.mu.Unlock()
}

func TestNewBlockAcceptedAndRejected(t *testing.T) {
	backend := &fakeBackend{}
	srv, stop := startServer(t, backend)
	defer stop()
	c := testClient("")
	ctx := context.Background()

	blk := &blockchain.Block{Index: 0, Hash: "h", MinerAddress: "m"}
	require.NoError(t, c.SendBlock(ctx, srv.Addr(), blk))
	chain, err := c.GetChain(ctx, srv.Addr())
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "h", chain[0].Hash)

	backend.mu.Lock()
	backend.err = blockchain.ErrDuplicate
	backend.mu.Unlock()
	assert.NoError(t, c.SendBlock(ctx, srv.Addr(), blk))

	backend.mu.Lock()
	backend.err = blockchain.ErrProofOfWork
	backend.mu.Unlock()
	err = c.SendBlock(ctx, srv.Addr(), blk)
	assert.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, blockchain.ErrProofOfWork)

	err = c.SendTx(ctx, srv.Addr(), &blockchain.Transaction{Sender: "a"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestErrorResponseIsGeneric(t *testing.T) {
	backend := &fakeBackend{err: blockchain.ErrInsufficientBalance}
	srv, stop := startServer(t, backend)
	defer stop()

	msg, err := NewMessage(MsgNewTx, "", NewTxPayload{Transaction: &blockchain.Transaction{Sender: "a"}})
	require.NoError(t, err)
	resp, err := testClient("").Request(context.Background(), srv.Addr(), msg)
	require.ErrorIs(t, err, ErrRejected)
	var detail string
	require.NoError(t, resp.ParsePayload(&detail))
	assert.Equal(t, RejectedPayload, detail)

	unknown := &Message{Type: "bogus"}
	_, err = testClient("").Request(context.Background(), srv.Addr(), unknown)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSeveralExchangesOnOneConnection(t *testing.T) {
	srv, stop := startServer(t, &fakeBackend{})
	defer stop()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		msg, err := NewMessage(MsgPing, "", PingPayload{Timestamp: int64(i)})
		require.NoError(t, err)
		require.NoError(t, WriteMessage(conn, msg))
		resp, err := ReadMessage(conn, 0)
		require.NoError(t, err)
		assert.Equal(t, MsgPong, resp.Type)
	}
}

func TestUnreachablePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = testClient("").Ping(context.Background(), addr, "me")
	assert.ErrorIs(t, err, blockchain.ErrPeerUnreachable)
}

func TestShutdownWithIdleConnection(t *testing.T) {
	srv, stop := startServer(t, &fakeBackend{})
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	stop()
	_, err = ReadMessage(conn, 0)
	assert.Error(t, err)
}
