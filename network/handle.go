package network

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"shadowledger/blockchain"
)

// Backend is the node state the protocol handler reads and feeds.
type Backend interface {
	NodeID() string
	Height() int
	ChainBlocks() []*blockchain.Block
	PendingTxs() []blockchain.Transaction
	PeerList() []string
	LearnPeers(addrs []string)
	ReceiveBlock(ctx context.Context, b *blockchain.Block, from string) error
	ReceiveTx(ctx context.Context, tx *blockchain.Transaction, from string) error
}

// Dispatcher turns wire messages into Backend calls. Validation failures
// leave this package only as a bare "rejected" error message.
type Dispatcher struct {
	backend Backend
	self    func() string
	log     *zap.Logger
}

// NewDispatcher answers on behalf of backend; self returns the local
// advertised address stamped on responses.
func NewDispatcher(backend Backend, self func() string, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{backend: backend, self: self, log: log}
}

func (d *Dispatcher) HandleMessage(ctx context.Context, msg *Message) *Message {
	from := d.self()
	if msg.From != "" && msg.From != from {
		d.backend.LearnPeers([]string{msg.From})
	}

	var (
		resp *Message
		err  error
	)
	switch msg.Type {
	case MsgPing:
		resp, err = NewMessage(MsgPong, from, PongPayload{
			Timestamp: time.Now().UnixMilli(),
			NodeID:    d.backend.NodeID(),
			Height:    d.backend.Height(),
		})

	case MsgGetChain:
		resp, err = NewMessage(MsgChain, from, ChainPayload{Blocks: d.backend.ChainBlocks()})

	case MsgGetMempool:
		resp, err = NewMessage(MsgMempool, from, MempoolPayload{Transactions: d.backend.PendingTxs()})

	case MsgGetPeers:
		resp, err = NewMessage(MsgPeers, from, PeersPayload{Peers: d.backend.PeerList()})

	case MsgSyncRequest:
		resp, err = NewMessage(MsgSyncResponse, from, SyncResponsePayload{
			Chain:   d.backend.ChainBlocks(),
			Mempool: d.backend.PendingTxs(),
			Peers:   d.backend.PeerList(),
		})

	case MsgNewBlock:
		var p NewBlockPayload
		if err = msg.ParsePayload(&p); err == nil && p.Block == nil {
			err = blockchain.ErrMalformedInput
		}
		if err == nil {
			err = d.backend.ReceiveBlock(ctx, p.Block, msg.From)
		}
		resp, err = d.ack(err)

	case MsgNewTx:
		var p NewTxPayload
		if err = msg.ParsePayload(&p); err == nil && p.Transaction == nil {
			err = blockchain.ErrMalformedInput
		}
		if err == nil {
			err = d.backend.ReceiveTx(ctx, p.Transaction, msg.From)
		}
		resp, err = d.ack(err)

	default:
		d.log.Debug("unknown message type", zap.String("type", string(msg.Type)), zap.String("from", msg.From))
		return errorMessage(from)
	}

	if err != nil {
		d.log.Debug("request rejected", zap.String("type", string(msg.Type)), zap.String("from", msg.From), zap.Error(err))
		return errorMessage(from)
	}
	return resp
}

func (d *Dispatcher) ack(err error) (*Message, error) {
	switch {
	case err == nil:
		return NewMessage(MsgOK, d.self(), AckPayload{})
	case errors.Is(err, blockchain.ErrDuplicate):
		return NewMessage(MsgOK, d.self(), AckPayload{Duplicate: true})
	}
	return nil, err
}
