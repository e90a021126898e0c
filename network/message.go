package network

import (
	"encoding/json"
	"fmt"

	"shadowledger/blockchain"
)

type MsgType string

const (
	MsgPing         MsgType = "ping"
	MsgPong         MsgType = "pong"
	MsgGetChain     MsgType = "get_chain"
	MsgChain        MsgType = "chain"
	MsgGetMempool   MsgType = "get_mempool"
	MsgMempool      MsgType = "mempool"
	MsgNewBlock     MsgType = "new_block"
	MsgNewTx        MsgType = "new_tx"
	MsgOK           MsgType = "ok"
	MsgError        MsgType = "error"
	MsgGetPeers     MsgType = "get_peers"
	MsgPeers        MsgType = "peers"
	MsgSyncRequest  MsgType = "sync_request"
	MsgSyncResponse MsgType = "sync_response"
)

// RejectedPayload is the only detail an error response ever carries.
const RejectedPayload = "rejected"

// Message is one framed wire message. From is the sender's advertised
// listen address, empty for clients that do not accept connections.
type Message struct {
	Type MsgType         `json:"type"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type PingPayload struct {
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"node_id"`
}

type PongPayload struct {
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Height    int    `json:"height"`
}

type ChainPayload struct {
	Blocks []*blockchain.Block `json:"blocks"`
}

type MempoolPayload struct {
	Transactions []blockchain.Transaction `json:"transactions"`
}

type PeersPayload struct {
	Peers []string `json:"peers"`
}

type NewBlockPayload struct {
	Block *blockchain.Block `json:"block"`
}

type NewTxPayload struct {
	Transaction *blockchain.Transaction `json:"transaction"`
}

// AckPayload answers an accepted new_block or new_tx.
type AckPayload struct {
	Duplicate bool `json:"duplicate,omitempty"`
}

type SyncResponsePayload struct {
	Chain   []*blockchain.Block      `json:"chain"`
	Mempool []blockchain.Transaction `json:"mempool"`
	Peers   []string                 `json:"peers"`
}

// NewMessage encodes payload (nil for none) into a message.
func NewMessage(t MsgType, from string, payload any) (*Message, error) {
	msg := &Message{Type: t, From: from}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return msg, nil
}

// ParsePayload decodes the message data into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s message has no payload", blockchain.ErrMalformedInput, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", blockchain.ErrMalformedInput, m.Type, err)
	}
	return nil
}

func errorMessage(from string) *Message {
	msg, _ := NewMessage(MsgError, from, RejectedPayload)
	return msg
}
