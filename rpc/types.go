package rpc

import (
	"context"

	"shadowledger/blockchain"
	"shadowledger/miner"
	"shadowledger/network"
	"shadowledger/node"
)

// Response wraps every gateway answer.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type SubmitTxResult struct {
	TxID      string `json:"txid"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type AddPeerRequest struct {
	Addr string `json:"addr" binding:"required"`
}

type AddPeerResult struct {
	Addr  string `json:"addr"`
	Added bool   `json:"added"`
}

type ChainResult struct {
	Height int                 `json:"height"`
	Blocks []*blockchain.Block `json:"blocks"`
}

type MempoolResult struct {
	Size         int                      `json:"size"`
	Transactions []blockchain.Transaction `json:"transactions"`
}

// Backend is what the gateway needs from a node. *node.Node implements it.
type Backend interface {
	Balance(addr string) node.Balance
	SubmitTx(tx *blockchain.Transaction) (string, error)
	FindTx(txid string) (*node.TxStatus, bool)
	Block(id string) (*blockchain.Block, bool)
	ChainBlocks() []*blockchain.Block
	PendingTxs() []blockchain.Transaction
	PeerInfos() []network.PeerInfo
	AddPeer(addr string) bool
	SyncWithNetwork(ctx context.Context) (*node.SyncReport, error)
	MinerStats() miner.Stats
}

var _ Backend = (*node.Node)(nil)
