package node

import (
	"strconv"

	"shadowledger/blockchain"
	"shadowledger/miner"
	"shadowledger/network"
)

// Balance is an address's confirmed balance and what is still spendable
// after its pending mempool debits.
type Balance struct {
	Address   string `json:"address"`
	Confirmed uint64 `json:"confirmed"`
	Pending   uint64 `json:"pending"`
	Available uint64 `json:"available"`
}

func (n *Node) Balance(addr string) Balance {
	confirmed := n.Chain.BalanceOf(addr)
	pending := n.Mempool.PendingDebit(addr)
	b := Balance{Address: addr, Confirmed: confirmed, Pending: pending}
	if pending < confirmed {
		b.Available = confirmed - pending
	}
	return b
}

const (
	TxConfirmed = "confirmed"
	TxPending   = "pending"
)

type TxStatus struct {
	Status     string                 `json:"status"`
	Tx         blockchain.Transaction `json:"tx"`
	BlockIndex *uint64                `json:"block_index,omitempty"`
	BlockHash  string                 `json:"block_hash,omitempty"`
}

// FindTx looks txid up in the chain first, then in the mempool.
func (n *Node) FindTx(txid string) (*TxStatus, bool) {
	if l, ok := n.Chain.FindTransaction(txid); ok {
		idx := l.BlockIndex
		return &TxStatus{Status: TxConfirmed, Tx: l.Tx, BlockIndex: &idx, BlockHash: l.BlockHash}, true
	}
	if tx, ok := n.Mempool.Get(txid); ok {
		return &TxStatus{Status: TxPending, Tx: *tx}, true
	}
	return nil, false
}

// Block resolves id as a height when it is a decimal number, otherwise as
// a block hash.
func (n *Node) Block(id string) (*blockchain.Block, bool) {
	if i, err := strconv.ParseUint(id, 10, 64); err == nil {
		return n.Chain.GetBlockByIndex(i)
	}
	return n.Chain.GetBlockByHash(id)
}

func (n *Node) PeerInfos() []network.PeerInfo { return n.Peers.Infos() }

// AddPeer adds addr to the peer set and reports whether it was new.
func (n *Node) AddPeer(addr string) bool {
	added := n.Peers.Add(addr)
	if added {
		n.Metrics.Peers.Set(float64(n.Peers.Len()))
	}
	return added
}

func (n *Node) MinerStats() miner.Stats { return n.Miner.Stats() }
