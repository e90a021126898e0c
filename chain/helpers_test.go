package chain

import (
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"shadowledger/blockchain"
)

const testDifficulty = 6

func testParams() Params {
	return Params{Difficulty: testDifficulty, Reward: 10, PersistRetries: 2}
}

// seq keeps test transactions created within one millisecond distinct.
var seq atomic.Int64

type account struct {
	priv *btcec.PrivateKey
	addr string
}

func newAccount(t *testing.T) account {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return account{priv: priv, addr: blockchain.PubKeyToAddress(priv.PubKey().SerializeCompressed())}
}

func (a account) pay(t *testing.T, to string, amount uint64) blockchain.Transaction {
	t.Helper()
	tx := blockchain.NewTransaction(a.addr, to, amount)
	tx.Timestamp += seq.Add(1)
	require.NoError(t, blockchain.Seal(tx, a.priv))
	return *tx
}

func mine(t *testing.T, prev *blockchain.Block, miner string, txs ...blockchain.Transaction) *blockchain.Block {
	t.Helper()
	b := blockchain.NewBlock(prev, txs, miner, 10)
	_, ok, err := b.Mine(testDifficulty, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	return b
}

// mineFailing returns b with a nonce whose hash misses the difficulty but
// whose Hash field matches its contents.
func mineFailing(t *testing.T, b *blockchain.Block) *blockchain.Block {
	t.Helper()
	for {
		h, err := b.CalcHash()
		require.NoError(t, err)
		if !blockchain.HashMeetsDifficulty(h, testDifficulty) {
			b.Hash = h
			return b
		}
		b.Nonce++
	}
}

// extend mines n empty blocks on top of prev.
func extend(t *testing.T, prev *blockchain.Block, miner string, n int) []*blockchain.Block {
	t.Helper()
	var out []*blockchain.Block
	for i := 0; i < n; i++ {
		prev = mine(t, prev, miner)
		out = append(out, prev)
	}
	return out
}
