package blockchain

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		hash []byte
		want int
	}{
		{[]byte{0xff}, 0},
		{[]byte{0x80}, 0},
		{[]byte{0x7f}, 1},
		{[]byte{0x00, 0x10}, 11},
		{[]byte{0x00, 0x00, 0x01}, 23},
		{make([]byte, 4), 32},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, LeadingZeroBits(c.hash), "%x", c.hash)
	}
	assert.True(t, MeetsDifficulty([]byte{0x00, 0x10}, 11))
	assert.False(t, MeetsDifficulty([]byte{0x00, 0x10}, 12))
}

func TestHasherMatchesCalcHash(t *testing.T) {
	b := NewBlock(nil, []Transaction{{Sender: "a", Recipient: "b", Amount: 3, Timestamp: 10, TxID: "x"}}, "miner", 10)
	h, err := b.Hasher()
	require.NoError(t, err)

	for _, nonce := range []uint64{0, 1, 99999} {
		b.Nonce = nonce
		want, err := b.CalcHash()
		require.NoError(t, err)
		sum := h.Sum(nonce)
		assert.Equal(t, want, hex.EncodeToString(sum[:]))
	}
}

func TestBlockHashCoversEveryField(t *testing.T) {
	base := &Block{
		Index: 1, Timestamp: 5, PreviousHash: GenesisPrevHash, Nonce: 7, Reward: 10,
		MinerAddress: "m", Transactions: []Transaction{{Sender: "a", Recipient: "b", Amount: 1, Timestamp: 1}},
	}
	ref, err := base.CalcHash()
	require.NoError(t, err)

	mutations := []func(b *Block){
		func(b *Block) { b.Index++ },
		func(b *Block) { b.Timestamp++ },
		func(b *Block) { b.PreviousHash = "1" + b.PreviousHash[1:] },
		func(b *Block) { b.Nonce++ },
		func(b *Block) { b.Reward++ },
		func(b *Block) { b.MinerAddress = "n" },
		func(b *Block) { b.Transactions[0].Amount++ },
		func(b *Block) { b.Transactions = nil },
	}
	for i, mutate := range mutations {
		c := base.Clone()
		mutate(c)
		got, err := c.CalcHash()
		require.NoError(t, err)
		assert.NotEqual(t, ref, got, "mutation %d", i)
	}
}

func TestNewBlockLinksToPredecessor(t *testing.T) {
	genesis := NewBlock(nil, nil, "m", 10)
	assert.Equal(t, uint64(0), genesis.Index)
	assert.Equal(t, GenesisPrevHash, genesis.PreviousHash)

	genesis.Hash = "abc"
	next := NewBlock(genesis, nil, "m", 10)
	assert.Equal(t, uint64(1), next.Index)
	assert.Equal(t, "abc", next.PreviousHash)
}

func TestMineFindsValidHash(t *testing.T) {
	b := NewBlock(nil, nil, "miner", 10)
	attempts, ok, err := b.Mine(8, 16, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, attempts, uint64(0))
	assert.True(t, HashMeetsDifficulty(b.Hash, 8))

	h, err := b.CalcHash()
	require.NoError(t, err)
	assert.Equal(t, h, b.Hash)
}

func TestMineAbortsAtPollInterval(t *testing.T) {
	b := NewBlock(nil, nil, "miner", 10)
	calls := 0
	attempts, ok, err := b.Mine(256, 100, func() bool {
		calls++
		return calls > 3
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(300), attempts)
	assert.Empty(t, b.Hash)
}
