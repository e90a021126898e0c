package network

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadowledger/database"
)

func TestPeerSetAddIgnoresSelfAndJunk(t *testing.T) {
	ps := NewPeerSet("127.0.0.1:9000", 3, nil, nil)
	assert.True(t, ps.Add("127.0.0.1:9001"))
	assert.False(t, ps.Add("127.0.0.1:9001"))
	assert.False(t, ps.Add("127.0.0.1:9000"))
	assert.False(t, ps.Add("no-port"))
	assert.Equal(t, 2, ps.AddMany([]string{"127.0.0.1:9003", "127.0.0.1:9002", "127.0.0.1:9001"}))
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003"}, ps.List())
}

func TestPeerSetRemovesAfterConsecutiveFailures(t *testing.T) {
	ps := NewPeerSet("", 3, nil, nil)
	ps.Add("10.0.0.1:1")

	assert.False(t, ps.MarkFailed("10.0.0.1:1"))
	assert.False(t, ps.MarkFailed("10.0.0.1:1"))
	ps.MarkAlive("10.0.0.1:1") // resets the streak
	assert.False(t, ps.MarkFailed("10.0.0.1:1"))
	assert.False(t, ps.MarkFailed("10.0.0.1:1"))
	assert.True(t, ps.MarkFailed("10.0.0.1:1"))
	assert.False(t, ps.Has("10.0.0.1:1"))
	assert.False(t, ps.MarkFailed("10.0.0.1:1"))
}

func TestPeerSetPersists(t *testing.T) {
	db, err := database.OpenDB(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	defer db.Close()

	ps := NewPeerSet("", 2, db, nil)
	ps.AddMany([]string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3"})
	ps.MarkFailed("10.0.0.2:2")
	ps.MarkFailed("10.0.0.2:2")
	ps.MarkFailed("10.0.0.3:3")

	again := NewPeerSet("10.0.0.1:1", 2, db, nil)
	require.NoError(t, again.Load())
	assert.Equal(t, []string{"10.0.0.3:3"}, again.List())
	assert.Equal(t, 1, again.Infos()[0].Failures)
}

func TestSetSelfDropsOwnAddress(t *testing.T) {
	ps := NewPeerSet("", 3, nil, nil)
	ps.Add("127.0.0.1:7000")
	ps.SetSelf("127.0.0.1:7000")
	assert.Equal(t, 0, ps.Len())
	assert.False(t, ps.Add("127.0.0.1:7000"))
}
