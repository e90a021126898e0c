package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	doc := `
data_dir: /tmp/x
chain:
  difficulty: 8
mempool:
  freshness_window: 90s
miner:
  enabled: false
p2p:
  listen: 127.0.0.1:9001
  bootstrap: 127.0.0.1:9002,127.0.0.1:9003
  probe_interval: 2s
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", cfg.DataDir)
	assert.Equal(t, 8, cfg.Chain.Difficulty)
	assert.Equal(t, uint64(10), cfg.Chain.Reward)
	assert.Equal(t, 90*time.Second, cfg.Mempool.FreshnessWindow)
	assert.False(t, cfg.Miner.Enabled)
	assert.Equal(t, []string{"127.0.0.1:9002", "127.0.0.1:9003"}, cfg.P2P.Bootstrap)
	assert.Equal(t, 2*time.Second, cfg.P2P.ProbeInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/x/chain.db", cfg.ChainFile())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain:\n  dificulty: 3\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.P2P.MaxFailures = 0
	assert.Error(t, cfg.Validate())
}
