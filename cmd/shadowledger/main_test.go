package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadowledger/wallet"
)

func TestWalletCommands(t *testing.T) {
	file := filepath.Join(t.TempDir(), "w.wif")

	rootCmd.SetArgs([]string{"wallet", "new", "--wallet", file})
	require.NoError(t, rootCmd.Execute())
	w, err := wallet.LoadWallet(file)
	require.NoError(t, err)

	// A second wallet never silently replaces the first.
	rootCmd.SetArgs([]string{"wallet", "new", "--wallet", file})
	require.Error(t, rootCmd.Execute())

	again, err := wallet.LoadWallet(file)
	require.NoError(t, err)
	assert.Equal(t, w.Address, again.Address)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	globalFlags = GlobalFlags{
		ConfigFile: filepath.Join(dir, "absent.yaml"),
		DataDir:    dir,
		LogLevel:   "debug",
	}
	t.Cleanup(func() { globalFlags = GlobalFlags{} })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, filepath.Join(dir, "wallet.wif"), walletPath(cfg))

	cfg.Miner.WalletFile = "/abs/miner.wif"
	assert.Equal(t, "/abs/miner.wif", walletPath(cfg))
}
