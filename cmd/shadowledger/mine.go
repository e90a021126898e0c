package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"shadowledger/node"
)

var mineCount int

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Mine blocks on the local chain without running the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Miner.Enabled = false
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return err
		}
		w, err := loadOrCreateMinerWallet(walletPath(cfg), log)
		if err != nil {
			return err
		}
		cfg.P2P.Listen = "127.0.0.1:0"
		n, err := node.New(cfg, w.Address, log)
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		for i := 0; i < mineCount; i++ {
			b, err := n.Miner.MineOnce(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(map[string]interface{}{
				"index": b.Index,
				"hash":  b.Hash,
				"nonce": b.Nonce,
				"txs":   len(b.Transactions),
			}); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	mineCmd.Flags().IntVarP(&mineCount, "count", "n", 1, "blocks to mine")
}
