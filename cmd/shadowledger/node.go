package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shadowledger/config"
	"shadowledger/logger"
	"shadowledger/node"
	"shadowledger/rpc"
	"shadowledger/wallet"
)

var (
	nodeListen    string
	nodeAdvertise string
	nodeBootstrap []string
	nodeMine      bool
	nodeNoAPI     bool
	nodeAPIListen string
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a full node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyNodeFlags(cmd, cfg)

		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return err
		}
		minerWallet, err := loadOrCreateMinerWallet(walletPath(cfg), log)
		if err != nil {
			return err
		}

		n, err := node.New(cfg, minerWallet.Address, log)
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return n.Run(gctx) })
		if cfg.API.Enabled {
			api := rpc.NewServer(n, n.Metrics, minerWallet, logger.Module(log, "api"))
			g.Go(func() error { return api.Run(gctx, cfg.API.Listen) })
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	f := nodeCmd.Flags()
	f.StringVar(&nodeListen, "listen", "", "p2p listen address (overrides p2p.listen)")
	f.StringVar(&nodeAdvertise, "advertise", "", "address peers should dial")
	f.StringSliceVar(&nodeBootstrap, "bootstrap", nil, "bootstrap peers host:port")
	f.BoolVar(&nodeMine, "mine", true, "run the miner")
	f.BoolVar(&nodeNoAPI, "no-api", false, "disable the HTTP gateway")
	f.StringVar(&nodeAPIListen, "api-listen", "", "gateway listen address (overrides api.listen)")
}

// applyNodeFlags lets explicitly set flags win over the config file.
func applyNodeFlags(cmd *cobra.Command, cfg *config.Config) {
	if nodeListen != "" {
		cfg.P2P.Listen = nodeListen
	}
	if nodeAdvertise != "" {
		cfg.P2P.Advertise = nodeAdvertise
	}
	if len(nodeBootstrap) > 0 {
		cfg.P2P.Bootstrap = append(cfg.P2P.Bootstrap, nodeBootstrap...)
	}
	if cmd.Flags().Changed("mine") {
		cfg.Miner.Enabled = nodeMine
	}
	if nodeNoAPI {
		cfg.API.Enabled = false
	}
	if nodeAPIListen != "" {
		cfg.API.Listen = nodeAPIListen
	}
}

func loadOrCreateMinerWallet(path string, log *zap.Logger) (*wallet.Wallet, error) {
	if _, err := os.Stat(path); err == nil {
		w, err := wallet.LoadWallet(path)
		if err != nil {
			return nil, err
		}
		log.Info("miner wallet loaded", zap.String("address", w.Address))
		return w, nil
	}
	w, err := wallet.NewWallet()
	if err != nil {
		return nil, err
	}
	if err := wallet.SaveWallet(path, w); err != nil {
		return nil, err
	}
	log.Info("miner wallet created", zap.String("address", w.Address), zap.String("file", path))
	return w, nil
}
