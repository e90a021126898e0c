package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shadowledger/config"
	"shadowledger/logger"
)

type GlobalFlags struct {
	ConfigFile string
	DataDir    string
	LogLevel   string
	APIURL     string // gateway used by client commands
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:           "shadowledger",
	Short:         "Proof-of-work account ledger node and client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "shadowledger.yaml", "YAML config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.DataDir, "data-dir", "", "override data_dir")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "override log.level")
	rootCmd.PersistentFlags().StringVar(&globalFlags.APIURL, "api", "http://127.0.0.1:8000", "gateway URL for client commands")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(mineCmd)
}

// loadConfig reads the config file and applies the global overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalFlags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if globalFlags.DataDir != "" {
		cfg.DataDir = globalFlags.DataDir
	}
	if globalFlags.LogLevel != "" {
		cfg.Log.Level = globalFlags.LogLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Log)
}

// walletPath resolves the miner wallet file relative to the data dir.
func walletPath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Miner.WalletFile) {
		return cfg.Miner.WalletFile
	}
	return filepath.Join(cfg.DataDir, cfg.Miner.WalletFile)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
