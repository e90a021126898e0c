package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shadowledger/chain"
	"shadowledger/config"
	"shadowledger/database"
	"shadowledger/logger"
	"shadowledger/wallet"
)

var chainFile string

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Offline chain file tools (stop the node first)",
}

var chainExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the chain as a JSON array of blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *chain.Store) error {
			out := os.Stdout
			if chainFile != "" && chainFile != "-" {
				f, err := os.Create(chainFile)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return s.ExportJSON(out)
		})
	},
}

var chainImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Adopt an exported chain if it is longer and valid",
	RunE: func(cmd *cobra.Command, args []string) error {
		if chainFile == "" {
			return fmt.Errorf("--file is required")
		}
		f, err := os.Open(chainFile)
		if err != nil {
			return err
		}
		defer f.Close()
		return withStore(func(s *chain.Store) error {
			res, err := s.ImportJSON(f)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"height":     s.Len(),
				"divergence": res.Divergence,
				"orphaned":   len(res.Removed),
				"adopted":    len(res.Added),
			})
		})
	},
}

var chainVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-validate every stored block",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *chain.Store) error {
			if err := s.Verify(); err != nil {
				return err
			}
			tip := s.Tip()
			res := map[string]interface{}{"height": s.Len(), "valid": true}
			if tip != nil {
				res["tip"] = tip.Hash
			}
			return printJSON(res)
		})
	},
}

// withStore opens the node database directly. Opening re-validates the
// stored chain, so a corrupt file fails here.
func withStore(fn func(s *chain.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	db, err := database.OpenDB(cfg.ChainFile())
	if err != nil {
		return err
	}
	defer db.Close()

	keys := wallet.NewDirectory(db)
	if err := keys.Load(); err != nil {
		return err
	}
	s, err := chain.Open(db, chainParams(cfg), keys, logger.Module(log, "chain"))
	if err != nil {
		return err
	}
	return fn(s)
}

func chainParams(cfg *config.Config) chain.Params {
	return chain.Params{
		Difficulty:     cfg.Chain.Difficulty,
		Reward:         cfg.Chain.Reward,
		PersistRetries: cfg.Chain.PersistRetries,
	}
}

func init() {
	chainExportCmd.Flags().StringVarP(&chainFile, "file", "f", "-", "output file, - for stdout")
	chainImportCmd.Flags().StringVarP(&chainFile, "file", "f", "", "exported chain file")

	chainCmd.AddCommand(chainExportCmd)
	chainCmd.AddCommand(chainImportCmd)
	chainCmd.AddCommand(chainVerifyCmd)
}
