package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shadowledger/wallet"
)

var (
	walletFile       string
	walletMnemonic   string
	walletPassphrase string
	walletForce      bool
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Create and inspect wallets",
}

var walletNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a wallet and save its key",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := wallet.NewWallet()
		if err != nil {
			return err
		}
		if err := saveWallet(w); err != nil {
			return err
		}
		return printJSON(map[string]string{
			"address":  w.Address,
			"mnemonic": w.Mnemonic,
			"file":     walletFile,
		})
	},
}

var walletRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild a wallet from its mnemonic",
	RunE: func(cmd *cobra.Command, args []string) error {
		if walletMnemonic == "" {
			return errors.New("--mnemonic is required")
		}
		w, err := wallet.FromMnemonic(walletMnemonic, walletPassphrase)
		if err != nil {
			return err
		}
		if err := saveWallet(w); err != nil {
			return err
		}
		return printJSON(map[string]string{"address": w.Address, "file": walletFile})
	},
}

var walletAddressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the address of a saved wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := wallet.LoadWallet(walletFile)
		if err != nil {
			return err
		}
		fmt.Println(w.Address)
		return nil
	},
}

func saveWallet(w *wallet.Wallet) error {
	if _, err := os.Stat(walletFile); err == nil && !walletForce {
		return fmt.Errorf("%s exists, use --force to overwrite", walletFile)
	}
	return wallet.SaveWallet(walletFile, w)
}

func init() {
	walletCmd.PersistentFlags().StringVarP(&walletFile, "wallet", "w", "wallet.wif", "wallet key file")
	walletNewCmd.Flags().BoolVar(&walletForce, "force", false, "overwrite an existing wallet file")
	walletRecoverCmd.Flags().BoolVar(&walletForce, "force", false, "overwrite an existing wallet file")
	walletRecoverCmd.Flags().StringVar(&walletMnemonic, "mnemonic", "", "BIP-39 phrase")
	walletRecoverCmd.Flags().StringVar(&walletPassphrase, "passphrase", "", "optional BIP-39 passphrase")

	walletCmd.AddCommand(walletNewCmd)
	walletCmd.AddCommand(walletRecoverCmd)
	walletCmd.AddCommand(walletAddressCmd)
}
