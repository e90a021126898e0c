package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shadowledger/network"
	"shadowledger/node"
	"shadowledger/rpc"
	"shadowledger/wallet"
)

var (
	txWallet string
	txTo     string
	txAmount uint64
	txPeer   string
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Transactions",
}

var txSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign a transfer and submit it",
	Long: "Sign a transfer with the wallet key and submit it to the gateway, " +
		"or straight to a peer as new_tx when --peer is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if txTo == "" {
			return errors.New("--to is required")
		}
		w, err := wallet.LoadWallet(txWallet)
		if err != nil {
			return err
		}
		tx, err := w.NewTransfer(txTo, txAmount)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if txPeer != "" {
			client := network.NewClient(network.DefaultClientConfig(), "")
			if err := client.SendTx(ctx, txPeer, tx); err != nil {
				return err
			}
			return printJSON(rpc.SubmitTxResult{TxID: tx.TxID})
		}

		var res rpc.SubmitTxResult
		if err := callAPI(ctx, "POST", "/tx", tx, &res); err != nil {
			return err
		}
		return printJSON(res)
	},
}

var txGetCmd = &cobra.Command{
	Use:   "get <txid>",
	Short: "Look up a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st node.TxStatus
		if err := callAPI(cmd.Context(), "GET", "/tx/"+args[0], nil, &st); err != nil {
			return err
		}
		return printJSON(st)
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <address>",
	Short: "Show an address balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var bal node.Balance
		if err := callAPI(cmd.Context(), "GET", "/balance/"+args[0], nil, &bal); err != nil {
			return err
		}
		fmt.Printf("%s confirmed=%d pending=%d available=%d\n", bal.Address, bal.Confirmed, bal.Pending, bal.Available)
		return nil
	},
}

func init() {
	f := txSendCmd.Flags()
	f.StringVarP(&txWallet, "wallet", "w", "wallet.wif", "sender wallet key file")
	f.StringVar(&txTo, "to", "", "recipient address")
	f.Uint64Var(&txAmount, "amount", 0, "amount in minor units")
	f.StringVar(&txPeer, "peer", "", "send to this peer host:port instead of the gateway")

	txCmd.AddCommand(txSendCmd)
	txCmd.AddCommand(txGetCmd)
}
