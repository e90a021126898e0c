package rpc

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"shadowledger/blockchain"
	"shadowledger/wallet"
)

// The node wallet endpoints spend from the key the node mines with.

type SendRequest struct {
	To     string `json:"to" binding:"required"`
	Amount uint64 `json:"amount"`
}

type WalletInfo struct {
	Address   string `json:"address"`
	Confirmed uint64 `json:"confirmed"`
	Pending   uint64 `json:"pending"`
	Available uint64 `json:"available"`
}

func (s *Server) registerWallet(r gin.IRouter, w *wallet.Wallet) {
	s.wallet = w
	r.GET("/wallet", s.getWallet)
	r.POST("/wallet/send", s.postSend)
}

func (s *Server) getWallet(c *gin.Context) {
	bal := s.backend.Balance(s.wallet.Address)
	writeResult(c, WalletInfo{
		Address:   s.wallet.Address,
		Confirmed: bal.Confirmed,
		Pending:   bal.Pending,
		Available: bal.Available,
	})
}

func (s *Server) postSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", blockchain.ErrMalformedInput, err))
		return
	}
	tx, err := s.wallet.NewTransfer(req.To, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	txid, err := s.backend.SubmitTx(tx)
	switch {
	case err == nil:
		writeResult(c, SubmitTxResult{TxID: txid})
	case errors.Is(err, blockchain.ErrDuplicate):
		writeResult(c, SubmitTxResult{TxID: txid, Duplicate: true})
	default:
		writeError(c, err)
	}
}
