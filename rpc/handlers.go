package rpc

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"shadowledger/blockchain"
)

func (s *Server) getBalance(c *gin.Context) {
	addr := c.Param("address")
	if err := blockchain.ValidateAddress(addr); err != nil {
		writeError(c, err)
		return
	}
	writeResult(c, s.backend.Balance(addr))
}

func (s *Server) postTx(c *gin.Context) {
	var tx blockchain.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		writeError(c, fmt.Errorf("%w: %v", blockchain.ErrMalformedInput, err))
		return
	}
	txid, err := s.backend.SubmitTx(&tx)
	switch {
	case err == nil:
		writeResult(c, SubmitTxResult{TxID: txid})
	case errors.Is(err, blockchain.ErrDuplicate):
		writeResult(c, SubmitTxResult{TxID: txid, Duplicate: true})
	default:
		writeError(c, err)
	}
}

func (s *Server) getTx(c *gin.Context) {
	st, ok := s.backend.FindTx(c.Param("txid"))
	if !ok {
		writeNotFound(c, "transaction")
		return
	}
	writeResult(c, st)
}

// getBlock accepts a height or a block hash.
func (s *Server) getBlock(c *gin.Context) {
	b, ok := s.backend.Block(c.Param("id"))
	if !ok {
		writeNotFound(c, "block")
		return
	}
	writeResult(c, b)
}

func (s *Server) getChain(c *gin.Context) {
	blocks := s.backend.ChainBlocks()
	writeResult(c, ChainResult{Height: len(blocks), Blocks: blocks})
}

func (s *Server) getMempool(c *gin.Context) {
	txs := s.backend.PendingTxs()
	writeResult(c, MempoolResult{Size: len(txs), Transactions: txs})
}

func (s *Server) getPeers(c *gin.Context) {
	writeResult(c, s.backend.PeerInfos())
}

func (s *Server) postPeer(c *gin.Context) {
	var req AddPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", blockchain.ErrMalformedInput, err))
		return
	}
	writeResult(c, AddPeerResult{Addr: req.Addr, Added: s.backend.AddPeer(req.Addr)})
}

func (s *Server) postSync(c *gin.Context) {
	report, err := s.backend.SyncWithNetwork(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeResult(c, report)
}

func (s *Server) getMiner(c *gin.Context) {
	writeResult(c, s.backend.MinerStats())
}
