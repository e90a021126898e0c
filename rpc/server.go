// Package rpc is the node's HTTP gateway.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"shadowledger/blockchain"
	"shadowledger/metrics"
	"shadowledger/wallet"
)

type Server struct {
	backend Backend
	wallet  *wallet.Wallet
	metrics *metrics.Metrics
	log     *zap.Logger
	router  *gin.Engine
	http    *http.Server
}

// NewServer builds the router. With m nil /metrics is not served; with w
// nil neither are the node wallet endpoints.
func NewServer(backend Backend, m *metrics.Metrics, w *wallet.Wallet, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{backend: backend, metrics: m, log: log}
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.requestLog())
	if m != nil {
		r.Use(m.Middleware())
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	r.GET("/balance/:address", s.getBalance)
	r.POST("/tx", s.postTx)
	r.GET("/tx/:txid", s.getTx)
	r.GET("/blocks/:id", s.getBlock)
	r.GET("/chain", s.getChain)
	r.GET("/mempool", s.getMempool)
	r.GET("/peers", s.getPeers)
	r.POST("/peers", s.postPeer)
	r.POST("/sync", s.postSync)
	r.GET("/miner", s.getMiner)
	if w != nil {
		s.registerWallet(r, w)
	}

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info("api listening", zap.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			s.log.Error("http request", fields...)
		case c.Writer.Status() >= 400:
			s.log.Warn("http request", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	}
}

// StatusFor maps the error taxonomy to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil, errors.Is(err, blockchain.ErrDuplicate):
		return http.StatusOK
	case errors.Is(err, blockchain.ErrMalformedInput), errors.Is(err, blockchain.ErrKeyFormat):
		return http.StatusBadRequest
	case errors.Is(err, blockchain.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, blockchain.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, blockchain.ErrChainLinkage), errors.Is(err, blockchain.ErrProofOfWork):
		return http.StatusConflict
	case errors.Is(err, blockchain.ErrPeerUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, blockchain.ErrPersistence):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeResult(c *gin.Context, result interface{}) {
	c.JSON(http.StatusOK, Response{Result: result})
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(StatusFor(err), Response{Error: err.Error()})
}

func writeNotFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, Response{Error: what + " not found"})
}
