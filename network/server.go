package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler answers one inbound message. A nil response closes the connection.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) *Message
}

type ServerConfig struct {
	ListenAddr  string
	IdleTimeout time.Duration // per-read deadline between messages
	MaxFrame    int
}

// Server accepts peer connections and serves each on its own goroutine.
// A connection may carry several request/response exchanges.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *zap.Logger

	ln    net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(cfg ServerConfig, h Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, handler: h, log: log, conns: make(map[net.Conn]struct{})}
}

// Listen binds the listener so the address is known before Serve runs.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("p2p listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Close releases the listener. Serve calls it on shutdown; it is only
// needed directly when Serve never ran.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Serve accepts until ctx ends, then closes the listener, lets handlers
// finish the exchange in progress and waits for them.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.Close()
		s.mu.Lock()
		for c := range s.conns {
			// Wake handlers blocked waiting for the next message.
			c.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := ReadMessage(conn, s.cfg.MaxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Debug("peer read ended", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		resp := s.handler.HandleMessage(ctx, msg)
		if resp == nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if err := WriteMessage(conn, resp); err != nil {
			s.log.Debug("peer write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}
