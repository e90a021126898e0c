package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shadowledger/blockchain"
)

// ErrRejected is returned when a peer answered with an error message.
var ErrRejected = errors.New("rejected by peer")

type ClientConfig struct {
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Retries     uint64
	MaxFrame    int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout: 3 * time.Second,
		ReadTimeout: 10 * time.Second,
		Retries:     2,
		MaxFrame:    DefaultMaxFrame,
	}
}

// Client sends one request per connection and waits for the response.
type Client struct {
	cfg  ClientConfig
	from string
}

// NewClient returns a client that stamps outgoing messages with from.
func NewClient(cfg ClientConfig, from string) *Client {
	return &Client{cfg: cfg, from: from}
}

// Request delivers msg to addr and returns the response. Transport failures
// are retried with backoff and surface as ErrPeerUnreachable; an error
// response from the peer is ErrRejected and never retried.
func (c *Client) Request(ctx context.Context, addr string, msg *Message) (*Message, error) {
	if msg.From == "" {
		msg.From = c.from
	}

	var resp *Message
	op := func() error {
		r, err := c.exchange(ctx, addr, msg)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		resp = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.Retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", blockchain.ErrPeerUnreachable, addr, err)
	}
	if resp.Type == MsgError {
		return resp, fmt.Errorf("%w: %s answered %s", ErrRejected, addr, msg.Type)
	}
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, addr string, msg *Message) (*Message, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if c.cfg.ReadTimeout > 0 {
		conn.SetDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	if err := WriteMessage(conn, msg); err != nil {
		return nil, err
	}
	return ReadMessage(conn, c.cfg.MaxFrame)
}

func (c *Client) call(ctx context.Context, addr string, t MsgType, payload any, want MsgType, out any) error {
	msg, err := NewMessage(t, c.from, payload)
	if err != nil {
		return err
	}
	resp, err := c.Request(ctx, addr, msg)
	if err != nil {
		return err
	}
	if resp.Type != want {
		return fmt.Errorf("%w: %s answered %s with %s", blockchain.ErrMalformedInput, addr, t, resp.Type)
	}
	if out == nil {
		return nil
	}
	return resp.ParsePayload(out)
}

// Ping checks liveness and returns the peer's pong.
func (c *Client) Ping(ctx context.Context, addr, nodeID string) (*PongPayload, error) {
	var pong PongPayload
	err := c.call(ctx, addr, MsgPing, PingPayload{Timestamp: time.Now().UnixMilli(), NodeID: nodeID}, MsgPong, &pong)
	if err != nil {
		return nil, err
	}
	return &pong, nil
}

func (c *Client) GetChain(ctx context.Context, addr string) ([]*blockchain.Block, error) {
	var p ChainPayload
	if err := c.call(ctx, addr, MsgGetChain, nil, MsgChain, &p); err != nil {
		return nil, err
	}
	return p.Blocks, nil
}

func (c *Client) GetMempool(ctx context.Context, addr string) ([]blockchain.Transaction, error) {
	var p MempoolPayload
	if err := c.call(ctx, addr, MsgGetMempool, nil, MsgMempool, &p); err != nil {
		return nil, err
	}
	return p.Transactions, nil
}

func (c *Client) GetPeers(ctx context.Context, addr string) ([]string, error) {
	var p PeersPayload
	if err := c.call(ctx, addr, MsgGetPeers, nil, MsgPeers, &p); err != nil {
		return nil, err
	}
	return p.Peers, nil
}

func (c *Client) Sync(ctx context.Context, addr string) (*SyncResponsePayload, error) {
	var p SyncResponsePayload
	if err := c.call(ctx, addr, MsgSyncRequest, nil, MsgSyncResponse, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SendBlock announces b. A nil error means the peer accepted or already had it.
func (c *Client) SendBlock(ctx context.Context, addr string, b *blockchain.Block) error {
	return c.call(ctx, addr, MsgNewBlock, NewBlockPayload{Block: b}, MsgOK, nil)
}

func (c *Client) SendTx(ctx context.Context, addr string, tx *blockchain.Transaction) error {
	return c.call(ctx, addr, MsgNewTx, NewTxPayload{Transaction: tx}, MsgOK, nil)
}
