package miner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"shadowledger/blockchain"
)

// MinerNode is the part of the node the miner works against.
type MinerNode interface {
	Tip() *blockchain.Block
	Candidates(max int) []blockchain.Transaction
	AppendBlock(b *blockchain.Block) error
	BroadcastBlock(b *blockchain.Block)
}

// ErrAborted means the search was abandoned because the tip moved, an
// interrupt was requested or the context ended.
var ErrAborted = errors.New("mining aborted")

type State int32

const (
	Idle State = iota
	Searching
	Found
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case Found:
		return "found"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Config struct {
	Address      string
	Difficulty   int
	Reward       uint64
	PollInterval uint64
	MaxBlockTxs  int
}

// Stats is a snapshot of the miner's counters.
type Stats struct {
	Address      string        `json:"address"`
	State        string        `json:"state"`
	BlocksMined  uint64        `json:"blocks_mined"`
	HashAttempts uint64        `json:"hash_attempts"`
	Aborted      uint64        `json:"aborted"`
	LastHashrate float64       `json:"last_hashrate"`
	Uptime       time.Duration `json:"uptime"`
}

type Miner struct {
	cfg  Config
	node MinerNode
	log  *zap.Logger

	state      atomic.Int32
	generation atomic.Uint64
	started    time.Time

	blocksMined atomic.Uint64
	hashes      atomic.Uint64
	aborted     atomic.Uint64
	hashrate    atomic.Uint64 // float64 bits
}

func NewMiner(cfg Config, n MinerNode, log *zap.Logger) *Miner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = blockchain.DefaultPollInterval
	}
	return &Miner{cfg: cfg, node: n, log: log, started: time.Now()}
}

func (m *Miner) State() State { return State(m.state.Load()) }

func (m *Miner) setState(s State) { m.state.Store(int32(s)) }

// Interrupt makes any running search abandon its template at the next poll.
func (m *Miner) Interrupt() {
	m.generation.Add(1)
}

// Mine runs one search against the current tip. On success the block has
// been appended and broadcast. A search that was abandoned returns
// ErrAborted; a found block that lost the race returns the append error.
func (m *Miner) Mine(ctx context.Context) (*blockchain.Block, error) {
	gen := m.generation.Load()
	tip := m.node.Tip()
	tipHash := ""
	if tip != nil {
		tipHash = tip.Hash
	}
	txs := m.node.Candidates(m.cfg.MaxBlockTxs)
	tmpl := blockchain.NewBlock(tip, txs, m.cfg.Address, m.cfg.Reward)

	m.setState(Searching)
	defer m.setState(Idle)

	abort := func() bool {
		if ctx.Err() != nil || m.generation.Load() != gen {
			return true
		}
		cur := m.node.Tip()
		return (cur == nil && tipHash != "") || (cur != nil && cur.Hash != tipHash)
	}

	start := time.Now()
	attempts, ok, err := tmpl.Mine(m.cfg.Difficulty, m.cfg.PollInterval, abort)
	m.record(attempts, time.Since(start))
	if err != nil {
		return nil, err
	}
	if !ok {
		m.setState(Cancelled)
		m.aborted.Add(1)
		m.log.Debug("search abandoned", zap.Uint64("height", tmpl.Index), zap.Uint64("attempts", attempts))
		return nil, ErrAborted
	}

	m.setState(Found)
	if err := m.node.AppendBlock(tmpl); err != nil {
		m.log.Info("mined block rejected", zap.Uint64("height", tmpl.Index), zap.Error(err))
		return nil, err
	}
	m.blocksMined.Add(1)
	m.log.Info("block mined",
		zap.Uint64("height", tmpl.Index),
		zap.String("hash", tmpl.Hash),
		zap.Int("txs", len(tmpl.Transactions)),
		zap.Uint64("attempts", attempts))
	m.node.BroadcastBlock(tmpl)
	return tmpl, nil
}

func (m *Miner) record(attempts uint64, elapsed time.Duration) {
	m.hashes.Add(attempts)
	if elapsed > 0 && attempts > 0 {
		rate := float64(attempts) / elapsed.Seconds()
		m.hashrate.Store(math.Float64bits(rate))
	}
}

// MineOnce keeps searching until one block is appended or ctx ends.
func (m *Miner) MineOnce(ctx context.Context) (*blockchain.Block, error) {
	for {
		b, err := m.Mine(ctx)
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, blockchain.ErrPersistence) {
			return nil, err
		}
	}
}

// Run mines until ctx ends. It stops with an error only when the chain can
// no longer be persisted.
func (m *Miner) Run(ctx context.Context) error {
	m.log.Info("miner started", zap.String("address", m.cfg.Address), zap.Int("difficulty", m.cfg.Difficulty))
	defer m.log.Info("miner stopped")
	for {
		_, err := m.MineOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, blockchain.ErrPersistence):
			return err
		}
	}
}

func (m *Miner) Stats() Stats {
	return Stats{
		Address:      m.cfg.Address,
		State:        m.State().String(),
		BlocksMined:  m.blocksMined.Load(),
		HashAttempts: m.hashes.Load(),
		Aborted:      m.aborted.Load(),
		LastHashrate: math.Float64frombits(m.hashrate.Load()),
		Uptime:       time.Since(m.started).Truncate(time.Second),
	}
}
