// Package node owns every ledger component of one process and wires them
// together: chain store, mempool, miner, peer set, wire server and the
// gossip/sync logic between them.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shadowledger/chain"
	"shadowledger/config"
	"shadowledger/database"
	"shadowledger/logger"
	"shadowledger/mempool"
	"shadowledger/metrics"
	"shadowledger/miner"
	"shadowledger/network"
	"shadowledger/wallet"
)

type Node struct {
	cfg *config.Config
	id  string
	log *zap.Logger

	DB      *database.BoltDB
	Chain   *chain.Store
	Mempool *mempool.Mempool
	Keys    *wallet.Directory
	Peers   *network.PeerSet
	Miner   *miner.Miner
	Metrics *metrics.Metrics

	bus    EventBus.Bus
	seen   *lru.Cache
	client *network.Client
	server *network.Server

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
	bg     sync.WaitGroup
	syncMu sync.Mutex
	once   sync.Once
}

// New initialises a node: it opens (or creates) the chain file, re-validates
// the stored chain, restores peers and keys and binds the p2p listener.
// minerAddr receives block rewards; it may be empty when mining is off.
func New(cfg *config.Config, minerAddr string, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Miner.Address != "" {
		minerAddr = cfg.Miner.Address
	}
	if cfg.Miner.Enabled && minerAddr == "" {
		return nil, errors.New("mining enabled without a miner address")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}

	db, err := database.OpenDB(cfg.ChainFile())
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:   cfg,
		id:    uuid.NewString(),
		log:   logger.Module(log, "node"),
		DB:    db,
		fatal: make(chan error, 1),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.init(log, minerAddr); err != nil {
		n.cancel()
		if n.server != nil {
			n.server.Close()
		}
		db.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) init(log *zap.Logger, minerAddr string) error {
	cfg := n.cfg

	n.Keys = wallet.NewDirectory(n.DB)
	if err := n.Keys.Load(); err != nil {
		return fmt.Errorf("load key directory: %w", err)
	}

	params := chain.Params{
		Difficulty:     cfg.Chain.Difficulty,
		Reward:         cfg.Chain.Reward,
		PersistRetries: cfg.Chain.PersistRetries,
	}
	store, err := chain.Open(n.DB, params, n.Keys, logger.Module(log, "chain"))
	if err != nil {
		return err
	}
	n.Chain = store

	n.Mempool = mempool.NewMempool(mempool.Config{
		MaxSize:         cfg.Mempool.MaxSize,
		FreshnessWindow: cfg.Mempool.FreshnessWindow,
	}, n.Chain, n.Keys, logger.Module(log, "mempool"))

	n.Miner = miner.NewMiner(miner.Config{
		Address:      minerAddr,
		Difficulty:   cfg.Chain.Difficulty,
		Reward:       cfg.Chain.Reward,
		PollInterval: cfg.Miner.PollInterval,
		MaxBlockTxs:  cfg.Miner.MaxBlockTxs,
	}, n, logger.Module(log, "miner"))

	size := cfg.P2P.SeenCacheSize
	if size <= 0 {
		size = 4096
	}
	if n.seen, err = lru.New(size); err != nil {
		return err
	}

	n.server = network.NewServer(network.ServerConfig{
		ListenAddr:  cfg.P2P.Listen,
		IdleTimeout: 2 * cfg.P2P.ReadTimeout,
	}, network.NewDispatcher(n, n.Addr, logger.Module(log, "p2p")), logger.Module(log, "p2p"))
	if err := n.server.Listen(); err != nil {
		return fmt.Errorf("p2p listen: %w", err)
	}

	n.Peers = network.NewPeerSet(n.Addr(), cfg.P2P.MaxFailures, n.DB, logger.Module(log, "peers"))
	if err := n.Peers.Load(); err != nil {
		n.log.Warn("peerstore unreadable", zap.Error(err))
	}
	n.Peers.AddMany(cfg.P2P.Bootstrap)

	n.client = network.NewClient(network.ClientConfig{
		DialTimeout: cfg.P2P.DialTimeout,
		ReadTimeout: cfg.P2P.ReadTimeout,
		Retries:     cfg.P2P.Retries,
		MaxFrame:    network.DefaultMaxFrame,
	}, n.Addr())

	n.Metrics = metrics.New()
	n.Metrics.TrackMiner(metrics.MinerSource{
		Hashrate: func() float64 { return n.Miner.Stats().LastHashrate },
		Mined:    func() float64 { return float64(n.Miner.Stats().BlocksMined) },
		Hashes:   func() float64 { return float64(n.Miner.Stats().HashAttempts) },
		Aborted:  func() float64 { return float64(n.Miner.Stats().Aborted) },
	})

	n.bus = EventBus.New()
	if err := n.subscribe(); err != nil {
		return err
	}
	n.refreshGauges()

	n.log.Info("node initialised",
		zap.String("id", n.id),
		zap.String("p2p", n.Addr()),
		zap.Int("height", n.Chain.Len()),
		zap.Int("peers", n.Peers.Len()))
	return nil
}

// Addr is the address peers should dial to reach this node.
func (n *Node) Addr() string {
	if n.cfg.P2P.Advertise != "" {
		return n.cfg.P2P.Advertise
	}
	return n.server.Addr()
}

func (n *Node) ID() string { return n.id }

func (n *Node) Config() *config.Config { return n.cfg }

// Run serves peers, probes them, syncs and mines until ctx ends or a fatal
// persistence error stops the node.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.server.Serve(gctx) })
	g.Go(func() error { n.probeLoop(gctx); return nil })
	g.Go(func() error { return n.syncLoop(gctx) })
	g.Go(func() error {
		select {
		case err := <-n.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	if n.cfg.Miner.Enabled {
		g.Go(func() error { return n.Miner.Run(gctx) })
	}

	n.log.Info("node running", zap.Bool("mining", n.cfg.Miner.Enabled))
	err := g.Wait()
	// Gossip and targeted syncs end with the node.
	n.cancel()
	n.bg.Wait()
	if err != nil {
		n.log.Error("node stopped", zap.Error(err))
		return err
	}
	n.log.Info("node stopped")
	return nil
}

// Close stops background work and closes the chain file. It is safe to
// call more than once.
func (n *Node) Close() error {
	var err error
	n.once.Do(func() {
		n.cancel()
		n.server.Close()
		n.bg.Wait()
		err = n.DB.Close()
	})
	return err
}

// goBackground runs fn tied to the node lifetime.
func (n *Node) goBackground(fn func(ctx context.Context)) {
	n.bg.Add(1)
	go func() {
		defer n.bg.Done()
		fn(n.ctx)
	}()
}
