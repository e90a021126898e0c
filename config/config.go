package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"shadowledger/logger"
)

type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Chain   ChainConfig   `mapstructure:"chain"`
	Mempool MempoolConfig `mapstructure:"mempool"`
	Miner   MinerConfig   `mapstructure:"miner"`
	P2P     P2PConfig     `mapstructure:"p2p"`
	API     APIConfig     `mapstructure:"api"`
	Log     logger.Config `mapstructure:"log"`
}

type ChainConfig struct {
	Difficulty     int    `mapstructure:"difficulty"`
	Reward         uint64 `mapstructure:"reward"`
	PersistRetries uint64 `mapstructure:"persist_retries"`
}

type MempoolConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
}

type MinerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	WalletFile   string `mapstructure:"wallet_file"` // WIF key paid by mined blocks
	Address      string `mapstructure:"address"`     // overrides the wallet address
	PollInterval uint64 `mapstructure:"poll_interval"`
	MaxBlockTxs  int    `mapstructure:"max_block_txs"`
}

type P2PConfig struct {
	Listen        string        `mapstructure:"listen"`
	Advertise     string        `mapstructure:"advertise"` // defaults to the bound listen address
	Bootstrap     []string      `mapstructure:"bootstrap"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"` // 0 disables periodic sync
	MaxFailures   int           `mapstructure:"max_failures"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	Retries       uint64        `mapstructure:"retries"`
	SeenCacheSize int           `mapstructure:"seen_cache_size"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func Default() *Config {
	return &Config{
		DataDir: "data",
		Chain: ChainConfig{
			Difficulty:     16,
			Reward:         10,
			PersistRetries: 5,
		},
		Mempool: MempoolConfig{
			MaxSize:         5000,
			FreshnessWindow: 300 * time.Second,
		},
		Miner: MinerConfig{
			Enabled:      true,
			WalletFile:   "wallet.wif",
			PollInterval: 4096,
			MaxBlockTxs:  100,
		},
		P2P: P2PConfig{
			Listen:        "0.0.0.0:8888",
			ProbeInterval: 15 * time.Second,
			SyncInterval:  time.Minute,
			MaxFailures:   3,
			DialTimeout:   3 * time.Second,
			ReadTimeout:   10 * time.Second,
			Retries:       2,
			SeenCacheSize: 4096,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8000",
		},
		Log: logger.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults; unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	if err := Decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode merges YAML document raw into cfg.
func Decode(raw []byte, cfg *Config) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if len(doc) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(doc)
}

func (c *Config) Validate() error {
	switch {
	case c.Chain.Difficulty < 0 || c.Chain.Difficulty > 256:
		return fmt.Errorf("chain.difficulty %d out of range", c.Chain.Difficulty)
	case c.Mempool.MaxSize < 0:
		return fmt.Errorf("mempool.max_size must not be negative")
	case c.Miner.MaxBlockTxs < 0:
		return fmt.Errorf("miner.max_block_txs must not be negative")
	case c.P2P.ProbeInterval <= 0:
		return fmt.Errorf("p2p.probe_interval must be positive")
	case c.P2P.MaxFailures <= 0:
		return fmt.Errorf("p2p.max_failures must be positive")
	}
	return nil
}

// ChainFile is the single on-disk database of the node.
func (c *Config) ChainFile() string {
	return filepath.Join(c.DataDir, "chain.db")
}
