package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"raftkv/internal/lsm"
	"raftkv/internal/raft"
	"raftkv/internal/raft/server"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Storage backends of the raft log
const (
	StorageFile  = "file"
	StorageBbolt = "bbolt"
)

// Key-value stores of the state machine
const (
	StoreMemory = "memory"
	StoreLSM    = "lsm"
)

// Peer is a member of the cluster, as written in the config file
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Raft holds the consensus timing. Durations are Go duration strings, e.g. "300ms".
type Raft struct {
	ElectionTimeoutMin  time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
	MaxEntriesPerAppend int           `yaml:"max_entries_per_append"`
}

// LSM tunes the storage engine used by the "lsm" store
type LSM struct {
	MemtableSize           int     `yaml:"memtable_size"`
	SparseIndexInterval    int     `yaml:"sparse_index_interval"`
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate"`
	CompactionThreshold    int     `yaml:"compaction_threshold"`
	CacheSize              int     `yaml:"cache_size"`
	NoSync                 bool    `yaml:"no_sync"`
}

// Config is the configuration of a single node
type Config struct {
	// ID of this node. A fresh UUID is used when empty.
	ID string `yaml:"id"`
	// Listen is the address the node serves both the raft and the key-value RPCs on
	Listen string `yaml:"listen"`
	// DataDir holds the raft log and the state machine store
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	// Storage is the raft log backend, "file" or "bbolt"
	Storage string `yaml:"storage"`
	// Store is the state machine store, "memory" or "lsm"
	Store string `yaml:"store"`
	// Peers lists every member of the cluster, this node included
	Peers []Peer `yaml:"peers"`
	// MetricsFile receives a JSON metrics report on shutdown when set
	MetricsFile string `yaml:"metrics_file"`

	Raft Raft `yaml:"raft"`
	LSM  LSM  `yaml:"lsm"`
}

// Default returns the configuration of a single node cluster listening on localhost:50051
func Default() Config {
	d := server.DefaultConfig()
	return Config{
		Listen:   "localhost:50051",
		DataDir:  "data",
		LogLevel: "info",
		Storage:  StorageFile,
		Store:    StoreMemory,
		Raft: Raft{
			ElectionTimeoutMin:  d.ElectionTimeoutMin,
			ElectionTimeoutMax:  d.ElectionTimeoutMax,
			HeartbeatInterval:   d.HeartbeatInterval,
			RPCTimeout:          d.RPCTimeout,
			CommandTimeout:      d.CommandTimeout,
			MaxEntriesPerAppend: d.MaxEntriesPerAppend,
		},
	}
}

// Load reads the YAML file at path on top of Default, then fills and validates the result
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults fills the fields left empty. A node without an ID gets a UUID, and a node without peers forms a
// single node cluster.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Storage == "" {
		c.Storage = d.Storage
	}
	if c.Store == "" {
		c.Store = d.Store
	}
	if !slices.ContainsFunc(c.Peers, func(p Peer) bool { return p.ID == c.ID }) {
		c.Peers = append(c.Peers, Peer{ID: c.ID, Address: c.Listen})
	}
	return c
}

// Validate reports every problem of the config at once
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id must be set"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Storage != StorageFile && c.Storage != StorageBbolt {
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	if c.Store != StoreMemory && c.Store != StoreLSM {
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			errs = append(errs, fmt.Errorf("peer %+v needs an id and an address", p))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate peer %q", p.ID))
		}
		seen[p.ID] = true
	}

	if err := c.ServerConfig().WithDefaults().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ServerConfig returns the consensus timing
func (c Config) ServerConfig() server.Config {
	return server.Config{
		ElectionTimeoutMin:  c.Raft.ElectionTimeoutMin,
		ElectionTimeoutMax:  c.Raft.ElectionTimeoutMax,
		HeartbeatInterval:   c.Raft.HeartbeatInterval,
		RPCTimeout:          c.Raft.RPCTimeout,
		CommandTimeout:      c.Raft.CommandTimeout,
		MaxEntriesPerAppend: c.Raft.MaxEntriesPerAppend,
	}
}

// LSMOptions returns the storage engine options
func (c Config) LSMOptions() lsm.Options {
	return lsm.Options{
		MemtableSize:           c.LSM.MemtableSize,
		SparseIndexInterval:    c.LSM.SparseIndexInterval,
		BloomFalsePositiveRate: c.LSM.BloomFalsePositiveRate,
		CompactionThreshold:    c.LSM.CompactionThreshold,
		CacheSize:              c.LSM.CacheSize,
		NoSync:                 c.LSM.NoSync,
	}
}

// RaftPeers returns the members of the cluster
func (c Config) RaftPeers() []raft.Peer {
	peers := make([]raft.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		peers = append(peers, raft.Peer{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Address)})
	}
	return peers
}

// LogDir is where the raft log of the node lives
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "raft")
}

// StoreDir is where the "lsm" store of the node lives
func (c Config) StoreDir() string {
	return filepath.Join(c.DataDir, "kv")
}

// InitLogger configures the global logger. LOG_LEVEL in the environment wins over level.
func InitLogger(level string) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(parsed)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}
