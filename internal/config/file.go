package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Peer represents a peer node in the cluster.
type Peer struct {
	ID   string `yaml:"id" validate:"required"`
	Addr string `yaml:"addr" validate:"required"`
}

// NodeConfig identifies this node and its peers.
type NodeConfig struct {
	ID         string `yaml:"id" validate:"required"`
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	AdminAddr  string `yaml:"admin_addr"`
	Peers      []Peer `yaml:"peers" validate:"dive"`
	VNodes     int    `yaml:"vnodes" validate:"gte=1"`
	DataDir    string `yaml:"data_dir"`
}

// ClusterConfig holds cluster-wide defaults.
type ClusterConfig struct {
	ReplicationFactor int `yaml:"replication_factor" validate:"gte=1"`
}

// RepairConfig tunes repair sessions.
type RepairConfig struct {
	MerkleDepth int    `yaml:"merkle_depth" validate:"gte=0,lte=16"`
	SyncTimeout string `yaml:"sync_timeout"`
	RPCTimeout  string `yaml:"rpc_timeout"`
}

// HintsConfig tunes hinted handoff.
type HintsConfig struct {
	ReplayInterval string `yaml:"replay_interval"`
}

// GossipConfig tunes membership probing.
type GossipConfig struct {
	ProbeInterval string `yaml:"probe_interval"`
	SuspectAfter  string `yaml:"suspect_after"`
	DeadAfter     string `yaml:"dead_after"`
}

// LoggingConfig selects the log destination.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Output string `yaml:"output" validate:"oneof=stdout stderr file"`
	File   string `yaml:"file"`
}

// TableConfig declares a table created at startup. Options use the
// schema option names, e.g. "tombstone_gc.mode": "repair".
type TableConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	Options map[string]string `yaml:"options"`
}

// KeyspaceConfig declares a keyspace created at startup.
type KeyspaceConfig struct {
	Name              string        `yaml:"name" validate:"required"`
	ReplicationFactor int           `yaml:"replication_factor" validate:"gte=0"`
	Tables            []TableConfig `yaml:"tables" validate:"dive"`
}

// Config holds the node file configuration.
type Config struct {
	Node    NodeConfig       `yaml:"node"`
	Cluster ClusterConfig    `yaml:"cluster"`
	Repair  RepairConfig     `yaml:"repair"`
	Hints   HintsConfig      `yaml:"hints"`
	Gossip  GossipConfig     `yaml:"gossip"`
	Logging LoggingConfig    `yaml:"logging"`
	Schema  []KeyspaceConfig `yaml:"schema" validate:"dive"`
	// Items sets runtime config items by name, e.g.
	// enable_tombstone_gc_for_streaming_and_repair: "1".
	Items map[string]string `yaml:"items"`
}

var validate = validator.New()

// Defaults returns a configuration with every default filled in.
func Defaults() *Config {
	return &Config{
		Node: NodeConfig{
			ID:         "node1",
			ListenAddr: "127.0.0.1:7000",
			AdminAddr:  "127.0.0.1:10000",
			VNodes:     16,
			DataDir:    "",
		},
		Cluster: ClusterConfig{ReplicationFactor: 2},
		Repair: RepairConfig{
			MerkleDepth: 6,
			SyncTimeout: "10s",
			RPCTimeout:  "30s",
		},
		Hints: HintsConfig{ReplayInterval: "10s"},
		Gossip: GossipConfig{
			ProbeInterval: "1s",
			SuspectAfter:  "3s",
			DeadAfter:     "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "kvrepair.log",
		},
		Items: map[string]string{},
	}
}

// Load reads configuration from an io.Reader, overlaying it on Defaults.
// A nil reader or empty input yields the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if r == nil {
		return cfg, cfg.Validate()
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}
	if cfg.Items == nil {
		cfg.Items = map[string]string{}
	}
	return cfg, cfg.Validate()
}

// LoadFile reads configuration from a YAML file. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ApplyTo commits the file-derived item values into store. Items named
// in the file override the structural settings (vnodes, listen address).
func (c *Config) ApplyTo(store *Store) error {
	base := map[string]string{
		ItemNumTokens:     strconv.Itoa(c.Node.VNodes),
		ItemListenAddress: c.Node.ListenAddr,
	}
	for k, v := range c.Items {
		base[k] = v
	}
	return store.Apply(base, SourceConfigFile)
}

// Duration parses a duration setting, falling back to def when the string
// is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
