// Package config loads amberkv's configuration from environment
// variables, a YAML file, and built-in defaults, in that order of
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/amberkv/amberkv/internal/bytesize"
)

// Config is amberkv's full boundary surface, loaded in the following
// precedence (highest to lowest): AMBERKV_* environment variables, the
// YAML config file, built-in defaults. No CLI flag sets a Config field;
// the CLI only chooses the config file path.
type Config struct {
	// Node identifies this replica within the cluster.
	Node NodeConfig `mapstructure:"node" yaml:"node"`

	// Raft configures this node's consensus participation.
	Raft RaftConfig `mapstructure:"raft" yaml:"raft"`

	// Storage configures the embedded key-value engine.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Admin configures the health/metrics/stats HTTP surface.
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`

	// ShutdownTimeout bounds how long graceful shutdown waits for
	// active connections to drain.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NodeConfig identifies this replica and the client-facing listener.
type NodeConfig struct {
	// ID is this node's unique Raft server ID.
	ID string `mapstructure:"id" yaml:"id"`
	// ListenAddr is the client-facing RESP listen address.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// RaftConfig configures the consensus group this node participates in.
type RaftConfig struct {
	// BindAddr is this node's Raft transport address.
	BindAddr string `mapstructure:"bind_addr" yaml:"bind_addr"`
	// DataDir holds the Raft log store, stable store, and snapshots.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Peers lists every voting member's id=addr pair, including self,
	// used to bootstrap a fresh cluster. Must contain at least one
	// entry.
	Peers []PeerConfig `mapstructure:"peers" yaml:"peers"`
	// Bootstrap requests cluster bootstrap when no prior state exists.
	// Set on exactly one node when forming a brand-new cluster.
	Bootstrap bool `mapstructure:"bootstrap" yaml:"bootstrap"`
}

// PeerConfig identifies one cluster member.
type PeerConfig struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// StorageConfig configures the embedded key-value engine.
type StorageConfig struct {
	// DataDir is the directory the storage engine persists to.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// ValueLogFileSize bounds the storage engine's on-disk value log
	// segment size before rotation.
	ValueLogFileSize bytesize.ByteSize `mapstructure:"value_log_file_size" yaml:"value_log_file_size"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output: debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is text or json.
	Format string `mapstructure:"format" yaml:"format"`
	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// AdminConfig controls the health/metrics/stats HTTP surface.
type AdminConfig struct {
	// Enabled toggles whether the admin HTTP server starts at all.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Addr is the admin server's bind address, e.g. ":7380".
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Load loads configuration from file, environment, and defaults.
// configPath may be empty, in which case ./amberkv.yaml is read if it
// exists; a missing file is not an error and defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks()), weaklyTypedInput); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path in YAML, for `amberkv init`.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("AMBERKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("amberkv")
		v.SetConfigType("yaml")
	}
}

// bindEnvKeys declares every scalar config key to viper explicitly.
// AutomaticEnv alone only intercepts ad hoc Get calls for a key already
// known to exist; Unmarshal instead enumerates viper's known key set,
// so an AMBERKV_* override with no matching YAML key would otherwise
// never reach the decoded struct. Peers is a slice and is left to the
// config file; env-var overrides aren't a sensible way to express it.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"node.id", "node.listen_addr",
		"raft.bind_addr", "raft.data_dir", "raft.bootstrap",
		"storage.data_dir", "storage.value_log_file_size",
		"logging.level", "logging.format", "logging.output",
		"admin.enabled", "admin.addr",
		"shutdown_timeout",
	} {
		_ = v.BindEnv(key)
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read file: %w", err)
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// weaklyTypedInput lets string-valued environment variables decode into
// the Config struct's bool/int fields (e.g. AMBERKV_RAFT_BOOTSTRAP=true),
// since every value viper reads from the environment arrives as a string.
func weaklyTypedInput(dc *mapstructure.DecoderConfig) {
	dc.WeaklyTypedInput = true
}

// ApplyDefaults fills in cfg's zero-valued fields with built-in
// defaults, exported for `amberkv init` to produce a usable starting
// file without going through Load.
func ApplyDefaults(cfg *Config) {
	applyDefaults(cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Node.ID == "" {
		cfg.Node.ID = "node1"
	}
	if cfg.Node.ListenAddr == "" {
		cfg.Node.ListenAddr = "0.0.0.0:6379"
	}
	if cfg.Raft.BindAddr == "" {
		cfg.Raft.BindAddr = "127.0.0.1:7400"
	}
	if cfg.Raft.DataDir == "" {
		cfg.Raft.DataDir = "data/raft"
	}
	if len(cfg.Raft.Peers) == 0 {
		cfg.Raft.Peers = []PeerConfig{{ID: cfg.Node.ID, Addr: cfg.Raft.BindAddr}}
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data/storage"
	}
	if cfg.Storage.ValueLogFileSize == 0 {
		cfg.Storage.ValueLogFileSize = 1 << 30 // 1Gi, badger's own default
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":7380"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Node.ID == "" {
		return fmt.Errorf("node.id must not be empty")
	}
	if len(cfg.Raft.Peers) == 0 {
		return fmt.Errorf("raft.peers must contain at least one entry")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}
	return nil
}
