package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"chainnet/pkg/chainclient"
	"chainnet/pkg/peerpool"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads "1.5s" style strings from TOML and
// JSON. A bare JSON number is taken as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
		return nil
	case string:
		return d.UnmarshalText([]byte(v))
	case nil:
		return nil
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

type Config struct {
	Network   NetworkConfig   `json:"network" toml:"network"`
	Broadcast BroadcastConfig `json:"broadcast" toml:"broadcast"`
	API       APIConfig       `json:"api" toml:"api"`
	Store     StoreConfig     `json:"store" toml:"store"`
	Logging   LoggingConfig   `json:"logging" toml:"logging"`
}

type NetworkConfig struct {
	// PeersFile overrides the bootstrap file search
	PeersFile string `json:"peers_file,omitempty" toml:"peers_file"`
	// Peers are extra user peers, each "rpc [rest] [grpc]"
	Peers []string `json:"peers,omitempty" toml:"peers"`

	RequestTimeout   Duration `json:"request_timeout" toml:"request_timeout"`
	StatusTimeout    Duration `json:"status_timeout" toml:"status_timeout"`
	HealthInterval   Duration `json:"health_interval" toml:"health_interval"`
	HealthSampleSize int      `json:"health_sample_size" toml:"health_sample_size"`
	SlowLatency      Duration `json:"slow_latency" toml:"slow_latency"`
	StaleTTL         Duration `json:"stale_ttl" toml:"stale_ttl"`
	SlowTTL          Duration `json:"slow_ttl" toml:"slow_ttl"`
	DeathTTL         Duration `json:"death_ttl" toml:"death_ttl"`
	DeathThreshold   int      `json:"death_threshold" toml:"death_threshold"`

	OnChainRefresh   Duration `json:"onchain_refresh" toml:"onchain_refresh"`
	DisableDiscovery bool     `json:"disable_discovery,omitempty" toml:"disable_discovery"`
}

type BroadcastConfig struct {
	ConfirmTimeout Duration `json:"confirm_timeout" toml:"confirm_timeout"`
	PollInterval   Duration `json:"poll_interval" toml:"poll_interval"`
	PollTimeout    Duration `json:"poll_timeout" toml:"poll_timeout"`
	Attempts       int      `json:"attempts" toml:"attempts"`
	TxCacheSize    int      `json:"tx_cache_size" toml:"tx_cache_size"`
}

type APIConfig struct {
	Address string `json:"address" toml:"address"`
	Metrics bool   `json:"metrics" toml:"metrics"`
}

type StoreConfig struct {
	Path     string `json:"path,omitempty" toml:"path"`
	Disabled bool   `json:"disabled,omitempty" toml:"disabled"`
}

type LoggingConfig struct {
	Level string `json:"level" toml:"level"`
}

// Default returns the built-in configuration
func Default() *Config {
	pool := peerpool.DefaultOptions()
	client := chainclient.DefaultOptions()

	return &Config{
		Network: NetworkConfig{
			RequestTimeout:   Duration{pool.RequestTimeout},
			StatusTimeout:    Duration{pool.StatusTimeout},
			HealthInterval:   Duration{pool.HealthInterval},
			HealthSampleSize: pool.HealthSampleSize,
			SlowLatency:      Duration{pool.SlowLatency},
			StaleTTL:         Duration{pool.StaleTTL},
			SlowTTL:          Duration{pool.SlowTTL},
			DeathTTL:         Duration{pool.DeathTTL},
			DeathThreshold:   pool.DeathThreshold,
			OnChainRefresh:   Duration{pool.OnChainRefreshInterval},
		},
		Broadcast: BroadcastConfig{
			ConfirmTimeout: Duration{client.ConfirmTimeout},
			PollInterval:   Duration{client.PollInterval},
			PollTimeout:    Duration{client.PollTimeout},
			Attempts:       client.BroadcastAttempts,
			TxCacheSize:    client.TxCacheSize,
		},
		API: APIConfig{
			Address: "127.0.0.1:8090",
			Metrics: true,
		},
		Store: StoreConfig{
			Path: filepath.Join(GetConfigDir(), "peers.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a config file over the defaults. Files ending in .json are
// parsed as JSON, everything else as TOML.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else {
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Network.PeersFile = expandPath(cfg.Network.PeersFile)
	return cfg, nil
}

// Load resolves the effective configuration: the explicit file, else
// config.toml in the config directory when present, else defaults; then
// CHAINNET_* environment overrides.
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	switch {
	case path != "":
		cfg, err = LoadConfig(path)
	default:
		if _, statErr := os.Stat(GetConfigPath()); statErr == nil {
			cfg, err = LoadConfig(GetConfigPath())
		} else {
			cfg = Default()
		}
	}
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv returns the defaults with environment overrides applied
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from CHAINNET_* variables
func ApplyEnv(cfg *Config) error {
	cfg.Network.PeersFile = getEnv("CHAINNET_PEERS_FILE", cfg.Network.PeersFile)
	if peers := os.Getenv("CHAINNET_PEERS"); peers != "" {
		// semicolon separated, each entry "rpc [rest] [grpc]"
		for _, p := range strings.Split(peers, ";") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Network.Peers = append(cfg.Network.Peers, p)
			}
		}
	}
	cfg.API.Address = getEnv("CHAINNET_API_ADDRESS", cfg.API.Address)
	cfg.Store.Path = expandPath(getEnv("CHAINNET_STORE_PATH", cfg.Store.Path))
	cfg.Logging.Level = getEnv("CHAINNET_LOG_LEVEL", cfg.Logging.Level)

	durations := map[string]*Duration{
		"CHAINNET_REQUEST_TIMEOUT": &cfg.Network.RequestTimeout,
		"CHAINNET_HEALTH_INTERVAL": &cfg.Network.HealthInterval,
		"CHAINNET_ONCHAIN_REFRESH": &cfg.Network.OnChainRefresh,
		"CHAINNET_CONFIRM_TIMEOUT": &cfg.Broadcast.ConfirmTimeout,
		"CHAINNET_POLL_INTERVAL":   &cfg.Broadcast.PollInterval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	if v := os.Getenv("CHAINNET_DISABLE_DISCOVERY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHAINNET_DISABLE_DISCOVERY: %w", err)
		}
		cfg.Network.DisableDiscovery = b
	}
	if v := os.Getenv("CHAINNET_STORE_DISABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHAINNET_STORE_DISABLED: %w", err)
		}
		cfg.Store.Disabled = b
	}
	return nil
}

// Validate rejects settings the pool cannot run with
func (c *Config) Validate() error {
	if c.Network.DeathThreshold < 1 {
		return fmt.Errorf("network.death_threshold must be at least 1, got %d", c.Network.DeathThreshold)
	}
	if c.Network.HealthInterval.Duration < 100*time.Millisecond {
		return fmt.Errorf("network.health_interval too short: %s", c.Network.HealthInterval)
	}
	if c.Broadcast.PollInterval.Duration <= 0 || c.Broadcast.ConfirmTimeout.Duration <= 0 {
		return fmt.Errorf("broadcast.poll_interval and broadcast.confirm_timeout must be positive")
	}
	if c.Broadcast.Attempts < 1 {
		return fmt.Errorf("broadcast.attempts must be at least 1, got %d", c.Broadcast.Attempts)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// PoolOptions maps the network section onto peer pool options
func (c *Config) PoolOptions() peerpool.Options {
	opts := peerpool.DefaultOptions()
	opts.RequestTimeout = c.Network.RequestTimeout.Duration
	opts.StatusTimeout = c.Network.StatusTimeout.Duration
	opts.HealthInterval = c.Network.HealthInterval.Duration
	opts.HealthSampleSize = c.Network.HealthSampleSize
	opts.SlowLatency = c.Network.SlowLatency.Duration
	opts.StaleTTL = c.Network.StaleTTL.Duration
	opts.SlowTTL = c.Network.SlowTTL.Duration
	opts.DeathTTL = c.Network.DeathTTL.Duration
	opts.DeathThreshold = c.Network.DeathThreshold
	opts.OnChainRefreshInterval = c.Network.OnChainRefresh.Duration
	opts.DisableDiscovery = c.Network.DisableDiscovery
	return opts
}

// ClientOptions maps the broadcast section onto chain client options
func (c *Config) ClientOptions() chainclient.Options {
	return chainclient.Options{
		RequestTimeout:    c.Network.RequestTimeout.Duration,
		ConfirmTimeout:    c.Broadcast.ConfirmTimeout.Duration,
		PollInterval:      c.Broadcast.PollInterval.Duration,
		PollTimeout:       c.Broadcast.PollTimeout.Duration,
		TxCacheSize:       c.Broadcast.TxCacheSize,
		BroadcastAttempts: c.Broadcast.Attempts,
	}
}

// Save writes the config as TOML to path, creating the directory
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// GetConfigDir returns the chainnet configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("CHAINNET_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "chainnet")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainnet"
	}
	return filepath.Join(home, ".chainnet")
}

// GetConfigPath returns the path to the default config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.toml")
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
