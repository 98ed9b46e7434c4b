// Package config loads the node configuration from YAML with SOCIAL_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"socialmesh/go-node/internal/contentstore"
	"socialmesh/go-node/internal/discovery"
	"socialmesh/go-node/internal/platform/ratelimiter"
	"socialmesh/go-node/internal/pubsub"
	"socialmesh/go-node/internal/recovery"
	"socialmesh/go-node/internal/social"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir           = "data"
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultSweepInterval     = 10 * time.Minute
	DefaultSyncInterval      = 5 * time.Minute
	DefaultListenAddr        = "127.0.0.1:9464"

	databaseFile = "node.db"
	keystoreFile = "identity.keystore"
)

type Config struct {
	DataDir      string              `yaml:"dataDir"`
	LogLevel     string              `yaml:"logLevel"`
	Keystore     KeystoreConfig      `yaml:"keystore"`
	ContentStore contentstore.Config `yaml:"contentStore"`
	Network      pubsub.Config       `yaml:"network"`
	Discovery    DiscoveryConfig     `yaml:"discovery"`
	Sync         SyncConfig          `yaml:"sync"`
	Recovery     recovery.Config     `yaml:"recovery"`
	Inbound      InboundConfig       `yaml:"inbound"`
	HTTP         HTTPConfig          `yaml:"http"`
}

type KeystoreConfig struct {
	Path string `yaml:"path"`
	// Passphrase is normally supplied through SOCIAL_KEYSTORE_PASSPHRASE.
	Passphrase string `yaml:"passphrase"`
	// Ephemeral keeps the identity in memory only; a restart creates a new one.
	Ephemeral bool `yaml:"ephemeral"`
}

type DiscoveryConfig struct {
	discovery.Config  `yaml:",inline"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

type SyncConfig struct {
	social.SyncConfig `yaml:",inline"`
	Interval          time.Duration `yaml:"interval"`
}

// InboundConfig throttles direct messages per resolved sender.
type InboundConfig struct {
	RateLimitRPS   float64       `yaml:"rateLimitRps"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
	IdleTTL        time.Duration `yaml:"idleTtl"`
	MaxSenders     int           `yaml:"maxSenders"`
}

func (c InboundConfig) Limiter() ratelimiter.Config {
	return ratelimiter.Config{
		RPS:        c.RateLimitRPS,
		Burst:      c.RateLimitBurst,
		IdleTTL:    c.IdleTTL,
		MaxSenders: c.MaxSenders,
	}
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:      DefaultDataDir,
		LogLevel:     "info",
		ContentStore: contentstore.DefaultConfig(),
		Network:      pubsub.DefaultConfig(),
		Discovery: DiscoveryConfig{
			Config:            discovery.DefaultConfig(),
			HeartbeatInterval: DefaultHeartbeatInterval,
			SweepInterval:     DefaultSweepInterval,
		},
		Sync: SyncConfig{
			SyncConfig: social.DefaultSyncConfig(),
			Interval:   DefaultSyncInterval,
		},
		Recovery: recovery.Config{ApprovalQuorum: recovery.DefaultApprovalQuorum},
		Inbound: InboundConfig{
			RateLimitRPS:   2,
			RateLimitBurst: 20,
			IdleTTL:        ratelimiter.DefaultIdleTTL,
			MaxSenders:     ratelimiter.DefaultMaxSenders,
		},
		HTTP: HTTPConfig{ListenAddr: DefaultListenAddr},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnvOverrides(&cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("SOCIAL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envString("SOCIAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envString("SOCIAL_KEYSTORE_PATH"); v != "" {
		cfg.Keystore.Path = v
	}
	if v, ok := os.LookupEnv("SOCIAL_KEYSTORE_PASSPHRASE"); ok {
		cfg.Keystore.Passphrase = v
	}
	if v := envString("SOCIAL_API_ADDR"); v != "" {
		cfg.ContentStore.APIAddr = v
	}
	cfg.ContentStore.Timeout = envDurationWithFallback("SOCIAL_API_TIMEOUT", cfg.ContentStore.Timeout)
	cfg.ContentStore.CacheCapacity = envIntWithFallback("SOCIAL_DAG_CACHE_CAPACITY", cfg.ContentStore.CacheCapacity)
	if v := envString("SOCIAL_TRANSPORT"); v != "" {
		cfg.Network.Transport = v
	}
	if nodes := envCSV("SOCIAL_BOOTSTRAP_NODES"); nodes != nil {
		cfg.Network.BootstrapNodes = nodes
	}
	cfg.Discovery.HeartbeatInterval = envDurationWithFallback("SOCIAL_HEARTBEAT_INTERVAL", cfg.Discovery.HeartbeatInterval)
	cfg.Discovery.AmbientPinRate = envFloatWithFallback("SOCIAL_AMBIENT_PIN_RATE", cfg.Discovery.AmbientPinRate)
	cfg.Discovery.MaxEntries = envIntWithFallback("SOCIAL_REGISTRY_MAX_ENTRIES", cfg.Discovery.MaxEntries)
	cfg.Discovery.MaxAge = envDurationWithFallback("SOCIAL_REGISTRY_MAX_AGE", cfg.Discovery.MaxAge)
	cfg.Sync.NetworkRate = envFloatWithFallback("SOCIAL_SYNC_NETWORK_RATE", cfg.Sync.NetworkRate)
	cfg.Sync.MaxDepth = envIntWithFallback("SOCIAL_SYNC_MAX_DEPTH", cfg.Sync.MaxDepth)
	cfg.Sync.Interval = envDurationWithFallback("SOCIAL_SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Recovery.Verified = envBoolWithFallback("SOCIAL_RECOVERY_VERIFIED", cfg.Recovery.Verified)
	cfg.Inbound.RateLimitRPS = envFloatWithFallback("SOCIAL_INBOUND_RPS", cfg.Inbound.RateLimitRPS)
	cfg.Inbound.RateLimitBurst = envIntWithFallback("SOCIAL_INBOUND_BURST", cfg.Inbound.RateLimitBurst)
	cfg.Inbound.MaxSenders = envIntWithFallback("SOCIAL_INBOUND_MAX_SENDERS", cfg.Inbound.MaxSenders)
	if v, ok := os.LookupEnv("SOCIAL_HTTP_ADDR"); ok {
		cfg.HTTP.ListenAddr = strings.TrimSpace(v)
	}
}

// Normalize fills derived paths and zeroed intervals from the defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.Keystore.Path) == "" {
		c.Keystore.Path = filepath.Join(c.DataDir, keystoreFile)
	}
	if c.Discovery.HeartbeatInterval <= 0 {
		c.Discovery.HeartbeatInterval = def.Discovery.HeartbeatInterval
	}
	if c.Discovery.SweepInterval <= 0 {
		c.Discovery.SweepInterval = def.Discovery.SweepInterval
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = def.Sync.Interval
	}
	if c.Recovery.ApprovalQuorum <= 0 {
		c.Recovery.ApprovalQuorum = def.Recovery.ApprovalQuorum
	}
	if c.Inbound.MaxSenders <= 0 {
		c.Inbound.MaxSenders = def.Inbound.MaxSenders
	}
}

// Validate rejects values that cannot be clamped into a working setup.
func (c Config) Validate() error {
	var problems []error
	if rate := c.Discovery.AmbientPinRate; rate < 0 || rate > 1 {
		problems = append(problems, fmt.Errorf("discovery.ambientPinRate must be within [0,1], got %v", rate))
	}
	if rate := c.Sync.NetworkRate; rate < 0 || rate > 1 {
		problems = append(problems, fmt.Errorf("sync.networkRate must be within [0,1], got %v", rate))
	}
	switch strings.ToLower(strings.TrimSpace(c.Network.Transport)) {
	case "", pubsub.TransportMemory, pubsub.TransportRPC, pubsub.TransportGoWaku:
	default:
		problems = append(problems, fmt.Errorf("unknown network.transport %q", c.Network.Transport))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err)
	}
	return errors.Join(problems...)
}

func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, databaseFile)
}

func ParseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid logLevel %q", raw)
	}
	return level, nil
}
