package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"socialmesh/go-node/internal/platform/ratelimiter"
	"socialmesh/go-node/internal/pubsub"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ContentStore.APIAddr != "/ip4/127.0.0.1/tcp/5001" {
		t.Fatalf("unexpected api addr: %s", cfg.ContentStore.APIAddr)
	}
	if cfg.Discovery.HeartbeatInterval != 60*time.Second || cfg.Discovery.AmbientPinRate != 0.1 {
		t.Fatalf("unexpected discovery defaults: %+v", cfg.Discovery)
	}
	if cfg.Sync.MaxDepth != 1 || cfg.Sync.NetworkRate != 0.2 || cfg.Sync.NestedPeerCap != 5 || cfg.Sync.ItemsPerPeer != 15 || cfg.Sync.Interval != DefaultSyncInterval {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Keystore.Path != filepath.Join("data", "identity.keystore") {
		t.Fatalf("unexpected keystore path: %s", cfg.Keystore.Path)
	}
	if cfg.DatabasePath() != filepath.Join("data", "node.db") {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath())
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
dataDir: /var/lib/social
contentStore:
  apiAddr: http://127.0.0.1:5001
  timeout: 5s
network:
  transport: memory
  bootstrapNodes: ["/dns4/a/tcp/1"]
discovery:
  ambientPinRate: 0.25
  heartbeatInterval: 30s
  maxEntries: 50
sync:
  networkRate: 0.5
recovery:
  verified: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/social" || cfg.Keystore.Path != "/var/lib/social/identity.keystore" {
		t.Fatalf("unexpected dirs: %s %s", cfg.DataDir, cfg.Keystore.Path)
	}
	if cfg.ContentStore.APIAddr != "http://127.0.0.1:5001" || cfg.ContentStore.Timeout != 5*time.Second {
		t.Fatalf("unexpected content store: %+v", cfg.ContentStore)
	}
	if cfg.ContentStore.CacheCapacity != 1000 {
		t.Fatalf("absent keys must keep defaults, got cache capacity %d", cfg.ContentStore.CacheCapacity)
	}
	if cfg.Network.Transport != pubsub.TransportMemory || len(cfg.Network.BootstrapNodes) != 1 {
		t.Fatalf("unexpected network: %+v", cfg.Network)
	}
	if cfg.Discovery.AmbientPinRate != 0.25 || cfg.Discovery.HeartbeatInterval != 30*time.Second || cfg.Discovery.MaxEntries != 50 {
		t.Fatalf("unexpected discovery: %+v", cfg.Discovery)
	}
	if cfg.Sync.NetworkRate != 0.5 || cfg.Sync.ItemsPerPeer != 15 {
		t.Fatalf("unexpected sync: %+v", cfg.Sync)
	}
	if !cfg.Recovery.Verified || cfg.Recovery.ApprovalQuorum != 3 {
		t.Fatalf("unexpected recovery: %+v", cfg.Recovery)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("SOCIAL_TRANSPORT", "memory")
	t.Setenv("SOCIAL_AMBIENT_PIN_RATE", "0.3")
	t.Setenv("SOCIAL_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("SOCIAL_BOOTSTRAP_NODES", " a , ,b ")
	t.Setenv("SOCIAL_RECOVERY_VERIFIED", "yes")
	t.Setenv("SOCIAL_KEYSTORE_PASSPHRASE", "hunter2")
	t.Setenv("SOCIAL_INBOUND_BURST", "not-a-number")
	t.Setenv("SOCIAL_SYNC_INTERVAL", "90s")

	cfg, err := Load(writeConfig(t, "network:\n  transport: rpc\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.Transport != "memory" {
		t.Fatalf("env transport must override file, got %s", cfg.Network.Transport)
	}
	if cfg.Discovery.AmbientPinRate != 0.3 || cfg.Discovery.HeartbeatInterval != 15*time.Second {
		t.Fatalf("unexpected discovery: %+v", cfg.Discovery)
	}
	if len(cfg.Network.BootstrapNodes) != 2 || cfg.Network.BootstrapNodes[1] != "b" {
		t.Fatalf("unexpected bootstrap nodes: %v", cfg.Network.BootstrapNodes)
	}
	if !cfg.Recovery.Verified || cfg.Keystore.Passphrase != "hunter2" {
		t.Fatalf("unexpected recovery/keystore: %+v %+v", cfg.Recovery, cfg.Keystore)
	}
	if cfg.Inbound.RateLimitBurst != 20 {
		t.Fatalf("unparsable env must fall back, got %d", cfg.Inbound.RateLimitBurst)
	}
	if cfg.Sync.Interval != 90*time.Second {
		t.Fatalf("unexpected sync interval: %v", cfg.Sync.Interval)
	}
}

func TestNormalizeRestoresZeroSyncInterval(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sync:\n  interval: 0s\n  networkRate: 0.4\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.Interval != DefaultSyncInterval || cfg.Sync.NetworkRate != 0.4 {
		t.Fatalf("unexpected sync config: %+v", cfg.Sync)
	}
}

func TestInboundLimiterConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "inbound:\n  rateLimitRps: 5\n  maxSenders: 0\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lc := cfg.Inbound.Limiter()
	if lc.RPS != 5 || lc.Burst != 20 || lc.MaxSenders != ratelimiter.DefaultMaxSenders {
		t.Fatalf("unexpected limiter config: %+v", lc)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	if _, err := Load(writeConfig(t, "discovery:\n  ambientPinRate: 1.5\n")); err == nil {
		t.Fatalf("expected pin rate validation error")
	}
	if _, err := Load(writeConfig(t, "network:\n  transport: carrier-pigeon\n")); err == nil {
		t.Fatalf("expected transport validation error")
	}
	if _, err := Load(writeConfig(t, "logLevel: chatty\n")); err == nil {
		t.Fatalf("expected log level validation error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
