// Package config handles node configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/discovery"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
)

// EnvPrefix prefixes environment overrides, e.g. VL1_LOG_LEVEL.
const EnvPrefix = "VL1"

// Config is the top-level node configuration.
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Roots   []RootConfig  `mapstructure:"roots"`
	Whois   WhoisConfig   `mapstructure:"whois"`
	Defrag  DefragConfig  `mapstructure:"defrag"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ─── Node ───

// NodeConfig contains the local node settings.
type NodeConfig struct {
	Listen        string        `mapstructure:"listen"`
	Transport     string        `mapstructure:"transport"` // udp | quic
	MTU           int           `mapstructure:"mtu"`
	IdentityPath  string        `mapstructure:"identity_path"`
	StorePath     string        `mapstructure:"store_path"` // empty = in-memory
	LegacyCipher  bool          `mapstructure:"legacy_cipher"`
	HelloInterval time.Duration `mapstructure:"hello_interval"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
}

// RootConfig names a root by its public identity and endpoint.
type RootConfig struct {
	Identity string `mapstructure:"identity"`
	Endpoint string `mapstructure:"endpoint"` // e.g. udp/203.0.113.1:9993
}

// ─── Protocol ───

// WhoisConfig tunes address resolution.
type WhoisConfig struct {
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	RetryMax          int           `mapstructure:"retry_max"`
	MaxWaitingPackets int           `mapstructure:"max_waiting_packets"`
	RateLimit         int           `mapstructure:"rate_limit"` // answers per peer per window, 0 = unlimited
	RateWindow        time.Duration `mapstructure:"rate_window"`
}

// DefragConfig bounds packet reassembly.
type DefragConfig struct {
	MaxInFlight int           `mapstructure:"max_in_flight"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SessionConfig bounds session key usage and handshakes.
type SessionConfig struct {
	MaxKeyUses       uint64        `mapstructure:"max_key_uses"`
	RekeyAfterUses   uint64        `mapstructure:"rekey_after_uses"`
	OffersPerWindow  int           `mapstructure:"offers_per_window"`
	Window           time.Duration `mapstructure:"window"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
}

// ─── Observability ───

// LogConfig configures logging.
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"` // json | text
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig configures the rotating log file.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Loading ───

// Load reads the configuration at path. Missing keys take their defaults and
// VL1_ prefixed environment variables override both.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file overrides anything.
func Default() (*Config, error) {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefault writes the default configuration as YAML to path.
func WriteDefault(path string) error {
	settings := newViper().AllSettings()
	settings["roots"] = []map[string]string{}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults sets default values for configuration. Durations are strings so
// the written default file stays readable.
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("node.listen", "0.0.0.0:9993")
	v.SetDefault("node.transport", discovery.NetworkUDP)
	v.SetDefault("node.mtu", protocol.DefaultMTU)
	v.SetDefault("node.identity_path", "identity.secret")
	v.SetDefault("node.store_path", "")
	v.SetDefault("node.legacy_cipher", false)
	v.SetDefault("node.hello_interval", "60s")
	v.SetDefault("node.tick_interval", "250ms")

	// Whois defaults
	v.SetDefault("whois.retry_interval", "1s")
	v.SetDefault("whois.retry_max", 3)
	v.SetDefault("whois.max_waiting_packets", 32)
	v.SetDefault("whois.rate_limit", 100)
	v.SetDefault("whois.rate_window", "10s")

	// Defragmentation defaults
	v.SetDefault("defrag.max_in_flight", protocol.DefaultMaxInFlight)
	v.SetDefault("defrag.timeout", "1500ms")

	// Session defaults
	v.SetDefault("session.max_key_uses", uint64(1)<<32)
	v.SetDefault("session.rekey_after_uses", uint64(1)<<30)
	v.SetDefault("session.offers_per_window", 8)
	v.SetDefault("session.window", "10s")
	v.SetDefault("session.handshake_timeout", "10s")
	v.SetDefault("session.idle_timeout", "0s")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "vl1node.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.compress", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9094")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for values the node cannot run with.
func (cfg *Config) Validate() error {
	// ── Node ──
	if cfg.Node.Transport != discovery.NetworkUDP && cfg.Node.Transport != discovery.NetworkQUIC {
		return fmt.Errorf("invalid node.transport: %s (must be udp/quic)", cfg.Node.Transport)
	}
	if cfg.Node.MTU < protocol.MinMTU || cfg.Node.MTU > protocol.PacketSizeMax {
		return fmt.Errorf("invalid node.mtu: %d (must be %d-%d)", cfg.Node.MTU, protocol.MinMTU, protocol.PacketSizeMax)
	}
	if cfg.Node.Listen == "" {
		return fmt.Errorf("node.listen is required")
	}
	if cfg.Node.IdentityPath == "" {
		return fmt.Errorf("node.identity_path is required")
	}

	// ── Roots ──
	for i, r := range cfg.Roots {
		if _, err := r.Parse(); err != nil {
			return fmt.Errorf("roots[%d]: %w", i, err)
		}
	}

	// ── Protocol ──
	if cfg.Whois.RetryMax < 1 {
		return fmt.Errorf("invalid whois.retry_max: %d (must be at least 1)", cfg.Whois.RetryMax)
	}
	if cfg.Defrag.MaxInFlight < 1 {
		return fmt.Errorf("invalid defrag.max_in_flight: %d (must be at least 1)", cfg.Defrag.MaxInFlight)
	}
	if cfg.Whois.RetryInterval <= 0 || cfg.Defrag.Timeout <= 0 {
		return fmt.Errorf("whois.retry_interval and defrag.timeout must be positive")
	}
	if cfg.Session.RekeyAfterUses > cfg.Session.MaxKeyUses {
		return fmt.Errorf("session.rekey_after_uses (%d) exceeds session.max_key_uses (%d)",
			cfg.Session.RekeyAfterUses, cfg.Session.MaxKeyUses)
	}

	// ── Log ──
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	return nil
}

// ParsedRoot is a root ready for use by a node.
type ParsedRoot struct {
	Identity *identity.Identity
	Endpoint discovery.Endpoint
}

// Parse decodes and validates the root's identity and endpoint.
func (r RootConfig) Parse() (ParsedRoot, error) {
	id, err := identity.ParseIdentity(r.Identity)
	if err != nil {
		return ParsedRoot{}, fmt.Errorf("identity: %w", err)
	}
	ep, err := discovery.ParseEndpoint(r.Endpoint)
	if err != nil {
		return ParsedRoot{}, fmt.Errorf("endpoint: %w", err)
	}
	return ParsedRoot{Identity: id.Public(), Endpoint: ep}, nil
}

// Ticks converts a duration to protocol ticks.
func Ticks(d time.Duration) int64 { return d.Milliseconds() }
