// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"firestige.xyz/dropsock/internal/core"
)

// GlobalConfig represents the top-level global static configuration.
// Maps to the `dropsock:` root key in YAML.
type GlobalConfig struct {
	Node           NodeConfig           `mapstructure:"node"`
	Control        ControlConfig        `mapstructure:"control"`
	Intake         IntakeConfig         `mapstructure:"intake"`
	Table          TableConfig          `mapstructure:"table"`
	Contexts       []ContextConfig      `mapstructure:"contexts"`
	CommandChannel CommandChannelConfig `mapstructure:"command_channel"`
	Audit          AuditConfig          `mapstructure:"audit"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Log            LogConfig            `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname"` // Empty = os.Hostname()
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket      string `mapstructure:"socket"` // JSON-RPC control socket
	PIDFile     string `mapstructure:"pid_file"`
	SocketDir   string `mapstructure:"socket_dir"`   // one <context>.sock per context
	MaxSessions int    `mapstructure:"max_sessions"` // concurrent sessions per drop endpoint
}

// DropSocket returns the drop endpoint path of the named context.
func (c ControlConfig) DropSocket(context string) string {
	return strings.TrimRight(c.SocketDir, "/") + "/" + context + ".sock"
}

// ─── Request Intake ───

// IntakeConfig bounds request assembly.
type IntakeConfig struct {
	MaxRequestBytes int `mapstructure:"max_request_bytes"`
	GrowthQuantum   int `mapstructure:"growth_quantum"`
}

// ─── Connection Table ───

// TableConfig selects the connection table backend.
type TableConfig struct {
	Backend string `mapstructure:"backend"` // netlink | memory
}

// ─── Contexts ───

// DefaultContext names the context bound to the daemon's own namespace.
const DefaultContext = "default"

// ContextConfig declares one context. An empty Netns means the daemon's own
// network namespace; a bare name resolves under /var/run/netns.
type ContextConfig struct {
	Name  string `mapstructure:"name" json:"name"`
	Netns string `mapstructure:"netns" json:"netns,omitempty"`
}

// Validate checks that the context name is usable as a socket file name.
func (c ContextConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: context name is required", core.ErrConfigInvalid)
	}
	if c.Name == "." || c.Name == ".." || strings.ContainsAny(c.Name, "/\x00") {
		return fmt.Errorf("%w: invalid context name %q", core.ErrConfigInvalid, c.Name)
	}
	return nil
}

// DecodeContext decodes a loosely typed context spec, as received over the
// control socket, with the same keys as the config file.
func DecodeContext(raw map[string]interface{}) (ContextConfig, error) {
	var spec ContextConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		ErrorUnused:      true,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return spec, err
	}
	if err := dec.Decode(raw); err != nil {
		return spec, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return spec, spec.Validate()
}

// ─── Command Channel ───

// CommandChannelConfig configures the remote drop intake.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Type       string             `mapstructure:"type"` // "kafka"
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL time.Duration      `mapstructure:"command_ttl"` // Default 5m
}

// CommandKafkaConfig contains Kafka-specific command channel settings.
type CommandKafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	GroupID         string   `mapstructure:"group_id"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset"` // earliest | latest
}

// ─── Audit Journal ───

// AuditConfig configures the Redis termination journal.
type AuditConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	MaxEntries int64         `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level"`  // debug / info / warn / error
	Format     string           `mapstructure:"format"` // json / text
	Pattern    string           `mapstructure:"pattern"`
	TimeFormat string           `mapstructure:"time_format"`
	Outputs    LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dropsock: ...`.
type configRoot struct {
	Dropsock GlobalConfig `mapstructure:"dropsock"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to DROPSOCK_* environment overrides.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `dropsock.` key prefix maps to DROPSOCK_ in env vars via the key
	// replacer (e.g. key "dropsock.log.level" → env "DROPSOCK_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Dropsock

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "dropsock." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("dropsock.control.socket", "/var/run/dropsock/control.sock")
	v.SetDefault("dropsock.control.pid_file", "/var/run/dropsock/dropsock.pid")
	v.SetDefault("dropsock.control.socket_dir", "/var/run/dropsock/ctx")
	v.SetDefault("dropsock.control.max_sessions", 64)

	// Intake defaults
	v.SetDefault("dropsock.intake.max_request_bytes", 16*4096)
	v.SetDefault("dropsock.intake.growth_quantum", 4096)

	// Table defaults
	v.SetDefault("dropsock.table.backend", "netlink")

	// Log defaults
	v.SetDefault("dropsock.log.level", "info")
	v.SetDefault("dropsock.log.format", "text")
	v.SetDefault("dropsock.log.outputs.file.enabled", false)
	v.SetDefault("dropsock.log.outputs.file.path", "/var/log/dropsock/dropsock.log")
	v.SetDefault("dropsock.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("dropsock.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("dropsock.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("dropsock.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("dropsock.metrics.enabled", true)
	v.SetDefault("dropsock.metrics.listen", ":9092")
	v.SetDefault("dropsock.metrics.path", "/metrics")

	// Command channel defaults
	v.SetDefault("dropsock.command_channel.enabled", false)
	v.SetDefault("dropsock.command_channel.type", "kafka")
	v.SetDefault("dropsock.command_channel.kafka.auto_offset_reset", "latest")
	v.SetDefault("dropsock.command_channel.command_ttl", "5m")

	// Audit defaults
	v.SetDefault("dropsock.audit.enabled", false)
	v.SetDefault("dropsock.audit.addr", "127.0.0.1:6379")
	v.SetDefault("dropsock.audit.key_prefix", "dropsock:audit:")
	v.SetDefault("dropsock.audit.max_entries", 10000)
	v.SetDefault("dropsock.audit.ttl", "168h")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Control ──
	if cfg.Control.SocketDir == "" {
		return fmt.Errorf("control.socket_dir is required")
	}
	if cfg.Control.MaxSessions <= 0 {
		return fmt.Errorf("invalid control.max_sessions: %d (must be > 0)", cfg.Control.MaxSessions)
	}

	// ── Intake ──
	if cfg.Intake.GrowthQuantum <= 0 {
		return fmt.Errorf("invalid intake.growth_quantum: %d (must be > 0)", cfg.Intake.GrowthQuantum)
	}
	if cfg.Intake.MaxRequestBytes <= 0 {
		return fmt.Errorf("invalid intake.max_request_bytes: %d (must be > 0)", cfg.Intake.MaxRequestBytes)
	}

	// ── Table ──
	switch cfg.Table.Backend {
	case "netlink", "memory":
	default:
		return fmt.Errorf("unsupported table.backend: %s (must be netlink/memory)", cfg.Table.Backend)
	}

	// ── Contexts ──
	if len(cfg.Contexts) == 0 {
		cfg.Contexts = []ContextConfig{{Name: DefaultContext}}
	}
	seen := make(map[string]bool, len(cfg.Contexts))
	for _, c := range cfg.Contexts {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate context %q", core.ErrConfigInvalid, c.Name)
		}
		seen[c.Name] = true
	}

	// ── Command channel validation ──
	if cfg.CommandChannel.Enabled {
		if cfg.CommandChannel.Type != "kafka" {
			return fmt.Errorf("unsupported command_channel.type: %s (only 'kafka' supported)", cfg.CommandChannel.Type)
		}
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			return fmt.Errorf("command_channel.kafka.brokers is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.Topic == "" {
			return fmt.Errorf("command_channel.kafka.topic is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.GroupID == "" {
			cfg.CommandChannel.Kafka.GroupID = "dropsock-" + cfg.Node.Hostname
		}
	}

	// ── Audit ──
	if cfg.Audit.Enabled && cfg.Audit.Addr == "" {
		return fmt.Errorf("audit.addr is required when audit.enabled=true")
	}

	return nil
}
