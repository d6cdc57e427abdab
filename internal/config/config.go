// Package config handles TOML configuration parsing, validation, and
// defaulting for maapd.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jasonjhjeon/maapd/pkg/maap"
)

// Config is the top-level configuration for maapd.
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon"`
	Pool    PoolConfig    `toml:"pool"`
	Timers  TimersConfig  `toml:"timers"`
	Metrics MetricsConfig `toml:"metrics"`
	Control ControlConfig `toml:"control"`
	Audit   AuditConfig   `toml:"audit"`
}

// DaemonConfig holds the core daemon settings: which interface to bind and
// how to log.
type DaemonConfig struct {
	Interface string `toml:"interface"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	PIDFile   string `toml:"pid_file"`
}

// PoolConfig holds the dynamic address pool this engine instance claims
// from. Defaults to the IEEE 1722-2016 Annex B dynamic pool.
type PoolConfig struct {
	Base   string `toml:"base"`
	Length int    `toml:"length"`
}

// TimersConfig holds the protocol's retransmit and jitter constants.
// Left empty, these default to the IEEE 1722-2016 Annex B.3 values.
type TimersConfig struct {
	ProbeRetransmits          int    `toml:"probe_retransmits"`
	ProbeIntervalBase         string `toml:"probe_interval_base"`
	ProbeIntervalVariation    string `toml:"probe_interval_variation"`
	AnnounceIntervalBase      string `toml:"announce_interval_base"`
	AnnounceIntervalVariation string `toml:"announce_interval_variation"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

// ControlConfig holds the local control-socket settings.
type ControlConfig struct {
	SocketPath   string `toml:"socket_path"`
	TokenHash    string `toml:"token_hash"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
}

// AuditConfig controls the notification-history log.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = DefaultLogLevel
	}
	if cfg.Daemon.LogFormat == "" {
		cfg.Daemon.LogFormat = DefaultLogFormat
	}
	if cfg.Pool.Base == "" {
		cfg.Pool.Base = maap.Uint64ToHWAddr(maap.PoolBase).String()
	}
	if cfg.Pool.Length == 0 {
		cfg.Pool.Length = DefaultPoolLength
	}
	if cfg.Timers.ProbeRetransmits == 0 {
		cfg.Timers.ProbeRetransmits = maap.ProbeRetransmits
	}
	if cfg.Timers.ProbeIntervalBase == "" {
		cfg.Timers.ProbeIntervalBase = maap.ProbeIntervalBase.String()
	}
	if cfg.Timers.ProbeIntervalVariation == "" {
		cfg.Timers.ProbeIntervalVariation = maap.ProbeIntervalVariation.String()
	}
	if cfg.Timers.AnnounceIntervalBase == "" {
		cfg.Timers.AnnounceIntervalBase = maap.AnnounceIntervalBase.String()
	}
	if cfg.Timers.AnnounceIntervalVariation == "" {
		cfg.Timers.AnnounceIntervalVariation = maap.AnnounceIntervalVariation.String()
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = DefaultMetricsListen
	}
	if cfg.Control.SocketPath == "" {
		cfg.Control.SocketPath = DefaultControlSocket
	}
	if cfg.Control.ReadTimeout == "" {
		cfg.Control.ReadTimeout = DefaultControlTimeout.String()
	}
	if cfg.Control.WriteTimeout == "" {
		cfg.Control.WriteTimeout = DefaultControlTimeout.String()
	}
	if cfg.Audit.DBPath == "" {
		cfg.Audit.DBPath = DefaultAuditDBPath
	}
}

func validate(cfg *Config) error {
	if cfg.Daemon.Interface == "" {
		return fmt.Errorf("daemon.interface is required")
	}

	if _, err := net.ParseMAC(cfg.Pool.Base); err != nil {
		return fmt.Errorf("pool.base: %w", err)
	}
	if cfg.Pool.Length <= 0 || cfg.Pool.Length > 0xFFFF {
		return fmt.Errorf("pool.length must be in (0, 0xFFFF], got %d", cfg.Pool.Length)
	}

	if cfg.Timers.ProbeRetransmits < 0 {
		return fmt.Errorf("timers.probe_retransmits must be non-negative")
	}
	for name, s := range map[string]string{
		"timers.probe_interval_base":         cfg.Timers.ProbeIntervalBase,
		"timers.probe_interval_variation":    cfg.Timers.ProbeIntervalVariation,
		"timers.announce_interval_base":      cfg.Timers.AnnounceIntervalBase,
		"timers.announce_interval_variation": cfg.Timers.AnnounceIntervalVariation,
		"control.read_timeout":               cfg.Control.ReadTimeout,
		"control.write_timeout":              cfg.Control.WriteTimeout,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if cfg.Control.SocketPath == "" {
		return fmt.Errorf("control.socket_path is required")
	}

	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		return fmt.Errorf("audit.db_path is required when audit.enabled is true")
	}

	return nil
}

// PoolBaseMAC parses Pool.Base into a net.HardwareAddr. Validated non-nil by
// Load; callers that construct a Config by hand should validate first.
func (cfg *Config) PoolBaseMAC() net.HardwareAddr {
	mac, _ := net.ParseMAC(cfg.Pool.Base)
	return mac
}

// ProbeIntervalBaseDuration parses Timers.ProbeIntervalBase, defaulting to the
// protocol constant on a malformed string (Load already validated it).
func (cfg *Config) ProbeIntervalBaseDuration() time.Duration {
	return mustDuration(cfg.Timers.ProbeIntervalBase, maap.ProbeIntervalBase)
}

// ProbeIntervalVariationDuration parses Timers.ProbeIntervalVariation.
func (cfg *Config) ProbeIntervalVariationDuration() time.Duration {
	return mustDuration(cfg.Timers.ProbeIntervalVariation, maap.ProbeIntervalVariation)
}

// AnnounceIntervalBaseDuration parses Timers.AnnounceIntervalBase.
func (cfg *Config) AnnounceIntervalBaseDuration() time.Duration {
	return mustDuration(cfg.Timers.AnnounceIntervalBase, maap.AnnounceIntervalBase)
}

// AnnounceIntervalVariationDuration parses Timers.AnnounceIntervalVariation.
func (cfg *Config) AnnounceIntervalVariationDuration() time.Duration {
	return mustDuration(cfg.Timers.AnnounceIntervalVariation, maap.AnnounceIntervalVariation)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
