// Package config manages gopmtud daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flag overlays.
// CLI flags stay authoritative: the file and environment only supply
// values for flags the operator did not set.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gopmtud/internal/bitmap"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Defaults for the rate limiters, matching the daemon's long-standing
// operational values.
const (
	// DefaultSrcRatePPS is the default per-source admit rate.
	DefaultSrcRatePPS = 1.0

	// DefaultIfaceRatePPS is the default global egress admit rate.
	DefaultIfaceRatePPS = 10.0

	// BurstFactor scales a rate into its token-bucket burst ceiling.
	BurstFactor = 1.9
)

// Rate-limit table capacities. The source table is prime-ish to reduce
// modulo clustering; the interface table is a single global bucket.
const (
	SourceTableCapacity = 8191
	IfaceTableCapacity  = 1
)

// PortUniverse is the size of the L4 source-port whitelist bitmap.
const PortUniverse = 65536

// Config holds the complete gopmtud configuration.
type Config struct {
	// Iface is the interface to capture and re-inject on. Required.
	Iface string `koanf:"iface"`

	// SrcRate is the per-source admit rate in packets per second.
	SrcRate float64 `koanf:"src_rate"`

	// IfaceRate is the global egress admit rate in packets per second.
	IfaceRate float64 `koanf:"iface_rate"`

	// Ports lists L4 source ports to whitelist. Empty means no port
	// filtering: every valid ICMP frame is forwarded.
	Ports []int `koanf:"ports"`

	// Verbose is the per-packet trace level (0-3).
	Verbose int `koanf:"verbose"`

	// DryRun classifies and rate limits but skips transmission.
	DryRun bool `koanf:"dry_run"`

	// CPU pins the process to the given CPU; -1 disables pinning.
	CPU int `koanf:"cpu"`

	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	// Empty disables the endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// SrcBurst returns the per-source token-bucket burst ceiling.
func (c *Config) SrcBurst() float64 {
	return c.SrcRate * BurstFactor
}

// IfaceBurst returns the global egress token-bucket burst ceiling.
func (c *Config) IfaceBurst() float64 {
	return c.IfaceRate * BurstFactor
}

// PortBitmap materializes the configured whitelist as a bitmap over the
// full port universe, or nil when no ports are configured.
func (c *Config) PortBitmap() *bitmap.Bitmap {
	if len(c.Ports) == 0 {
		return nil
	}
	m := bitmap.New(PortUniverse)
	for _, p := range c.Ports {
		m.Set(p)
	}
	return m
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the daemon's defaults.
// The interface has no default; it must be supplied by the operator.
func DefaultConfig() *Config {
	return &Config{
		SrcRate:   DefaultSrcRatePPS,
		IfaceRate: DefaultIfaceRatePPS,
		CPU:       -1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gopmtud configuration.
// Variables are named GOPMTUD_<section>_<key>, e.g., GOPMTUD_LOG_LEVEL.
const envPrefix = "GOPMTUD_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (GOPMTUD_ prefix), and merges on top
// of DefaultConfig(). Missing fields inherit defaults. The result is
// not validated; the caller applies CLI flag overrides first and then
// calls Validate.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GOPMTUD_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOPMTUD_LOG_LEVEL -> log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"iface":        defaults.Iface,
		"src_rate":     defaults.SrcRate,
		"iface_rate":   defaults.IfaceRate,
		"verbose":      defaults.Verbose,
		"dry_run":      defaults.DryRun,
		"cpu":          defaults.CPU,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Port list parsing
// -------------------------------------------------------------------------

// ErrMalformedPort indicates a --ports entry is not an integer in [0, 65535].
var ErrMalformedPort = errors.New("malformed port number value")

// ParsePortList parses a comma-separated port list ("80,443,8080").
// Every entry must be a bare decimal integer in [0, 65535]; anything
// else is fatal for the daemon.
func ParsePortList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ports := make([]int, 0, len(parts))
	for _, part := range parts {
		port, err := strconv.Atoi(part)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPort, part)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrIfaceRequired indicates no capture interface was supplied.
	ErrIfaceRequired = errors.New("iface must be set (--iface)")

	// ErrNonPositiveRate indicates a rate limit is zero or negative.
	ErrNonPositiveRate = errors.New("rates must be greater than zero")

	// ErrPortRange indicates a configured port is outside [0, 65535].
	ErrPortRange = errors.New("port outside the range 0-65535")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Iface == "" {
		return ErrIfaceRequired
	}

	if cfg.SrcRate <= 0 {
		return fmt.Errorf("src_rate %v: %w", cfg.SrcRate, ErrNonPositiveRate)
	}

	if cfg.IfaceRate <= 0 {
		return fmt.Errorf("iface_rate %v: %w", cfg.IfaceRate, ErrNonPositiveRate)
	}

	for _, p := range cfg.Ports {
		if p < 0 || p >= PortUniverse {
			return fmt.Errorf("port %d: %w", p, ErrPortRange)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
