package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	General GeneralConfig `toml:"general" yaml:"general"`
	Pool    PoolConfig    `toml:"pool" yaml:"pool"`
	Worker  WorkerConfig  `toml:"worker" yaml:"worker"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// GeneralConfig holds general application settings
type GeneralConfig struct {
	Name      string `toml:"name" yaml:"name"`
	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`
}

// PoolConfig holds the call engine and pool settings
type PoolConfig struct {
	// Label prefixes every terminal error and log line (e.g. the VO name)
	Label           string   `toml:"label" yaml:"label"`
	MaxWorkers      int      `toml:"max_workers" yaml:"max_workers"`
	MaxAttempts     int      `toml:"max_attempts" yaml:"max_attempts"`
	RetryDelay      Duration `toml:"retry_delay" yaml:"retry_delay"`
	ResponseTimeout Duration `toml:"response_timeout" yaml:"response_timeout"`
	MaxUses         int      `toml:"max_uses" yaml:"max_uses"`
	SpawnAttempts   int      `toml:"spawn_attempts" yaml:"spawn_attempts"`
	// RateLimit in calls per second; 0 disables the limiter
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" yaml:"rate_burst"`
}

// WorkerConfig describes how worker processes are started
type WorkerConfig struct {
	// Command defaults to the running executable
	Command        string            `toml:"command" yaml:"command"`
	Args           []string          `toml:"args" yaml:"args"`
	Env            map[string]string `toml:"env" yaml:"env"`
	Transport      string            `toml:"transport" yaml:"transport"`
	Codec          string            `toml:"codec" yaml:"codec"`
	SocketDir      string            `toml:"socket_dir" yaml:"socket_dir"`
	StartupTimeout Duration          `toml:"startup_timeout" yaml:"startup_timeout"`
}

// MetricsConfig holds Prometheus exporter settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Address string `toml:"address" yaml:"address"`
}

// Duration wraps time.Duration for TOML and YAML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration as a string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses a duration scalar
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Transports and codecs understood by the worker launcher
const (
	TransportPipe = "pipe"
	TransportGRPC = "grpc"

	CodecProto = "proto"
	CodecJSON  = "json"
)

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a TOML or YAML file; the format is chosen
// by file extension (.yaml/.yml, everything else is TOML)
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.expandEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration from the IPCPOOL_CONFIG environment
// variable or one of the default locations. Without any file it returns
// the defaults.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv("IPCPOOL_CONFIG")
	if path == "" {
		defaultPaths := []string{
			"./configs/ipcpool.toml",
			"./ipcpool.toml",
			"./ipcpool.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/ipcpool/config.toml"),
		}
		for _, p := range defaultPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies IPCPOOL_* environment variables on top of the
// loaded values
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("IPCPOOL_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid IPCPOOL_MAX_WORKERS %q: %w", v, err)
		}
		c.Pool.MaxWorkers = n
	}
	if v := os.Getenv("IPCPOOL_TRANSPORT"); v != "" {
		c.Worker.Transport = v
	}
	if v := os.Getenv("IPCPOOL_LOG_LEVEL"); v != "" {
		c.General.LogLevel = v
	}
	if v := os.Getenv("IPCPOOL_LABEL"); v != "" {
		c.Pool.Label = v
	}
	return c.Validate()
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be positive, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.MaxAttempts <= 0 {
		return fmt.Errorf("pool.max_attempts must be positive, got %d", c.Pool.MaxAttempts)
	}
	if c.Pool.MaxUses <= 0 {
		return fmt.Errorf("pool.max_uses must be positive, got %d", c.Pool.MaxUses)
	}
	switch c.Worker.Transport {
	case TransportPipe, TransportGRPC:
	default:
		return fmt.Errorf("unknown worker.transport %q", c.Worker.Transport)
	}
	switch c.Worker.Codec {
	case CodecProto, CodecJSON:
	default:
		return fmt.Errorf("unknown worker.codec %q", c.Worker.Codec)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// General
	if c.General.Name == "" {
		c.General.Name = "ipcpool"
	}
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.General.LogFormat == "" {
		c.General.LogFormat = "json"
	}

	// Pool
	if c.Pool.Label == "" {
		c.Pool.Label = "default"
	}
	if c.Pool.MaxWorkers == 0 {
		c.Pool.MaxWorkers = 4
	}
	if c.Pool.MaxAttempts == 0 {
		c.Pool.MaxAttempts = 3
	}
	if c.Pool.RetryDelay.Duration == 0 {
		c.Pool.RetryDelay.Duration = time.Second
	}
	if c.Pool.ResponseTimeout.Duration == 0 {
		c.Pool.ResponseTimeout.Duration = 180 * time.Second
	}
	if c.Pool.MaxUses == 0 {
		c.Pool.MaxUses = 5000
	}
	if c.Pool.SpawnAttempts == 0 {
		c.Pool.SpawnAttempts = 3
	}
	if c.Pool.RateLimit > 0 && c.Pool.RateBurst == 0 {
		c.Pool.RateBurst = 1
	}

	// Worker
	if len(c.Worker.Args) == 0 {
		c.Worker.Args = []string{"worker"}
	}
	if c.Worker.Transport == "" {
		c.Worker.Transport = TransportPipe
	}
	if c.Worker.Codec == "" {
		c.Worker.Codec = CodecProto
	}
	if c.Worker.SocketDir == "" {
		c.Worker.SocketDir = os.TempDir()
	}
	if c.Worker.StartupTimeout.Duration == 0 {
		c.Worker.StartupTimeout.Duration = 10 * time.Second
	}

	// Metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = "127.0.0.1:9464"
	}
}

// expandEnvVars expands environment variables in configuration values
func (c *Config) expandEnvVars() {
	c.Worker.Command = os.ExpandEnv(c.Worker.Command)
	c.Worker.SocketDir = os.ExpandEnv(c.Worker.SocketDir)
	for k, v := range c.Worker.Env {
		c.Worker.Env[k] = os.ExpandEnv(v)
	}
}

// WorkerCommand returns the worker executable, defaulting to the running binary
func (c *Config) WorkerCommand() (string, error) {
	if c.Worker.Command != "" {
		return c.Worker.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to resolve worker executable: %w", err)
	}
	return exe, nil
}
