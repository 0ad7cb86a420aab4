// Package config handles bridge configuration loading and validation.
//
// A config file may be JSON (comments allowed), TOML or YAML; the format is
// chosen from the file extension.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the top-level bridge configuration.
type Config struct {
	Server    ServerConfig    `json:"server" toml:"server" yaml:"server"`
	Bridge    BridgeConfig    `json:"bridge" toml:"bridge" yaml:"bridge"`
	OTA       OTAConfig       `json:"ota" toml:"ota" yaml:"ota"`
	Storage   StorageConfig   `json:"storage" toml:"storage" yaml:"storage"`
	Forwarder ForwarderConfig `json:"forwarder" toml:"forwarder" yaml:"forwarder"`
	Logging   LoggingConfig   `json:"logging" toml:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" toml:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	TCPAddr        string   `json:"tcp_addr" toml:"tcp_addr" yaml:"tcp_addr"` // robots; default ":9000"
	WSAddr         string   `json:"ws_addr" toml:"ws_addr" yaml:"ws_addr"`    // subscribers; default ":9003"
	APIAddr        string   `json:"api_addr" toml:"api_addr" yaml:"api_addr"` // admin API; default ":9004"
	AllowedOrigins []string `json:"allowed_origins,omitempty" toml:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" toml:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`
}

// BridgeConfig tunes the TCP and WebSocket connection handlers.
type BridgeConfig struct {
	RegistrationTimeout Duration `json:"registration_timeout,omitempty" toml:"registration_timeout,omitempty" yaml:"registration_timeout,omitempty"`
	MaxLineBytes        int      `json:"max_line_bytes,omitempty" toml:"max_line_bytes,omitempty" yaml:"max_line_bytes,omitempty"`
	MaxClientMsgBytes   int64    `json:"max_client_msg_bytes,omitempty" toml:"max_client_msg_bytes,omitempty" yaml:"max_client_msg_bytes,omitempty"`
	ClientMsgRate       float64  `json:"client_msg_rate,omitempty" toml:"client_msg_rate,omitempty" yaml:"client_msg_rate,omitempty"`
	ClientMsgBurst      int      `json:"client_msg_burst,omitempty" toml:"client_msg_burst,omitempty" yaml:"client_msg_burst,omitempty"`
	SendQueueSize       int      `json:"send_queue_size,omitempty" toml:"send_queue_size,omitempty" yaml:"send_queue_size,omitempty"`
	WriteTimeout        Duration `json:"write_timeout,omitempty" toml:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
}

// OTAConfig defines tunnel and command channel settings.
type OTAConfig struct {
	DefaultPort    int      `json:"default_port,omitempty" toml:"default_port,omitempty" yaml:"default_port,omitempty"`
	CommandPort    int      `json:"command_port,omitempty" toml:"command_port,omitempty" yaml:"command_port,omitempty"`
	DialTimeout    Duration `json:"dial_timeout,omitempty" toml:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	CommandTimeout Duration `json:"command_timeout,omitempty" toml:"command_timeout,omitempty" yaml:"command_timeout,omitempty"`
	ChunkDumpDir   string   `json:"chunk_dump_dir,omitempty" toml:"chunk_dump_dir,omitempty" yaml:"chunk_dump_dir,omitempty"` // empty disables
	ChunkDumpEvery int      `json:"chunk_dump_every,omitempty" toml:"chunk_dump_every,omitempty" yaml:"chunk_dump_every,omitempty"`
}

// StorageConfig defines telemetry persistence.
type StorageConfig struct {
	Driver        string   `json:"driver" toml:"driver" yaml:"driver"` // "sqlite" or "postgres"
	DSN           string   `json:"dsn" toml:"dsn" yaml:"dsn"`
	Retention     Duration `json:"retention,omitempty" toml:"retention,omitempty" yaml:"retention,omitempty"`
	PersistTypes  []string `json:"persist_types,omitempty" toml:"persist_types,omitempty" yaml:"persist_types,omitempty"`
	QueueSize     int      `json:"queue_size,omitempty" toml:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	BatchSize     int      `json:"batch_size,omitempty" toml:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	FlushInterval Duration `json:"flush_interval,omitempty" toml:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
}

// ForwarderConfig defines the downstream HTTP forwarder. Disabled by default.
type ForwarderConfig struct {
	Enabled   bool     `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL       string   `json:"url,omitempty" toml:"url,omitempty" yaml:"url,omitempty"`
	BatchSize int      `json:"batch_size,omitempty" toml:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	MaxWait   Duration `json:"max_wait,omitempty" toml:"max_wait,omitempty" yaml:"max_wait,omitempty"`
	Gzip      bool     `json:"gzip,omitempty" toml:"gzip,omitempty" yaml:"gzip,omitempty"`
	Timeout   Duration `json:"timeout,omitempty" toml:"timeout,omitempty" yaml:"timeout,omitempty"`
	QueueSize int      `json:"queue_size,omitempty" toml:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level      string `json:"level,omitempty" toml:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
	File       string `json:"file,omitempty" toml:"file,omitempty" yaml:"file,omitempty"`       // optional rotating log file
	MaxSizeMB  int    `json:"max_size_mb,omitempty" toml:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" toml:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" toml:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
}

// RateLimitConfig defines admin API rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" toml:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty" toml:"burst,omitempty" yaml:"burst,omitempty"`
}

// Format identifies a config file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the encoding from a file name. Unknown extensions are JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes data in the given format, applies defaults and validates.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &cfg)
	case FormatYAML:
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Marshal encodes cfg in the given format.
func Marshal(cfg *Config, format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return nil, err
		}
		return []byte(b.String()), nil
	case FormatYAML:
		return yaml.Marshal(cfg)
	default:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	data, err := Marshal(cfg, FormatOf(path))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate applies defaults to unset fields and checks the result.
func (c *Config) Validate() error {
	c.applyDefaults()
	return c.validate()
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) validate() error {
	if c.Server.TCPAddr == c.Server.WSAddr || c.Server.TCPAddr == c.Server.APIAddr || c.Server.WSAddr == c.Server.APIAddr {
		return fmt.Errorf("server.tcp_addr, server.ws_addr and server.api_addr must differ")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level %q is invalid", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text")
	}
	if c.Forwarder.Enabled && c.Forwarder.URL == "" {
		return fmt.Errorf("forwarder.url is required when forwarder is enabled")
	}
	for name, port := range map[string]int{"ota.default_port": c.OTA.DefaultPort, "ota.command_port": c.OTA.CommandPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s %d is out of range", name, port)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.TCPAddr == "" {
		c.Server.TCPAddr = ":9000"
	}
	if c.Server.WSAddr == "" {
		c.Server.WSAddr = ":9003"
	}
	if c.Server.APIAddr == "" {
		c.Server.APIAddr = ":9004"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 16 * 1024 * 1024 // firmware uploads
	}

	if c.Bridge.RegistrationTimeout.Duration == 0 {
		c.Bridge.RegistrationTimeout.Duration = 5 * time.Second
	}
	if c.Bridge.MaxLineBytes == 0 {
		c.Bridge.MaxLineBytes = 1024 * 1024
	}
	if c.Bridge.MaxClientMsgBytes == 0 {
		c.Bridge.MaxClientMsgBytes = 1024 * 1024
	}
	if c.Bridge.ClientMsgRate == 0 {
		c.Bridge.ClientMsgRate = 200
	}
	if c.Bridge.ClientMsgBurst == 0 {
		c.Bridge.ClientMsgBurst = 400
	}
	if c.Bridge.SendQueueSize == 0 {
		c.Bridge.SendQueueSize = 256
	}
	if c.Bridge.WriteTimeout.Duration == 0 {
		c.Bridge.WriteTimeout.Duration = 10 * time.Second
	}

	if c.OTA.DefaultPort == 0 {
		c.OTA.DefaultPort = 12345
	}
	if c.OTA.CommandPort == 0 {
		c.OTA.CommandPort = 12346
	}
	if c.OTA.DialTimeout.Duration == 0 {
		c.OTA.DialTimeout.Duration = 5 * time.Second
	}
	if c.OTA.CommandTimeout.Duration == 0 {
		c.OTA.CommandTimeout.Duration = 3 * time.Second
	}
	if c.OTA.ChunkDumpEvery == 0 {
		c.OTA.ChunkDumpEvery = 100
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "robobridge.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.PersistTypes == nil {
		c.Storage.PersistTypes = []string{"encoder", "bno055"}
	}
	if c.Storage.QueueSize == 0 {
		c.Storage.QueueSize = 4096
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval.Duration == 0 {
		c.Storage.FlushInterval.Duration = time.Second
	}

	if c.Forwarder.BatchSize == 0 {
		c.Forwarder.BatchSize = 20
	}
	if c.Forwarder.MaxWait.Duration == 0 {
		c.Forwarder.MaxWait.Duration = 200 * time.Millisecond
	}
	if c.Forwarder.Timeout.Duration == 0 {
		c.Forwarder.Timeout.Duration = 5 * time.Second
	}
	if c.Forwarder.QueueSize == 0 {
		c.Forwarder.QueueSize = 1024
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
