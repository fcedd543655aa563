package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/srg/bedrest/internal/command"
	"github.com/srg/bedrest/internal/device"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. BEDREST_LISTEN.
const EnvPrefix = "BEDREST"

// RetryConfig bounds reconnect attempts for a bed that failed to connect.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" default:"3"`
	InitialInterval time.Duration `yaml:"initial_interval" default:"1s"`
	MaxInterval     time.Duration `yaml:"max_interval" default:"30s"`
}

// RateLimitConfig is the per-client HTTP token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" default:"600"`
	Burst             int `yaml:"burst" default:"20"`
}

// MDNSConfig controls DNS-SD advertisement of the HTTP endpoint.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance" default:"bedrest"`
}

// ArgumentCommandConfig describes one argument command in YAML form.
type ArgumentCommandConfig struct {
	Min      uint64 `yaml:"min"`
	Max      uint64 `yaml:"max"`
	Offset   int    `yaml:"offset"`
	Length   int    `yaml:"length"`
	Template string `yaml:"template"`
}

// Config holds application configuration
type Config struct {
	LogLevel logrus.Level `yaml:"log_level"`
	LogFile  string       `yaml:"log_file"`
	Listen   string       `yaml:"listen" default:":8080"`

	ServiceUUID        string `yaml:"service_uuid" default:"1b1d9641b9424da889cc98e6a58fbd93"`
	CharacteristicUUID string `yaml:"characteristic_uuid" default:"6af87926dc79412ea3e05f85c2d55de2"`
	Beds               *Beds  `yaml:"beds"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout" default:"30s"`
	DiscoveryTimeout     time.Duration `yaml:"discovery_timeout" default:"10s"`
	WriteTimeout         time.Duration `yaml:"write_timeout" default:"5s"`
	AdapterRetryInterval time.Duration `yaml:"adapter_retry_interval" default:"5s"`

	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	MDNS      MDNSConfig      `yaml:"mdns"`

	// Commands and ArgumentCommands extend or override the built-in tables.
	Commands         map[string]string                `yaml:"commands"`
	ArgumentCommands map[string]ArgumentCommandConfig `yaml:"argument_commands"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	cfg.Beds = NewBeds()
	return cfg
}

// Load reads the YAML file at path on top of the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document does not mention.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Beds == nil {
		cfg.Beds = NewBeds()
	}
	return nil
}

// ApplyOverrides copies every key set in v (environment or bound flags) over cfg.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	if v.IsSet("log_level") {
		lvl, err := logrus.ParseLevel(v.GetString("log_level"))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", v.GetString("log_level"), err)
		}
		c.LogLevel = lvl
	}
	if v.IsSet("log_file") {
		c.LogFile = v.GetString("log_file")
	}
	if v.IsSet("listen") {
		c.Listen = v.GetString("listen")
	}
	if v.IsSet("service_uuid") {
		c.ServiceUUID = v.GetString("service_uuid")
	}
	if v.IsSet("characteristic_uuid") {
		c.CharacteristicUUID = v.GetString("characteristic_uuid")
	}
	if v.IsSet("connect_timeout") {
		c.ConnectTimeout = v.GetDuration("connect_timeout")
	}
	if v.IsSet("discovery_timeout") {
		c.DiscoveryTimeout = v.GetDuration("discovery_timeout")
	}
	if v.IsSet("write_timeout") {
		c.WriteTimeout = v.GetDuration("write_timeout")
	}
	if v.IsSet("mdns.enabled") {
		c.MDNS.Enabled = v.GetBool("mdns.enabled")
	}
	return nil
}

// NewViper returns a viper instance reading BEDREST_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	var errs []error

	if c.Beds == nil || c.Beds.Len() == 0 {
		errs = append(errs, errors.New("at least one bed must be configured"))
	}
	if _, err := device.ValidateUUID(c.ServiceUUID); err != nil {
		errs = append(errs, fmt.Errorf("service_uuid: %w", err))
	}
	if _, err := device.ValidateUUID(c.CharacteristicUUID); err != nil {
		errs = append(errs, fmt.Errorf("characteristic_uuid: %w", err))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address cannot be empty"))
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":   c.ConnectTimeout,
		"discovery_timeout": c.DiscoveryTimeout,
		"write_timeout":     c.WriteTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts cannot be negative, got %d", c.Retry.MaxAttempts))
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values cannot be negative"))
	}
	if _, err := c.CommandTable(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// CommandTable returns the built-in command table merged with configured commands.
func (c *Config) CommandTable() (*command.Table, error) {
	simple := make(map[string][]byte, len(c.Commands))
	for name, hexPayload := range c.Commands {
		payload, err := command.ParseHex(hexPayload)
		if err != nil {
			return nil, fmt.Errorf("commands.%s: %w", name, err)
		}
		simple[name] = payload
	}

	argument := make(map[string]command.ArgumentDescriptor, len(c.ArgumentCommands))
	for name, ac := range c.ArgumentCommands {
		tmpl, err := command.ParseHex(ac.Template)
		if err != nil {
			return nil, fmt.Errorf("argument_commands.%s.template: %w", name, err)
		}
		argument[name] = command.ArgumentDescriptor{
			Min:      ac.Min,
			Max:      ac.Max,
			Offset:   ac.Offset,
			Length:   ac.Length,
			Template: tmpl,
		}
	}

	table, err := command.DefaultTable().Merge(simple, argument)
	if err != nil {
		return nil, fmt.Errorf("invalid command table: %w", err)
	}
	return table, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if c.LogFile != "" {
		logger.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}))
	}

	return logger
}
