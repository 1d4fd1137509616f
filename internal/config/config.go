// Package config loads process configuration from a YAML file, SDRCONTROL_
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/sdrcontrol/internal/control"
	"github.com/banshee-data/sdrcontrol/internal/device"
	"github.com/banshee-data/sdrcontrol/internal/driver"
)

// Driver names.
const (
	DriverLibrtlsdr = "librtlsdr"
	DriverRTLTCP    = "rtltcp"
	DriverMock      = "mock"
)

// EnvPrefix prefixes every environment override, e.g. SDRCONTROL_DB_PATH.
const EnvPrefix = "SDRCONTROL"

type Config struct {
	Driver  string        `mapstructure:"driver"`
	RTLTCP  RTLTCPConfig  `mapstructure:"rtltcp"`
	Acquire AcquireConfig `mapstructure:"acquire"`
	Stream  StreamConfig  `mapstructure:"stream"`
	DB      DBConfig      `mapstructure:"db"`
	Listen  string        `mapstructure:"listen"`
	Log     LogConfig     `mapstructure:"log"`
}

type RTLTCPConfig struct {
	Addresses   []string      `mapstructure:"addresses"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type AcquireConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Backoff       string        `mapstructure:"backoff"`
	MaxInterval   time.Duration `mapstructure:"max_interval"`
}

type StreamConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	BufferCount int           `mapstructure:"buffer_count"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	StrictStart bool          `mapstructure:"strict_start"`
	// SubscriberDepth is the per-client queue of the sample fanout.
	SubscriberDepth int `mapstructure:"subscriber_depth"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	policy := device.DefaultPolicy()

	v.SetDefault("driver", DriverLibrtlsdr)
	v.SetDefault("rtltcp.addresses", []string{})
	v.SetDefault("rtltcp.dial_timeout", 5*time.Second)
	v.SetDefault("acquire.timeout", policy.Timeout)
	v.SetDefault("acquire.retry_interval", policy.RetryInterval)
	v.SetDefault("acquire.backoff", policy.Backoff)
	v.SetDefault("acquire.max_interval", time.Duration(0))
	v.SetDefault("stream.buffer_size", driver.DefaultBufferLength)
	v.SetDefault("stream.buffer_count", 0)
	v.SetDefault("stream.stop_timeout", control.DefaultStopTimeout)
	v.SetDefault("stream.strict_start", false)
	v.SetDefault("stream.subscriber_depth", 8)
	v.SetDefault("db.path", "sdrcontrol.db")
	v.SetDefault("listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// NewViper returns a viper instance with defaults and environment overrides
// configured. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path into v, if path is set, and returns
// the validated result. Without a path, sdrcontrol.yaml is looked up in the
// working directory and /etc/sdrcontrol; a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sdrcontrol")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sdrcontrol")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks every field for a usable value.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverLibrtlsdr, DriverMock:
	case DriverRTLTCP:
		if len(c.RTLTCP.Addresses) == 0 {
			return errors.New("rtltcp driver needs at least one address")
		}
		if c.RTLTCP.DialTimeout <= 0 {
			return fmt.Errorf("rtltcp.dial_timeout must be positive, got %v", c.RTLTCP.DialTimeout)
		}
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}

	if err := c.Policy().Validate(); err != nil {
		return err
	}

	if c.Stream.BufferSize <= 0 || c.Stream.BufferSize%512 != 0 {
		return fmt.Errorf("stream.buffer_size must be a positive multiple of 512, got %d", c.Stream.BufferSize)
	}
	if c.Stream.BufferCount < 0 {
		return fmt.Errorf("stream.buffer_count must be non-negative, got %d", c.Stream.BufferCount)
	}
	if c.Stream.StopTimeout < 0 {
		return fmt.Errorf("stream.stop_timeout must be non-negative, got %v", c.Stream.StopTimeout)
	}
	if c.Stream.SubscriberDepth < 0 {
		return fmt.Errorf("stream.subscriber_depth must be non-negative, got %d", c.Stream.SubscriberDepth)
	}
	if c.DB.Path == "" {
		return errors.New("db.path must be set")
	}
	return nil
}

// Policy returns the acquisition retry policy.
func (c *Config) Policy() device.Policy {
	return device.Policy{
		Timeout:       c.Acquire.Timeout,
		RetryInterval: c.Acquire.RetryInterval,
		Backoff:       c.Acquire.Backoff,
		MaxInterval:   c.Acquire.MaxInterval,
	}
}

// ControlOptions returns the stream options for control.New.
func (c *Config) ControlOptions() control.Options {
	return control.Options{
		BufferSize:    c.Stream.BufferSize,
		BufferCount:   c.Stream.BufferCount,
		StopTimeout:   c.Stream.StopTimeout,
		StrictStreams: c.Stream.StrictStart,
	}
}
