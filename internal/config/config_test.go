package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sdrcontrol/internal/control"
	"github.com/banshee-data/sdrcontrol/internal/device"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sdrcontrol.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, DriverLibrtlsdr, cfg.Driver)
	assert.Equal(t, device.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, 16*16384, cfg.Stream.BufferSize)
	assert.Equal(t, "sdrcontrol.db", cfg.DB.Path)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, control.Options{
		BufferSize:  16 * 16384,
		StopTimeout: 5 * time.Second,
	}, cfg.ControlOptions())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
driver: rtltcp
rtltcp:
  addresses: ["10.0.0.5:1234", "10.0.0.6:1234"]
  dial_timeout: 2s
acquire:
  timeout: 3s
  retry_interval: 250ms
  backoff: exponential
  max_interval: 1s
stream:
  buffer_size: 32768
  buffer_count: 4
  strict_start: true
db:
  path: /var/lib/sdrcontrol/devices.db
log:
  level: debug
  json: true
`)
	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, DriverRTLTCP, cfg.Driver)
	assert.Equal(t, []string{"10.0.0.5:1234", "10.0.0.6:1234"}, cfg.RTLTCP.Addresses)
	assert.Equal(t, 2*time.Second, cfg.RTLTCP.DialTimeout)
	assert.Equal(t, device.Policy{
		Timeout:       3 * time.Second,
		RetryInterval: 250 * time.Millisecond,
		Backoff:       device.BackoffExponential,
		MaxInterval:   time.Second,
	}, cfg.Policy())
	assert.True(t, cfg.ControlOptions().StrictStreams)
	assert.Equal(t, 4, cfg.ControlOptions().BufferCount)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SDRCONTROL_DRIVER", "mock")
	t.Setenv("SDRCONTROL_ACQUIRE_TIMEOUT", "1500ms")
	t.Setenv("SDRCONTROL_DB_PATH", "/tmp/other.db")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, DriverMock, cfg.Driver)
	assert.Equal(t, 1500*time.Millisecond, cfg.Acquire.Timeout)
	assert.Equal(t, "/tmp/other.db", cfg.DB.Path)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(NewViper(), writeConfig(t, "driver: mock\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Driver = "hackrf" }},
		{"rtltcp without addresses", func(c *Config) { c.Driver = DriverRTLTCP }},
		{"rtltcp zero dial timeout", func(c *Config) {
			c.Driver = DriverRTLTCP
			c.RTLTCP.Addresses = []string{"localhost:1234"}
			c.RTLTCP.DialTimeout = 0
		}},
		{"negative acquire timeout", func(c *Config) { c.Acquire.Timeout = -time.Second }},
		{"zero retry interval", func(c *Config) { c.Acquire.RetryInterval = 0 }},
		{"unknown backoff", func(c *Config) { c.Acquire.Backoff = "random" }},
		{"zero buffer size", func(c *Config) { c.Stream.BufferSize = 0 }},
		{"unaligned buffer size", func(c *Config) { c.Stream.BufferSize = 1000 }},
		{"negative buffer count", func(c *Config) { c.Stream.BufferCount = -1 }},
		{"negative stop timeout", func(c *Config) { c.Stream.StopTimeout = -1 }},
		{"negative subscriber depth", func(c *Config) { c.Stream.SubscriberDepth = -1 }},
		{"empty db path", func(c *Config) { c.DB.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())
			tt.edit(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
