package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acc.yaml")
	raw := `
robot:
  host: 10.0.0.5
jog:
  maxLinearSpeed: 0.1
  cadence: 50ms
  staleWindow: 200ms
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Robot.Host)
	assert.Equal(t, 0.1, cfg.Jog.MaxLinearSpeed)
	assert.Equal(t, Duration(50*time.Millisecond), cfg.Jog.Cadence)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30001, cfg.Robot.CommandPort)
	assert.Equal(t, 1.05, cfg.Jog.MaxJointSpeed)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("robot:\n  host: 10.0.0.5\n"), 0o644))

	t.Setenv("ACC_ROBOT_HOST", "10.0.0.9")
	t.Setenv("ACC_JOG_MAX_LINEAR_SPEED", "0.2")
	t.Setenv("ACC_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", cfg.Robot.Host)
	assert.Equal(t, 0.2, cfg.Jog.MaxLinearSpeed)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Robot.Host = "" }},
		{"bad port", func(c *Config) { c.Robot.TelemetryPort = 0 }},
		{"zero linear speed", func(c *Config) { c.Jog.MaxLinearSpeed = 0 }},
		{"negative accel", func(c *Config) { c.Jog.LinearAcceleration = -1 }},
		{"fraction above one", func(c *Config) { c.Jog.DefaultSpeedFraction = 1.5 }},
		{"zero cadence", func(c *Config) { c.Jog.Cadence = 0 }},
		{"stale below cadence", func(c *Config) { c.Jog.StaleWindow = c.Jog.Cadence / 2 }},
		{"zero retry count", func(c *Config) { c.Channels.RetryCount = 0 }},
		{"backoff factor below one", func(c *Config) { c.Channels.BackoffFactor = 0.5 }},
		{"zero poll interval", func(c *Config) { c.Safety.DashboardPollInterval = 0 }},
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
