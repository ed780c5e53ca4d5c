// Package config loads the container configuration: a defaults baseline,
// optionally overlaid by a YAML file, then by ACC_* environment variables,
// then validated. Load order is fixed so an operator can always reason about
// which layer won.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "100ms" as well as bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the full container configuration.
type Config struct {
	Robot    RobotConfig    `yaml:"robot"`
	Jog      JogConfig      `yaml:"jog"`
	Channels ChannelsConfig `yaml:"channels"`
	Safety   SafetyConfig   `yaml:"safety"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RobotConfig addresses one controller.
type RobotConfig struct {
	Host          string `yaml:"host"`
	CommandPort   int    `yaml:"commandPort"`
	TelemetryPort int    `yaml:"telemetryPort"`
	DashboardPort int    `yaml:"dashboardPort"`
}

// JogConfig carries motion limits and jog timing.
type JogConfig struct {
	MaxLinearSpeed  float64 `yaml:"maxLinearSpeed"`  // m/s
	MaxAngularSpeed float64 `yaml:"maxAngularSpeed"` // rad/s
	MaxJointSpeed   float64 `yaml:"maxJointSpeed"`   // rad/s

	LinearAcceleration float64 `yaml:"linearAcceleration"` // m/s^2
	JointAcceleration  float64 `yaml:"jointAcceleration"`  // rad/s^2
	StopDeceleration   float64 `yaml:"stopDeceleration"`

	DefaultSpeedFraction float64 `yaml:"defaultSpeedFraction"`

	LinearStep  float64 `yaml:"linearStep"`  // m
	AngularStep float64 `yaml:"angularStep"` // rad

	Cadence     Duration `yaml:"cadence"`
	StaleWindow Duration `yaml:"staleWindow"`
}

// ChannelsConfig carries connection lifecycle knobs shared by all three
// channels.
type ChannelsConfig struct {
	DialTimeout    Duration `yaml:"dialTimeout"`
	ReceiveTimeout Duration `yaml:"receiveTimeout"`
	RetryCount     int      `yaml:"retryCount"`
	RetryBackoff   Duration `yaml:"retryBackoff"`
	BackoffFactor  float64  `yaml:"backoffFactor"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
}

// SafetyConfig carries the safety monitor knobs.
type SafetyConfig struct {
	DashboardPollInterval Duration `yaml:"dashboardPollInterval"`
}

// ServerConfig carries the northbound HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// JWTSecret enables HS256 bearer auth when non-empty.
	JWTSecret string `yaml:"jwtSecret"`
	// JWTPublicKeyPath enables RS256 bearer auth when non-empty.
	JWTPublicKeyPath string `yaml:"jwtPublicKeyPath"`

	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	EventBufferSize   int      `yaml:"eventBufferSize"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
}

// LoggingConfig selects the log level: debug, info, warn, or error.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the baseline configuration. Motion limits follow the
// controller's conservative manual-jog defaults.
func Default() Config {
	return Config{
		Robot: RobotConfig{
			Host:          "192.168.1.10",
			CommandPort:   30001,
			TelemetryPort: 30003,
			DashboardPort: 29999,
		},
		Jog: JogConfig{
			MaxLinearSpeed:       0.25,
			MaxAngularSpeed:      0.75,
			MaxJointSpeed:        1.05,
			LinearAcceleration:   0.5,
			JointAcceleration:    1.4,
			StopDeceleration:     10,
			DefaultSpeedFraction: 0.25,
			LinearStep:           0.01,
			AngularStep:          0.175,
			Cadence:              Duration(100 * time.Millisecond),
			StaleWindow:          Duration(300 * time.Millisecond),
		},
		Channels: ChannelsConfig{
			DialTimeout:    Duration(5 * time.Second),
			ReceiveTimeout: Duration(2 * time.Second),
			RetryCount:     3,
			RetryBackoff:   Duration(time.Second),
			BackoffFactor:  2.0,
			MaxBackoff:     Duration(30 * time.Second),
		},
		Safety: SafetyConfig{
			DashboardPollInterval: Duration(time.Second),
		},
		Server: ServerConfig{
			Addr:              ":8000",
			ReadTimeout:       Duration(10 * time.Second),
			WriteTimeout:      0, // SSE streams must not be cut off
			ShutdownTimeout:   Duration(5 * time.Second),
			EventBufferSize:   256,
			HeartbeatInterval: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from the baseline, path (optional, may be
// empty), and ACC_* environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays ACC_* environment variables. Unparsable values are
// ignored in favor of the current layer.
func applyEnv(cfg *Config) {
	envStr("ACC_ROBOT_HOST", &cfg.Robot.Host)
	envInt("ACC_ROBOT_COMMAND_PORT", &cfg.Robot.CommandPort)
	envInt("ACC_ROBOT_TELEMETRY_PORT", &cfg.Robot.TelemetryPort)
	envInt("ACC_ROBOT_DASHBOARD_PORT", &cfg.Robot.DashboardPort)

	envFloat("ACC_JOG_MAX_LINEAR_SPEED", &cfg.Jog.MaxLinearSpeed)
	envFloat("ACC_JOG_MAX_ANGULAR_SPEED", &cfg.Jog.MaxAngularSpeed)
	envFloat("ACC_JOG_MAX_JOINT_SPEED", &cfg.Jog.MaxJointSpeed)
	envDuration("ACC_JOG_CADENCE", &cfg.Jog.Cadence)
	envDuration("ACC_JOG_STALE_WINDOW", &cfg.Jog.StaleWindow)

	envDuration("ACC_CHANNELS_DIAL_TIMEOUT", &cfg.Channels.DialTimeout)
	envDuration("ACC_CHANNELS_RECEIVE_TIMEOUT", &cfg.Channels.ReceiveTimeout)
	envInt("ACC_CHANNELS_RETRY_COUNT", &cfg.Channels.RetryCount)

	envDuration("ACC_SAFETY_POLL_INTERVAL", &cfg.Safety.DashboardPollInterval)

	envStr("ACC_SERVER_ADDR", &cfg.Server.Addr)
	envStr("ACC_SERVER_JWT_SECRET", &cfg.Server.JWTSecret)
	envStr("ACC_SERVER_JWT_PUBLIC_KEY_PATH", &cfg.Server.JWTPublicKeyPath)

	envStr("ACC_LOG_LEVEL", &cfg.Logging.Level)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate rejects configurations that cannot drive a controller safely.
func (c Config) Validate() error {
	if c.Robot.Host == "" {
		return fmt.Errorf("robot.host is required")
	}
	for name, port := range map[string]int{
		"robot.commandPort":   c.Robot.CommandPort,
		"robot.telemetryPort": c.Robot.TelemetryPort,
		"robot.dashboardPort": c.Robot.DashboardPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s: invalid port %d", name, port)
		}
	}
	if c.Jog.MaxLinearSpeed <= 0 || c.Jog.MaxAngularSpeed <= 0 || c.Jog.MaxJointSpeed <= 0 {
		return fmt.Errorf("jog speed limits must be positive")
	}
	if c.Jog.LinearAcceleration <= 0 || c.Jog.JointAcceleration <= 0 || c.Jog.StopDeceleration <= 0 {
		return fmt.Errorf("jog accelerations must be positive")
	}
	if c.Jog.DefaultSpeedFraction <= 0 || c.Jog.DefaultSpeedFraction > 1 {
		return fmt.Errorf("jog.defaultSpeedFraction must be in (0,1], got %v", c.Jog.DefaultSpeedFraction)
	}
	if c.Jog.LinearStep <= 0 || c.Jog.AngularStep <= 0 {
		return fmt.Errorf("jog step distances must be positive")
	}
	if c.Jog.Cadence <= 0 {
		return fmt.Errorf("jog.cadence must be positive")
	}
	if c.Jog.StaleWindow < c.Jog.Cadence {
		return fmt.Errorf("jog.staleWindow (%s) must be at least the cadence (%s)", c.Jog.StaleWindow, c.Jog.Cadence)
	}
	if c.Channels.RetryCount < 1 {
		return fmt.Errorf("channels.retryCount must be at least 1")
	}
	if c.Channels.BackoffFactor < 1 {
		return fmt.Errorf("channels.backoffFactor must be at least 1")
	}
	if c.Safety.DashboardPollInterval <= 0 {
		return fmt.Errorf("safety.dashboardPollInterval must be positive")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
