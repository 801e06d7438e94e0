// Package config provides configuration management for jarvis
package config

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/najoast/jarvis/core"
	"github.com/najoast/jarvis/network"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LevelTrace is the slog level used for trace output.
const LevelTrace = slog.LevelDebug - 4

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// SlogLevel maps the level onto slog. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogLevelTrace:
		return LevelTrace
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Log formats
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config represents the complete jarvis configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Module bus configuration
	Bus BusConfig `yaml:"bus" json:"bus"`

	// TCP server configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// TCP client configuration
	Client ClientConfig `yaml:"client" json:"client"`

	// Console configuration
	Console ConsoleConfig `yaml:"console" json:"console"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Fields added to every record
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// BusConfig contains module bus configuration
type BusConfig struct {
	// Fallback wake-up interval of module dispatch loops
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// FramingConfig contains message framing settings
type FramingConfig struct {
	// Terminator marks the end of every message
	Terminator string `yaml:"terminator" json:"terminator"`

	// Maximum bytes buffered while waiting for a terminator
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`

	// Size of each socket read
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// KeepAliveConfig contains TCP keep-alive settings
type KeepAliveConfig struct {
	// Enable TCP keep-alive
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Keep-alive interval
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// ServerConfig contains TCP server configuration
type ServerConfig struct {
	// Start listening when the application starts
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listening address
	Address string `yaml:"address" json:"address"`

	// Listening port, 0 picks an ephemeral port
	Port int `yaml:"port" json:"port"`

	// Maximum concurrent connections, 0 means unlimited
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// Halt connections on stop instead of closing them
	RetainConnections bool `yaml:"retain_connections" json:"retain_connections"`

	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// Keep-alive settings
	KeepAlive KeepAliveConfig `yaml:"keep_alive" json:"keep_alive"`

	// Framing settings
	Framing FramingConfig `yaml:"framing" json:"framing"`
}

// ClientConfig contains TCP client configuration
type ClientConfig struct {
	// Default peer address
	Address string `yaml:"address" json:"address"`

	// Default peer port
	Port int `yaml:"port" json:"port"`

	// Forward received messages onto the bus
	Forward bool `yaml:"forward" json:"forward"`

	// Dial timeout
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// Read poll interval of the io loop
	ReadPollInterval time.Duration `yaml:"read_poll_interval" json:"read_poll_interval"`

	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// Keep-alive settings
	KeepAlive KeepAliveConfig `yaml:"keep_alive" json:"keep_alive"`

	// Framing settings
	Framing FramingConfig `yaml:"framing" json:"framing"`
}

// ConsoleConfig contains console module configuration
type ConsoleConfig struct {
	// Attach a console module to the bus
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Header printed before every posted message
	Header string `yaml:"header" json:"header"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "jarvis",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
			Output: "stderr",
		},
		Bus: BusConfig{
			PollInterval: core.DefaultPollInterval,
		},
		Server: ServerConfig{
			Enabled:           true,
			Address:           "127.0.0.1",
			Port:              4500,
			MaxConnections:    1000,
			RetainConnections: true,
			WriteTimeout:      10 * time.Second,
			KeepAlive: KeepAliveConfig{
				Enabled:  true,
				Interval: 60 * time.Second,
			},
			Framing: FramingConfig{
				Terminator:   network.DefaultTerminator,
				MaxFrameSize: network.DefaultMaxFrameSize,
				BufferSize:   256,
			},
		},
		Client: ClientConfig{
			Address:          "127.0.0.1",
			Port:             4500,
			Forward:          true,
			DialTimeout:      10 * time.Second,
			ReadPollInterval: 50 * time.Millisecond,
			WriteTimeout:     10 * time.Second,
			KeepAlive: KeepAliveConfig{
				Enabled:  true,
				Interval: 60 * time.Second,
			},
			Framing: FramingConfig{
				Terminator:   network.DefaultTerminator,
				MaxFrameSize: network.DefaultMaxFrameSize,
				BufferSize:   256,
			},
		},
		Console: ConsoleConfig{
			Enabled: true,
			Header:  "Jarvis: ",
		},
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.App.Metadata = maps.Clone(c.App.Metadata)
	out.Log.Fields = maps.Clone(c.Log.Fields)
	return &out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.App.Environment)
	}

	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	if c.Log.Format != LogFormatText && c.Log.Format != LogFormatJSON {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	if c.Bus.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: %w: %d", ErrInvalidPort, c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return ErrInvalidMaxConnections
	}
	if err := c.Server.Framing.validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if c.Client.Port < 0 || c.Client.Port > 65535 {
		return fmt.Errorf("client: %w: %d", ErrInvalidPort, c.Client.Port)
	}
	if c.Client.ReadPollInterval <= 0 {
		return fmt.Errorf("client: %w", ErrInvalidPollInterval)
	}
	if err := c.Client.Framing.validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	return nil
}

func (f FramingConfig) validate() error {
	if f.Terminator == "" {
		return ErrInvalidTerminator
	}
	if f.BufferSize <= 0 {
		return ErrInvalidBufferSize
	}
	if f.MaxFrameSize < 0 {
		return ErrInvalidFrameSize
	}
	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.Log.Level == LogLevelDebug || c.Log.Level == LogLevelTrace
}

// NetworkConfig converts the server section for network.NewServer.
func (s ServerConfig) NetworkConfig() *network.NetworkConfig {
	cfg := network.DefaultNetworkConfig()
	cfg.Address = s.Address
	cfg.Port = s.Port
	cfg.MaxConnections = s.MaxConnections
	cfg.RetainConnections = s.RetainConnections
	cfg.WriteTimeout = s.WriteTimeout
	cfg.KeepAlive = s.KeepAlive.Enabled
	cfg.KeepAliveInterval = s.KeepAlive.Interval
	cfg.Terminator = s.Framing.Terminator
	cfg.MaxFrameSize = s.Framing.MaxFrameSize
	cfg.BufferSize = s.Framing.BufferSize
	return cfg
}

// NetworkConfig converts the client section for network.NewClient.
func (c ClientConfig) NetworkConfig() *network.NetworkConfig {
	cfg := network.DefaultNetworkConfig()
	cfg.Address = c.Address
	cfg.Port = c.Port
	cfg.DialTimeout = c.DialTimeout
	cfg.ReadPollInterval = c.ReadPollInterval
	cfg.WriteTimeout = c.WriteTimeout
	cfg.KeepAlive = c.KeepAlive.Enabled
	cfg.KeepAliveInterval = c.KeepAlive.Interval
	cfg.Terminator = c.Framing.Terminator
	cfg.MaxFrameSize = c.Framing.MaxFrameSize
	cfg.BufferSize = c.Framing.BufferSize
	if !c.Forward {
		cfg.ForwardTo = network.NoForward
	}
	return cfg
}
