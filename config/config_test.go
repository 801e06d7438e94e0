package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/najoast/jarvis/network"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// TestDefaultConfig tests that the defaults validate
func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("Default config validation failed: %v", err)
	}
	if config.Server.Framing.Terminator != network.DefaultTerminator {
		t.Errorf("Expected default terminator, got %q", config.Server.Framing.Terminator)
	}
	if !config.IsDevelopment() || config.IsProduction() {
		t.Error("Default environment should be development")
	}
}

// TestConfigValidation tests configuration validation
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"valid config", func(c *Config) {}, nil},
		{"ephemeral server port", func(c *Config) { c.Server.Port = 0 }, nil},
		{"invalid app name", func(c *Config) { c.App.Name = "" }, ErrInvalidAppName},
		{"invalid environment", func(c *Config) { c.App.Environment = "moon" }, ErrInvalidEnvironment},
		{"invalid log level", func(c *Config) { c.Log.Level = "fatal" }, ErrInvalidLogLevel},
		{"invalid log format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLogFormat},
		{"invalid poll interval", func(c *Config) { c.Bus.PollInterval = 0 }, ErrInvalidPollInterval},
		{"invalid server port", func(c *Config) { c.Server.Port = 70000 }, ErrInvalidPort},
		{"invalid client port", func(c *Config) { c.Client.Port = -1 }, ErrInvalidPort},
		{"negative max connections", func(c *Config) { c.Server.MaxConnections = -1 }, ErrInvalidMaxConnections},
		{"empty terminator", func(c *Config) { c.Client.Framing.Terminator = "" }, ErrInvalidTerminator},
		{"zero buffer", func(c *Config) { c.Server.Framing.BufferSize = 0 }, ErrInvalidBufferSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Config.Validate() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Config.Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogLevelMapping(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  slog.Level
	}{
		{LogLevelTrace, LevelTrace},
		{LogLevelDebug, slog.LevelDebug},
		{LogLevelInfo, slog.LevelInfo},
		{LogLevelWarn, slog.LevelWarn},
		{LogLevelError, slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.SlogLevel(); got != tt.want {
			t.Errorf("%q.SlogLevel() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

// TestLoader tests YAML loading over the defaults
func TestLoader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "jarvis.yaml", `
app:
  name: yaml-app
  environment: testing
log:
  level: debug
  format: json
bus:
  poll_interval: 25ms
server:
  port: 9100
  framing:
    terminator: "<EOT>"
client:
  forward: false
`)

	config, err := NewLoader().SetLookupEnv(noEnv).LoadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.App.Name != "yaml-app" || config.App.Environment != EnvTesting {
		t.Errorf("Unexpected app section %+v", config.App)
	}
	if config.Log.Level != LogLevelDebug || config.Log.Format != LogFormatJSON {
		t.Errorf("Unexpected log section %+v", config.Log)
	}
	if config.Bus.PollInterval != 25*time.Millisecond {
		t.Errorf("Expected 25ms poll interval, got %s", config.Bus.PollInterval)
	}
	if config.Server.Port != 9100 || config.Server.Framing.Terminator != "<EOT>" {
		t.Errorf("Unexpected server section %+v", config.Server)
	}

	// Keys absent from the file keep their defaults.
	if !config.Server.Enabled || config.Server.Framing.BufferSize != 256 {
		t.Errorf("Server defaults lost: %+v", config.Server)
	}
	if config.Client.Framing.Terminator != network.DefaultTerminator {
		t.Errorf("Client terminator default lost: %q", config.Client.Framing.Terminator)
	}
	if config.Client.Forward {
		t.Error("Expected forward=false from file")
	}
}

// TestLoaderJSON tests JSON loading
func TestLoaderJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "jarvis.json", `{
  "app": {"name": "json-app"},
  "server": {"address": "0.0.0.0", "max_connections": 5}
}`)

	config, err := NewLoader().SetLookupEnv(noEnv).LoadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.App.Name != "json-app" {
		t.Errorf("Expected app name 'json-app', got '%s'", config.App.Name)
	}
	if config.Server.Address != "0.0.0.0" || config.Server.MaxConnections != 5 {
		t.Errorf("Unexpected server section %+v", config.Server)
	}
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader().SetLookupEnv(noEnv)

	t.Run("missing file", func(t *testing.T) {
		_, err := loader.LoadFromFile(filepath.Join(dir, "absent.yaml"))
		if !errors.Is(err, ErrConfigFileNotFound) {
			t.Errorf("Expected ErrConfigFileNotFound, got %v", err)
		}
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := writeFile(t, dir, "jarvis.toml", "")
		if _, err := loader.LoadFromFile(path); !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, dir, "unknown.yaml", "server:\n  prot: 1\n")
		if _, err := loader.LoadFromFile(path); !errors.Is(err, ErrConfigParseError) {
			t.Errorf("Expected ErrConfigParseError, got %v", err)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeFile(t, dir, "invalid.yaml", "log:\n  level: loud\n")
		_, err := loader.LoadFromFile(path)
		if !errors.Is(err, ErrConfigValidateError) || !errors.Is(err, ErrInvalidLogLevel) {
			t.Errorf("Expected validation error, got %v", err)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := writeFile(t, dir, "empty.yaml", "")
		config, err := loader.LoadFromFile(path)
		if err != nil {
			t.Fatalf("Empty file should load defaults: %v", err)
		}
		if config.App.Name != "jarvis" {
			t.Errorf("Expected default app name, got %q", config.App.Name)
		}
	})
}

// TestEnvironmentOverrides tests environment variable overrides
func TestEnvironmentOverrides(t *testing.T) {
	loader := NewLoader().SetSearchPaths(nil).SetLookupEnv(envMap(map[string]string{
		"JARVIS_APP_NAME":          "env-app",
		"JARVIS_LOG_LEVEL":         "WARN",
		"JARVIS_SERVER_PORT":       "9200",
		"JARVIS_SERVER_ENABLED":    "false",
		"JARVIS_BUS_POLL_INTERVAL": "10ms",
		"JARVIS_CLIENT_TERMINATOR": "\n",
	}))

	config, err := loader.AutoLoad()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.App.Name != "env-app" {
		t.Errorf("Expected app name 'env-app', got '%s'", config.App.Name)
	}
	if config.Log.Level != LogLevelWarn {
		t.Errorf("Expected log level 'warn', got '%s'", config.Log.Level)
	}
	if config.Server.Port != 9200 || config.Server.Enabled {
		t.Errorf("Unexpected server section %+v", config.Server)
	}
	if config.Bus.PollInterval != 10*time.Millisecond {
		t.Errorf("Expected 10ms poll interval, got %s", config.Bus.PollInterval)
	}
	if config.Client.Framing.Terminator != "\n" {
		t.Errorf("Expected newline terminator, got %q", config.Client.Framing.Terminator)
	}

	bad := NewLoader().SetSearchPaths(nil).SetLookupEnv(envMap(map[string]string{
		"JARVIS_SERVER_PORT":       "eighty",
		"JARVIS_BUS_POLL_INTERVAL": "soon",
	}))
	_, err = bad.AutoLoad()
	if !errors.Is(err, ErrEnvironmentVarError) {
		t.Fatalf("Expected ErrEnvironmentVarError, got %v", err)
	}
	if !strings.Contains(err.Error(), "JARVIS_SERVER_PORT") || !strings.Contains(err.Error(), "JARVIS_BUS_POLL_INTERVAL") {
		t.Errorf("Expected both variables reported, got %v", err)
	}
}

// TestAutoLoad tests automatic configuration discovery
func TestAutoLoad(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader().SetSearchPaths([]string{dir}).SetLookupEnv(noEnv)

	config, err := loader.AutoLoad()
	if err != nil {
		t.Fatalf("AutoLoad without a file failed: %v", err)
	}
	if config.App.Name != "jarvis" {
		t.Errorf("Expected default config, got app name %q", config.App.Name)
	}

	writeFile(t, dir, "config.yml", "app:\n  name: found\n")
	config, err = loader.Load("")
	if err != nil {
		t.Fatalf("AutoLoad failed: %v", err)
	}
	if config.App.Name != "found" {
		t.Errorf("Expected discovered config, got app name %q", config.App.Name)
	}
}

func TestDefaultsNotShared(t *testing.T) {
	defaults := DefaultConfig()
	defaults.App.Metadata = map[string]string{"team": "ops"}
	loader := NewLoader().SetDefaultConfig(defaults).SetSearchPaths(nil).SetLookupEnv(noEnv)

	config, err := loader.AutoLoad()
	if err != nil {
		t.Fatalf("AutoLoad failed: %v", err)
	}
	config.App.Metadata["team"] = "dev"
	config.App.Name = "changed"

	if defaults.App.Metadata["team"] != "ops" || defaults.App.Name != "jarvis" {
		t.Error("Loaded config aliases the loader defaults")
	}
}

func TestNetworkConversion(t *testing.T) {
	config := DefaultConfig()
	config.Server.Port = 0
	config.Server.RetainConnections = false
	config.Client.Forward = false
	config.Client.Framing.Terminator = "\r\n"

	server := config.Server.NetworkConfig()
	if err := server.Validate(); err != nil {
		t.Fatalf("Server network config invalid: %v", err)
	}
	if server.Port != 0 || server.RetainConnections || server.MaxConnections != 1000 {
		t.Errorf("Unexpected server network config %+v", server)
	}

	client := config.Client.NetworkConfig()
	if client.ForwardTo != network.NoForward {
		t.Errorf("Expected NoForward, got %s", client.ForwardTo)
	}
	if client.Terminator != "\r\n" {
		t.Errorf("Expected CRLF terminator, got %q", client.Terminator)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	config := DefaultConfig()
	config.Bus.PollInterval = 250 * time.Millisecond

	for _, format := range []ConfigFormat{FormatYAML, FormatJSON} {
		data, err := Marshal(config, format)
		if err != nil {
			t.Fatalf("Marshal %s failed: %v", format, err)
		}
		loaded, err := NewLoader().SetLookupEnv(noEnv).LoadFromReader(strings.NewReader(string(data)), format)
		if err != nil {
			t.Fatalf("Reload %s failed: %v", format, err)
		}
		if loaded.Bus.PollInterval != config.Bus.PollInterval {
			t.Errorf("%s: poll interval %s, want %s", format, loaded.Bus.PollInterval, config.Bus.PollInterval)
		}
	}
}

// TestWatcher tests configuration hot reload
func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "jarvis.yaml", "log:\n  level: info\n")

	loader := NewLoader().SetLookupEnv(noEnv)
	watcher, err := NewWatcher(path, loader, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer watcher.Stop()

	if watcher.GetConfig().Log.Level != LogLevelInfo {
		t.Fatalf("Unexpected initial level %q", watcher.GetConfig().Log.Level)
	}

	changes := make(chan LogLevel, 4)
	watcher.OnConfigChange(func(oldConfig, newConfig *Config) {
		changes <- newConfig.Log.Level
	})
	watcher.OnConfigChange(func(oldConfig, newConfig *Config) {
		panic("callback failure must not stop others")
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}

	writeFile(t, dir, "jarvis.yaml", "log:\n  level: debug\n")

	select {
	case level := <-changes:
		if level != LogLevelDebug {
			t.Errorf("Expected debug after reload, got %q", level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watcher did not report the change")
	}
	if watcher.GetConfig().Log.Level != LogLevelDebug {
		t.Errorf("GetConfig not updated, got %q", watcher.GetConfig().Log.Level)
	}

	// An invalid file keeps the current configuration.
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := watcher.Reload(); err == nil {
		t.Error("Expected reload of an invalid file to fail")
	}
	if watcher.GetConfig().Log.Level != LogLevelDebug {
		t.Errorf("Invalid reload replaced the config: %q", watcher.GetConfig().Log.Level)
	}

	if err := watcher.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}
