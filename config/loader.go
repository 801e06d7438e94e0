package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes the environment variables read by a Loader.
const DefaultEnvPrefix = "JARVIS"

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config

	// lookupEnv reads environment variables
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "/etc/jarvis"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".jarvis"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     DefaultEnvPrefix,
		defaultConfig: DefaultConfig(),
		lookupEnv:     os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration that files are layered onto
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// SetLookupEnv replaces the environment lookup, mostly for tests
func (l *Loader) SetLookupEnv(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// Load loads configuration from the specified file, or discovers one in the
// search paths when filename is empty. Environment overrides are applied last.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration. Without a file
// the defaults are used.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.FindConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// FindConfigFile searches for configuration files in search paths
func (l *Loader) FindConfigFile() (string, error) {
	filenames := []string{
		"jarvis.yaml", "jarvis.yml",
		"config.yaml", "config.yml",
		"jarvis.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

// finish applies environment overrides and validates.
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateError, err)
	}
	return config, nil
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

// formatOf determines the format from the file extension
func formatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// parseConfig decodes data over a copy of the defaults, so keys missing from
// the document keep their default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", ErrConfigParseError, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	env := envReader{prefix: l.envPrefix, lookup: l.lookupEnv}

	// App configuration
	env.str("APP_NAME", &config.App.Name)
	env.str("APP_VERSION", &config.App.Version)
	if val, ok := env.get("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}
	env.boolean("APP_DEBUG", &config.App.Debug)

	// Log configuration
	if val, ok := env.get("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	env.str("LOG_FORMAT", &config.Log.Format)
	env.str("LOG_OUTPUT", &config.Log.Output)

	// Bus configuration
	env.duration("BUS_POLL_INTERVAL", &config.Bus.PollInterval)

	// Server configuration
	env.boolean("SERVER_ENABLED", &config.Server.Enabled)
	env.str("SERVER_ADDRESS", &config.Server.Address)
	env.integer("SERVER_PORT", &config.Server.Port)
	env.integer("SERVER_MAX_CONNECTIONS", &config.Server.MaxConnections)
	env.str("SERVER_TERMINATOR", &config.Server.Framing.Terminator)

	// Client configuration
	env.str("CLIENT_ADDRESS", &config.Client.Address)
	env.integer("CLIENT_PORT", &config.Client.Port)
	env.duration("CLIENT_DIAL_TIMEOUT", &config.Client.DialTimeout)
	env.str("CLIENT_TERMINATOR", &config.Client.Framing.Terminator)

	// Console configuration
	env.boolean("CONSOLE_ENABLED", &config.Console.Enabled)
	env.str("CONSOLE_HEADER", &config.Console.Header)

	if len(env.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrEnvironmentVarError, errors.Join(env.errs...))
	}
	return nil
}

// envReader reads prefixed variables and collects conversion errors.
type envReader struct {
	prefix string
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	name := key
	if e.prefix != "" {
		name = e.prefix + "_" + key
	}
	val, ok := e.lookup(name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) str(key string, dst *string) {
	if val, ok := e.get(key); ok {
		*dst = val
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	val, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s_%s: %w", e.prefix, key, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	val, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s_%s: %w", e.prefix, key, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	val, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s_%s: %w", e.prefix, key, err))
		return
	}
	*dst = d
}

// Marshal encodes the configuration in the given format.
func Marshal(config *Config, format ConfigFormat) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(config)
	case FormatJSON:
		return json.MarshalIndent(config, "", "  ")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
