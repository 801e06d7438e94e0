package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrInvalidPort           = errors.New("invalid port number")
	ErrInvalidMaxConnections = errors.New("invalid max connections")
	ErrInvalidPollInterval   = errors.New("invalid poll interval")
	ErrInvalidTerminator     = errors.New("terminator must not be empty")
	ErrInvalidBufferSize     = errors.New("invalid buffer size")
	ErrInvalidFrameSize      = errors.New("invalid max frame size")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrConfigValidateError = errors.New("configuration validation error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
)
