// Package network bridges the module bus to TCP peers using terminator
// framed text messages.
package network

import (
	"fmt"
	"time"

	"github.com/najoast/jarvis/core"
)

// ConnectionState represents the state of a network connection
type ConnectionState int32

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
)

// String returns the string representation of ConnectionState
func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// AllConnections targets every connection of a server broadcast.
const AllConnections = -1

// StateEvent is raised when a client connects or disconnects.
type StateEvent struct {
	State  ConnectionState
	Remote string
	Err    error
}

// StatusEvent is raised when a server starts or stops listening.
type StatusEvent struct {
	Listening bool
	Addr      string
	Err       error
}

// ConnectionEvent is raised when a server accepts or loses a connection.
type ConnectionEvent struct {
	ID         int
	RemoteAddr string
	Err        error
}

// LineEvent carries one framed message received from a peer.
type LineEvent struct {
	ConnectionID int
	Line         string
}

// PeerMessage is the payload of packets built from peer lines.
type PeerMessage struct {
	ConnectionID int
	Arguments    []string
	Line         string
}

// Args returns the tokens that followed the command.
func (m PeerMessage) Args() []string {
	return m.Arguments
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	// Address is the listening address of a server
	Address string

	// Port is the listening port of a server, 0 picks an ephemeral port
	Port int

	// DialTimeout bounds a client connect
	DialTimeout time.Duration

	// ReadPollInterval bounds each client read so the io loop can transmit
	ReadPollInterval time.Duration

	// WriteTimeout is the write timeout duration
	WriteTimeout time.Duration

	// KeepAlive enables TCP keep-alive
	KeepAlive bool

	// KeepAliveInterval is the keep-alive interval
	KeepAliveInterval time.Duration

	// MaxConnections is the maximum number of concurrent connections
	MaxConnections int

	// BufferSize is the size of each socket read
	BufferSize int

	// Terminator marks the end of every message
	Terminator string

	// MaxFrameSize bounds the bytes buffered while waiting for a terminator
	MaxFrameSize int

	// RetainConnections halts connections on Stop and resumes them on Start
	// instead of closing them
	RetainConnections bool

	// ForwardTo receives lines read by a client as packets; NoForward
	// disables forwarding
	ForwardTo core.ModuleID
}

// NoForward disables forwarding of received client lines onto the bus.
const NoForward core.ModuleID = -3

// DefaultNetworkConfig returns a default network configuration
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		Address:           "127.0.0.1",
		Port:              0,
		DialTimeout:       10 * time.Second,
		ReadPollInterval:  50 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
		KeepAlive:         true,
		KeepAliveInterval: 60 * time.Second,
		MaxConnections:    1000,
		BufferSize:        256,
		Terminator:        DefaultTerminator,
		MaxFrameSize:      DefaultMaxFrameSize,
		RetainConnections: true,
		ForwardTo:         core.Broadcast,
	}
}

// Validate checks the configuration for values the transports cannot use.
func (c *NetworkConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid buffer size %d", c.BufferSize)
	}
	if c.Terminator == "" {
		return ErrEmptyTerminator
	}
	if c.ReadPollInterval <= 0 {
		return fmt.Errorf("invalid read poll interval %s", c.ReadPollInterval)
	}
	return nil
}
