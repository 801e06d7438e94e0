package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/jarvis/cmdline"
	"github.com/najoast/jarvis/core"
)

// Client command names
const (
	CommandConnect              = "Connect"
	CommandDisconnect           = "Disconnect"
	CommandSetTerminatingPhrase = "SetTerminatingPhrase"
	CommandTerminatingPhrase    = "TerminatingPhrase"
	CommandTransmit             = "Transmit"
)

// Client is the TCP client actor. It dials a server on command and bridges
// bus packets to and from the socket. One io loop per client drains the
// transmit queue, then polls the socket for input.
type Client struct {
	*core.Module

	config *NetworkConfig

	state atomic.Int32 // ConnectionState

	// ioMu is held while the io loop uses the stream; Disconnect waits on it
	ioMu   sync.Mutex
	conn   net.Conn
	framer *Framer
	remote string
	rxBuf  []byte

	termMu     sync.Mutex
	terminator string
	forwardTo  atomic.Int64

	txMu    sync.Mutex
	txQueue []string
	txKick  chan struct{}
	ioDone  chan struct{}

	states      core.Notifier[StateEvent]
	transmitted core.Notifier[string]
	received    core.Notifier[string]

	// Statistics
	connectAttempts    atomic.Int64
	successfulConnects atomic.Int64
	messagesSent       atomic.Int64
	messagesReceived   atomic.Int64
	bytesRead          atomic.Int64
	bytesWritten       atomic.Int64
	startTime          time.Time
}

// NewClient creates a client actor on bus and starts its io loop.
func NewClient(bus *core.Bus, config *NetworkConfig, opts ...core.ModuleOption) (*Client, error) {
	if config == nil {
		config = DefaultNetworkConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	m, err := core.NewModule(bus, append([]core.ModuleOption{core.WithName("tcp-client")}, opts...)...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		Module:     m,
		config:     config,
		terminator: config.Terminator,
		rxBuf:      make([]byte, config.BufferSize),
		txKick:     make(chan struct{}, 1),
		ioDone:     make(chan struct{}),
		startTime:  time.Now(),
	}
	c.forwardTo.Store(int64(config.ForwardTo))
	c.state.Store(int32(ConnectionStateDisconnected))

	m.HandleAsync(CommandConnect, "Connect {address} {port}", 2, c.handleConnect)
	m.HandleAsync(CommandDisconnect, CommandDisconnect, 0, func(context.Context, core.Packet) error {
		return c.Disconnect()
	})
	m.Handle(CommandSetTerminatingPhrase, "SetTerminatingPhrase {text}", 1, c.handleTerminator)
	m.Handle(CommandTerminatingPhrase, "TerminatingPhrase {text}", 1, c.handleTerminator)
	m.Handle(CommandTransmit, "Transmit {text}", 1, func(_ context.Context, p core.Packet) error {
		return c.Transmit(cmdline.Join(p.Args()...))
	})

	m.OnDispose(c.shutdown)

	go c.ioLoop()
	return c, nil
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.State() == ConnectionStateConnected
}

// Remote returns the address of the current or last peer.
func (c *Client) Remote() string {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	return c.remote
}

// Terminator returns the terminator applied on the next Connect.
func (c *Client) Terminator() string {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	return c.terminator
}

// SetTerminator replaces the framing terminator. It takes effect on the
// next Connect.
func (c *Client) SetTerminator(text string) error {
	if text == "" {
		return ErrEmptyTerminator
	}
	c.termMu.Lock()
	c.terminator = text
	c.termMu.Unlock()
	return nil
}

// SetForwardTarget sets where received lines are sent as packets.
func (c *Client) SetForwardTarget(id core.ModuleID) {
	c.forwardTo.Store(int64(id))
}

// StateChanges registers a listener for connection changes.
func (c *Client) StateChanges(buffer int) (<-chan StateEvent, func()) {
	return c.states.Listen(buffer)
}

// Transmitted registers a listener for messages written to the peer.
func (c *Client) Transmitted(buffer int) (<-chan string, func()) {
	return c.transmitted.Listen(buffer)
}

// Received registers a listener for messages read from the peer.
func (c *Client) Received(buffer int) (<-chan string, func()) {
	return c.received.Listen(buffer)
}

// Connect dials address:port. It fails without side effects when the client
// is not disconnected.
func (c *Client) Connect(ctx context.Context, address string, port int) error {
	if c.Context().Err() != nil {
		return core.ErrModuleStopped
	}
	if !c.state.CompareAndSwap(int32(ConnectionStateDisconnected), int32(ConnectionStateConnecting)) {
		return fmt.Errorf("connect %s:%d: %w (state %s)", address, port, ErrAlreadyConnected, c.State())
	}

	remote := net.JoinHostPort(address, strconv.Itoa(port))
	c.states.Notify(StateEvent{State: ConnectionStateConnecting, Remote: remote})
	c.postStatus("Connecting...")
	c.connectAttempts.Add(1)

	dialer := &net.Dialer{Timeout: c.config.DialTimeout}
	if c.config.KeepAlive {
		dialer.KeepAlive = c.config.KeepAliveInterval
	} else {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.DialContext(ctx, "tcp", remote)
	if err != nil {
		c.state.Store(int32(ConnectionStateDisconnected))
		c.states.Notify(StateEvent{State: ConnectionStateDisconnected, Remote: remote, Err: err})
		c.Logger().Warn("connect failed", "remote", remote, "error", err)
		return fmt.Errorf("failed to connect to %s: %w", remote, err)
	}

	c.ioMu.Lock()
	c.conn = conn
	c.framer = NewFramer(c.Terminator(), c.config.MaxFrameSize)
	c.remote = remote
	c.ioMu.Unlock()

	c.successfulConnects.Add(1)
	c.state.Store(int32(ConnectionStateConnected))
	c.states.Notify(StateEvent{State: ConnectionStateConnected, Remote: remote})
	c.Logger().Info("connected", "remote", remote)

	select {
	case c.txKick <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect closes the connection after any in-flight stream operation.
// It fails without side effects when the client is not connected.
func (c *Client) Disconnect() error {
	if !c.state.CompareAndSwap(int32(ConnectionStateConnected), int32(ConnectionStateDisconnected)) {
		return ErrNotConnected
	}

	c.ioMu.Lock()
	conn := c.conn
	remote := c.remote
	c.conn = nil
	c.ioMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.states.Notify(StateEvent{State: ConnectionStateDisconnected, Remote: remote})
	c.Logger().Info("disconnected", "remote", remote)
	return err
}

// Transmit queues text for the peer. Queued text is written once connected.
func (c *Client) Transmit(text string) error {
	if c.Context().Err() != nil {
		return core.ErrModuleStopped
	}

	c.txMu.Lock()
	c.txQueue = append(c.txQueue, text)
	c.txMu.Unlock()

	select {
	case c.txKick <- struct{}{}:
	default:
	}
	return nil
}

// Statistics returns client statistics
func (c *Client) Statistics() ClientStatistics {
	c.txMu.Lock()
	pending := len(c.txQueue)
	c.txMu.Unlock()

	return ClientStatistics{
		Remote:             c.Remote(),
		State:              c.State(),
		StartTime:          c.startTime,
		Uptime:             time.Since(c.startTime),
		ConnectAttempts:    c.connectAttempts.Load(),
		SuccessfulConnects: c.successfulConnects.Load(),
		MessagesSent:       c.messagesSent.Load(),
		MessagesReceived:   c.messagesReceived.Load(),
		BytesRead:          c.bytesRead.Load(),
		BytesWritten:       c.bytesWritten.Load(),
		PendingTransmits:   pending,
	}
}

func (c *Client) handleConnect(ctx context.Context, p core.Packet) error {
	args := p.Args()
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 0 || port > 65535 {
		return core.NewUsageError(CommandConnect, "Connect {address} {port}", fmt.Sprintf("invalid port %q", args[1]))
	}
	return c.Connect(ctx, args[0], port)
}

func (c *Client) handleTerminator(_ context.Context, p core.Packet) error {
	if err := c.SetTerminator(p.Args()[0]); err != nil {
		return core.NewUsageError(p.Command, p.Command+" {text}", err.Error())
	}
	return nil
}

// postStatus posts progress text to the forward target.
func (c *Client) postStatus(text string) {
	target := core.ModuleID(c.forwardTo.Load())
	if target == NoForward {
		return
	}
	if err := c.Post(target, text); err != nil {
		c.Logger().Debug("status not posted", "text", text, "error", err)
	}
}

// ioLoop runs until the module stops.
func (c *Client) ioLoop() {
	defer close(c.ioDone)

	ctx := c.Context()
	ticker := time.NewTicker(c.config.ReadPollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		if !c.IsConnected() {
			select {
			case <-ctx.Done():
				return
			case <-c.txKick:
			case <-ticker.C:
			}
			continue
		}

		c.ioMu.Lock()
		conn := c.conn
		var err error
		if conn != nil && c.IsConnected() {
			err = c.pump(conn)
		}
		c.ioMu.Unlock()

		if err != nil {
			c.lost(conn, err)
		}
	}
}

// pump writes the queued messages, then reads once with a short deadline.
// Called with ioMu held.
func (c *Client) pump(conn net.Conn) error {
	pending := c.takeTransmits()
	for i, msg := range pending {
		if c.config.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		}
		n, err := conn.Write(c.framer.Encode(msg))
		c.bytesWritten.Add(int64(n))
		if err != nil {
			return fmt.Errorf("write failed, %d messages lost: %w", len(pending)-i, err)
		}
		c.messagesSent.Add(1)
		c.transmitted.Notify(msg)
	}

	conn.SetReadDeadline(time.Now().Add(c.config.ReadPollInterval))
	n, err := conn.Read(c.rxBuf)
	if n > 0 {
		c.bytesRead.Add(int64(n))
		lines, ferr := c.framer.Feed(c.rxBuf[:n])
		for _, line := range lines {
			c.deliver(line)
		}
		if ferr != nil {
			c.Logger().Warn("discarding oversized input", "error", ferr)
		}
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	return nil
}

func (c *Client) takeTransmits() []string {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	pending := c.txQueue
	c.txQueue = nil
	return pending
}

// deliver notifies listeners and forwards the line onto the bus.
func (c *Client) deliver(line string) {
	c.messagesReceived.Add(1)
	c.received.Notify(line)

	target := core.ModuleID(c.forwardTo.Load())
	if target == NoForward {
		return
	}
	command, args := cmdline.Parse(line)
	if command == "" {
		return
	}
	if err := c.Send(core.Packet{Command: command, Data: args, TargetID: target}); err != nil {
		c.Logger().Debug("received line not forwarded", "command", command, "error", err)
	}
}

// lost handles a fatal stream error.
func (c *Client) lost(conn net.Conn, err error) {
	if !c.state.CompareAndSwap(int32(ConnectionStateConnected), int32(ConnectionStateDisconnected)) {
		return
	}

	c.ioMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	remote := c.remote
	c.ioMu.Unlock()

	conn.Close()
	c.states.Notify(StateEvent{State: ConnectionStateDisconnected, Remote: remote, Err: err})
	c.Logger().Warn("connection lost", "remote", remote, "error", err)
}

// shutdown runs when the module is disposed.
func (c *Client) shutdown() {
	<-c.ioDone
	if c.IsConnected() {
		c.Disconnect()
	}
	c.states.Close()
	c.transmitted.Close()
	c.received.Close()
}

// ClientStatistics holds statistics for a client
type ClientStatistics struct {
	Remote             string          `json:"remote"`
	State              ConnectionState `json:"state"`
	StartTime          time.Time       `json:"start_time"`
	Uptime             time.Duration   `json:"uptime"`
	ConnectAttempts    int64           `json:"connect_attempts"`
	SuccessfulConnects int64           `json:"successful_connects"`
	MessagesSent       int64           `json:"messages_sent"`
	MessagesReceived   int64           `json:"messages_received"`
	BytesRead          int64           `json:"bytes_read"`
	BytesWritten       int64           `json:"bytes_written"`
	PendingTransmits   int             `json:"pending_transmits"`
}

// String returns the string representation of client statistics
func (cs ClientStatistics) String() string {
	return fmt.Sprintf("Client[%s] State=%s Uptime=%s Attempts=%d/%d Msgs S/R=%d/%d",
		cs.Remote, cs.State, cs.Uptime.Truncate(time.Second),
		cs.SuccessfulConnects, cs.ConnectAttempts, cs.MessagesSent, cs.MessagesReceived)
}
