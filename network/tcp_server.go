package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/jarvis/cmdline"
	"github.com/najoast/jarvis/core"
)

// Server command names
const (
	CommandStart     = "Start"
	CommandStop      = "Stop"
	CommandRestart   = "Restart"
	CommandBroadcast = "Broadcast"
	CommandKick      = "Kick"
)

// transmitJob is a queued server broadcast.
type transmitJob struct {
	text   string
	target int
}

// Server is the TCP server actor. It is a registry: every framed line a peer
// sends becomes a packet broadcast to the server's subscribers, with the
// first token as the command and a PeerMessage as payload.
type Server struct {
	*core.Registry

	config  *NetworkConfig
	ids     *core.Sequence
	manager *ConnectionManager

	framersMu sync.Mutex
	framers   map[int]*Framer

	// lifeMu serializes Start and Stop
	lifeMu       sync.Mutex
	listener     net.Listener
	listening    atomic.Bool
	acceptCancel context.CancelFunc
	acceptDone   chan struct{}
	address      string
	port         int

	txMu    sync.Mutex
	txQueue []transmitJob
	txKick  chan struct{}
	txDone  chan struct{}

	status core.Notifier[StatusEvent]
	opened core.Notifier[ConnectionEvent]
	closed core.Notifier[ConnectionEvent]
	lines  core.Notifier[LineEvent]

	// Statistics
	totalMessages atomic.Int64
	rejected      atomic.Int64
	startTime     time.Time
}

// NewServer creates a server actor on bus. It does not listen until Start.
func NewServer(bus *core.Bus, config *NetworkConfig, opts ...core.ModuleOption) (*Server, error) {
	if config == nil {
		config = DefaultNetworkConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	reg, err := core.NewRegistry(bus, append([]core.ModuleOption{core.WithName("tcp-server")}, opts...)...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Registry:  reg,
		config:    config,
		ids:       core.NewSequence(0),
		manager:   NewConnectionManager(),
		framers:   make(map[int]*Framer),
		address:   config.Address,
		port:      config.Port,
		txKick:    make(chan struct{}, 1),
		txDone:    make(chan struct{}),
		startTime: time.Now(),
	}

	reg.Handle(CommandStart, "Start [address] [port]", 0, s.handleStart)
	reg.Handle(CommandStop, CommandStop, 0, func(context.Context, core.Packet) error {
		return s.Stop()
	})
	reg.Handle(CommandRestart, CommandRestart, 0, func(context.Context, core.Packet) error {
		return s.Restart()
	})
	reg.Handle(CommandBroadcast, "Broadcast {text} [id]", 1, s.handleBroadcast)
	reg.Handle(CommandKick, "Kick {id}", 1, s.handleKick)

	reg.OnDispose(s.shutdown)

	go s.transmitLoop()
	return s, nil
}

// Start binds address:port and begins accepting. It is a no-op while the
// server is listening. Halted connections are resumed.
func (s *Server) Start(address string, port int) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.listening.Load() {
		return nil
	}
	if s.Context().Err() != nil {
		return core.ErrModuleStopped
	}

	lc := net.ListenConfig{}
	if s.config.KeepAlive {
		lc.KeepAlive = s.config.KeepAliveInterval
	} else {
		lc.KeepAlive = -1
	}

	bind := net.JoinHostPort(address, strconv.Itoa(port))
	ln, err := lc.Listen(s.Context(), "tcp", bind)
	if err != nil {
		s.status.Notify(StatusEvent{Listening: false, Addr: bind, Err: err})
		return fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	s.listener = ln
	s.address = address
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = port
	}

	acceptCtx, cancel := context.WithCancel(s.Context())
	s.acceptCancel = cancel
	s.acceptDone = make(chan struct{})
	s.listening.Store(true)
	go s.acceptLoop(acceptCtx, ln, s.acceptDone)

	resumed := s.manager.ResumeAll()
	addr := ln.Addr().String()
	s.status.Notify(StatusEvent{Listening: true, Addr: addr})
	s.Logger().Info("server started", "addr", addr, "resumed", resumed)
	s.announce(fmt.Sprintf("Server started at %s on port %d", s.address, s.port))
	return nil
}

// StartLocal listens on an ephemeral loopback port.
func (s *Server) StartLocal() error {
	return s.Start("127.0.0.1", 0)
}

// Stop cancels the accept wait, closes the listener and halts or closes
// every connection. It returns once all of their loops have exited and is
// a no-op while stopped.
func (s *Server) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.listening.CompareAndSwap(true, false) {
		return nil
	}

	s.acceptCancel()
	err := s.listener.Close()
	<-s.acceptDone

	if s.config.RetainConnections {
		s.manager.HaltAll()
	} else {
		closed, cerr := s.manager.CloseAll()
		for _, conn := range closed {
			s.forget(conn, nil)
		}
		if cerr != nil {
			s.Logger().Warn("failed to close connections", "error", cerr)
		}
	}

	addr := s.listener.Addr().String()
	s.status.Notify(StatusEvent{Listening: false, Addr: addr})
	s.Logger().Info("server stopped", "addr", addr)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// Restart stops the server and starts it again on the last bound address
// and port.
func (s *Server) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}

	s.lifeMu.Lock()
	address, port := s.address, s.port
	s.lifeMu.Unlock()

	return s.Start(address, port)
}

// IsListening reports whether the server accepts connections.
func (s *Server) IsListening() bool {
	return s.listening.Load()
}

// Addr returns the listening address, or nil while stopped.
func (s *Server) Addr() net.Addr {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.listening.Load() {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the last bound port.
func (s *Server) Port() int {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.port
}

// Broadcast queues text for every connection, or only the one with the
// given id when target is not AllConnections.
func (s *Server) Broadcast(text string, target int) error {
	if s.Context().Err() != nil {
		return core.ErrModuleStopped
	}

	s.txMu.Lock()
	s.txQueue = append(s.txQueue, transmitJob{text: text, target: target})
	s.txMu.Unlock()

	select {
	case s.txKick <- struct{}{}:
	default:
	}
	return nil
}

// DisconnectClient disposes the connection with the given id.
func (s *Server) DisconnectClient(id int) error {
	conn, ok := s.manager.Remove(id)
	if !ok {
		return fmt.Errorf("connection %d: %w", id, ErrConnectionNotFound)
	}

	err := conn.Dispose()
	s.forget(conn, nil)
	s.Logger().Info("client disconnected", "connection", id)
	return err
}

// Connections returns the active connections ordered by id.
func (s *Server) Connections() []*Connection {
	return s.manager.All()
}

// Connection returns the connection with the given id.
func (s *Server) Connection(id int) (*Connection, bool) {
	return s.manager.Get(id)
}

// StatusChanges registers a listener for listening state changes.
func (s *Server) StatusChanges(buffer int) (<-chan StatusEvent, func()) {
	return s.status.Listen(buffer)
}

// NewConnections registers a listener for accepted connections.
func (s *Server) NewConnections(buffer int) (<-chan ConnectionEvent, func()) {
	return s.opened.Listen(buffer)
}

// ClosedConnections registers a listener for connections that went away.
func (s *Server) ClosedConnections(buffer int) (<-chan ConnectionEvent, func()) {
	return s.closed.Listen(buffer)
}

// Lines registers a listener for framed lines received from peers.
func (s *Server) Lines(buffer int) (<-chan LineEvent, func()) {
	return s.lines.Listen(buffer)
}

// Statistics returns server statistics
func (s *Server) Statistics() ServerStatistics {
	address := ""
	if addr := s.Addr(); addr != nil {
		address = addr.String()
	}
	cms := s.manager.Statistics()

	return ServerStatistics{
		Address:             address,
		Listening:           s.IsListening(),
		StartTime:           s.startTime,
		Uptime:              time.Since(s.startTime),
		TotalConnections:    cms.TotalConnections,
		CurrentConnections:  cms.ActiveConnections,
		RejectedConnections: s.rejected.Load(),
		TotalMessages:       s.totalMessages.Load(),
		Subscribers:         s.SubscriberCount(),
	}
}

func (s *Server) handleStart(_ context.Context, p core.Packet) error {
	address, port := s.config.Address, s.config.Port
	args := p.Args()

	switch len(args) {
	case 0:
	case 1:
		if n, err := strconv.Atoi(args[0]); err == nil {
			port = n
		} else {
			address = args[0]
		}
	default:
		address = args[0]
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return core.NewUsageError(CommandStart, "Start [address] [port]", fmt.Sprintf("invalid port %q", args[1]))
		}
		port = n
	}

	if port < 0 || port > 65535 {
		return core.NewUsageError(CommandStart, "Start [address] [port]", fmt.Sprintf("invalid port %d", port))
	}
	return s.Start(address, port)
}

func (s *Server) handleBroadcast(_ context.Context, p core.Packet) error {
	args := p.Args()
	target := AllConnections
	if len(args) > 1 {
		id, err := strconv.Atoi(args[1])
		if err != nil {
			return core.NewUsageError(CommandBroadcast, "Broadcast {text} [id]", fmt.Sprintf("invalid id %q", args[1]))
		}
		target = id
	}
	return s.Broadcast(args[0], target)
}

func (s *Server) handleKick(_ context.Context, p core.Packet) error {
	id, err := strconv.Atoi(p.Args()[0])
	if err != nil {
		return core.NewUsageError(CommandKick, "Kick {id}", fmt.Sprintf("invalid id %q", p.Args()[0]))
	}
	return s.DisconnectClient(id)
}

// announce posts text to the subscribers.
func (s *Server) announce(text string) {
	if err := s.Post(core.Broadcast, text); err != nil {
		s.Logger().Debug("announcement not posted", "text", text, "error", err)
	}
}

// acceptLoop accepts until ctx is cancelled or the listener closes.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.Logger().Warn("failed to accept connection", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if s.config.MaxConnections > 0 && s.manager.Count() >= s.config.MaxConnections {
			s.rejected.Add(1)
			s.Logger().Warn("connection limit reached, rejecting",
				"limit", s.config.MaxConnections, "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.accept(conn)
	}
}

// accept wraps conn in a connection actor and starts its read loop.
func (s *Server) accept(conn net.Conn) {
	id := int(s.ids.Next())
	c := NewConnection(id, conn, s.config, s.Logger(), s.receive, s.lost)

	s.framersMu.Lock()
	s.framers[id] = NewFramer(s.config.Terminator, s.config.MaxFrameSize)
	s.framersMu.Unlock()

	if err := s.manager.Add(c); err != nil {
		s.Logger().Error("failed to register connection", "error", err)
		c.Dispose()
		return
	}
	c.Resume()

	remote := conn.RemoteAddr().String()
	s.opened.Notify(ConnectionEvent{ID: id, RemoteAddr: remote})
	s.Logger().Info("client connected", "connection", id, "remote", remote)
}

// receive frames the text read from a connection and turns every complete
// line into a packet. Runs on the connection's read loop.
func (s *Server) receive(c *Connection, text string) {
	s.framersMu.Lock()
	framer, ok := s.framers[c.ID()]
	var lines []string
	var err error
	if ok {
		lines, err = framer.Feed([]byte(text))
	}
	s.framersMu.Unlock()

	if err != nil {
		s.Logger().Warn("discarding oversized input", "connection", c.ID(), "error", err)
	}
	for _, line := range lines {
		s.dispatch(c.ID(), line)
	}
}

func (s *Server) dispatch(id int, line string) {
	s.totalMessages.Add(1)
	s.lines.Notify(LineEvent{ConnectionID: id, Line: line})

	command, args := cmdline.Parse(line)
	if command == "" {
		return
	}
	p := core.Packet{
		Command:  command,
		Data:     PeerMessage{ConnectionID: id, Arguments: args, Line: line},
		TargetID: core.Broadcast,
	}
	if err := s.Send(p); err != nil {
		s.Logger().Warn("peer line dropped", "connection", id, "command", command, "error", err)
	}
}

// lost handles a connection whose read loop failed. It only updates
// bookkeeping; the connection has already released its socket.
func (s *Server) lost(c *Connection, err error) {
	if _, ok := s.manager.Remove(c.ID()); !ok {
		return
	}
	s.forget(c, err)
	s.Logger().Info("client connection closed", "connection", c.ID(), "error", err)
}

// forget drops the framer of c and announces its closure.
func (s *Server) forget(c *Connection, err error) {
	s.framersMu.Lock()
	delete(s.framers, c.ID())
	s.framersMu.Unlock()

	s.closed.Notify(ConnectionEvent{ID: c.ID(), RemoteAddr: c.RemoteAddr().String(), Err: err})
}

// transmitLoop writes queued broadcast jobs until the module stops.
func (s *Server) transmitLoop() {
	defer close(s.txDone)

	framer := NewFramer(s.config.Terminator, s.config.MaxFrameSize)
	ctx := s.Context()
	for {
		for _, job := range s.takeJobs() {
			data := framer.Encode(job.text)
			if job.target == AllConnections {
				if _, err := s.manager.Broadcast(data); err != nil {
					s.Logger().Warn("broadcast incomplete", "error", err)
				}
				continue
			}
			if err := s.manager.SendTo(job.target, data); err != nil {
				s.Logger().Warn("transmit failed", "connection", job.target, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.txKick:
		}
	}
}

func (s *Server) takeJobs() []transmitJob {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	jobs := s.txQueue
	s.txQueue = nil
	return jobs
}

// shutdown runs when the module is disposed.
func (s *Server) shutdown() {
	<-s.txDone
	if err := s.Stop(); err != nil {
		s.Logger().Warn("failed to stop server", "error", err)
	}
	closed, err := s.manager.CloseAll()
	for _, conn := range closed {
		s.forget(conn, nil)
	}
	if err != nil {
		s.Logger().Warn("failed to close connections", "error", err)
	}

	s.status.Close()
	s.opened.Close()
	s.closed.Close()
	s.lines.Close()
}

// ServerStatistics holds statistics for a server
type ServerStatistics struct {
	Address             string        `json:"address"`
	Listening           bool          `json:"listening"`
	StartTime           time.Time     `json:"start_time"`
	Uptime              time.Duration `json:"uptime"`
	TotalConnections    int64         `json:"total_connections"`
	CurrentConnections  int64         `json:"current_connections"`
	RejectedConnections int64         `json:"rejected_connections"`
	TotalMessages       int64         `json:"total_messages"`
	Subscribers         int           `json:"subscribers"`
}

// String returns the string representation of server statistics
func (ss ServerStatistics) String() string {
	return fmt.Sprintf("Server[%s] Listening=%t Uptime=%s Connections=%d/%d Rejected=%d Messages=%d",
		ss.Address, ss.Listening, ss.Uptime.Truncate(time.Second),
		ss.CurrentConnections, ss.TotalConnections, ss.RejectedConnections, ss.TotalMessages)
}
