package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes a packet taken off the bus. The context is cancelled
// when the module stops. Returning a *UsageError makes the module post the
// usage text back to the packet author.
type Handler func(ctx context.Context, p Packet) error

// Command describes an entry of a module's command table.
type Command struct {
	// Name is matched against Packet.Command
	Name string

	// Usage is the text posted back on malformed invocations
	Usage string

	// MinArgs is the minimum number of arguments the command requires
	MinArgs int

	// Async runs the handler on its own goroutine so the dispatch loop keeps
	// draining the bus
	Async bool

	Handler Handler
}

// ModuleOption configures a Module.
type ModuleOption func(*moduleOptions)

type moduleOptions struct {
	name      string
	id        *ModuleID
	logger    *slog.Logger
	poll      time.Duration
	broadcast bool
	expand    func(Packet) []Packet
}

// WithName sets the module name used in logs and statistics.
func WithName(name string) ModuleOption {
	return func(o *moduleOptions) {
		o.name = name
	}
}

// WithID requests a specific identity instead of drawing one from the bus
// sequence. Construction fails with ErrDuplicateModule if it is taken.
func WithID(id ModuleID) ModuleOption {
	return func(o *moduleOptions) {
		o.id = &id
	}
}

// WithLogger overrides the logger inherited from the bus.
func WithLogger(logger *slog.Logger) ModuleOption {
	return func(o *moduleOptions) {
		o.logger = logger
	}
}

// WithModulePoll overrides the fallback poll interval inherited from the bus.
func WithModulePoll(d time.Duration) ModuleOption {
	return func(o *moduleOptions) {
		o.poll = d
	}
}

// acceptBroadcast makes the module take broadcast packets off the bus and
// expand its own broadcast sends with fn.
func acceptBroadcast(fn func(Packet) []Packet) ModuleOption {
	return func(o *moduleOptions) {
		o.broadcast = true
		o.expand = fn
	}
}

// Module is an actor attached to a Bus. It owns an identity, a private
// outbox and a dispatch loop that takes the packets addressed to it off the
// head of the bus and runs them through its command table.
//
// Handlers must not call Dispose; they call Cancel, which stops the loop
// without waiting for it.
type Module struct {
	id        ModuleID
	name      string
	bus       *Bus
	logger    *slog.Logger
	poll      time.Duration
	broadcast bool
	expand    func(Packet) []Packet

	cmdMu    sync.RWMutex
	commands map[string]*Command
	order    []string

	outMu  sync.Mutex
	outbox []Packet
	kick   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	tasks  sync.WaitGroup

	hookMu sync.Mutex
	hooks  []func()

	state        atomic.Int32 // ModuleState
	received     atomic.Uint64
	sent         atomic.Uint64
	createdAt    time.Time
	lastPacketAt atomic.Int64 // unix nano
}

// NewModule assigns the next identity, attaches the module to the bus,
// registers the STOP command and starts the dispatch loop.
func NewModule(bus *Bus, opts ...ModuleOption) (*Module, error) {
	o := moduleOptions{
		name:   "module",
		logger: bus.logger,
		poll:   bus.poll,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.poll <= 0 {
		o.poll = DefaultPollInterval
	}

	var id ModuleID
	if o.id != nil {
		id = *o.id
		if err := bus.attach(id, o.broadcast); err != nil {
			return nil, err
		}
	} else {
		// Identities requested with WithID may already occupy the sequence.
		for {
			id = bus.seq.Next()
			if err := bus.attach(id, o.broadcast); err == nil {
				break
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Module{
		id:        id,
		name:      o.name,
		bus:       bus,
		logger:    o.logger.With("module", o.name, "id", int(id)),
		poll:      o.poll,
		broadcast: o.broadcast,
		expand:    o.expand,
		commands:  make(map[string]*Command),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	m.state.Store(int32(ModuleStateIdle))

	m.Handle(CommandStop, CommandStop, 0, func(context.Context, Packet) error {
		m.logger.Debug("stop requested")
		m.Cancel()
		return nil
	})

	go m.loop()

	m.logger.Debug("module attached")
	return m, nil
}

// ID returns the module identity.
func (m *Module) ID() ModuleID {
	return m.id
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Bus returns the bus the module is attached to.
func (m *Module) Bus() *Bus {
	return m.bus
}

// Logger returns the module logger.
func (m *Module) Logger() *slog.Logger {
	return m.logger
}

// Context returns a context cancelled when the module stops.
func (m *Module) Context() context.Context {
	return m.ctx
}

// Done returns a channel closed once the dispatch loop has exited and the
// module has been detached from the bus.
func (m *Module) Done() <-chan struct{} {
	return m.done
}

// State returns the current module state.
func (m *Module) State() ModuleState {
	return ModuleState(m.state.Load())
}

// Handle registers a synchronous command handler.
func (m *Module) Handle(name, usage string, minArgs int, h Handler) {
	m.Register(Command{Name: name, Usage: usage, MinArgs: minArgs, Handler: h})
}

// HandleAsync registers a command handler run on its own goroutine.
func (m *Module) HandleAsync(name, usage string, minArgs int, h Handler) {
	m.Register(Command{Name: name, Usage: usage, MinArgs: minArgs, Async: true, Handler: h})
}

// Register adds or replaces an entry of the command table.
func (m *Module) Register(cmd Command) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if _, exists := m.commands[cmd.Name]; !exists {
		m.order = append(m.order, cmd.Name)
	}
	c := cmd
	m.commands[cmd.Name] = &c
}

// Commands lists the commands the module responds to, in registration order.
func (m *Module) Commands() []string {
	m.cmdMu.RLock()
	defer m.cmdMu.RUnlock()

	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Usage returns the usage text of a command.
func (m *Module) Usage(name string) (string, bool) {
	cmd, err := m.Lookup(name)
	if err != nil {
		return "", false
	}
	return cmd.Usage, true
}

// Lookup returns the command registered under name.
func (m *Module) Lookup(name string) (Command, error) {
	m.cmdMu.RLock()
	defer m.cmdMu.RUnlock()

	cmd, ok := m.commands[name]
	if !ok {
		return Command{}, fmt.Errorf("module %s: %w %q", m.id, ErrUnknownCommand, name)
	}
	return *cmd, nil
}

// OnDispose registers a cleanup hook run on the dispatch goroutine after
// the loop exits and before Done is closed. Hooks run in reverse order.
func (m *Module) OnDispose(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Send stamps the author, validates the target and appends the packet to
// the outbox. It never blocks on the bus.
func (m *Module) Send(p Packet) error {
	if m.ctx.Err() != nil {
		return fmt.Errorf("module %s: %w", m.id, ErrModuleStopped)
	}

	p.AuthorID = m.id

	packets := []Packet{p}
	if p.TargetID == Broadcast && m.expand != nil {
		packets = m.expand(p)
	} else if err := m.bus.Routable(p.TargetID); err != nil {
		return fmt.Errorf("send %s: %w", p, err)
	}
	if len(packets) == 0 {
		return fmt.Errorf("send %s: %w", p, ErrNoBroadcastReceiver)
	}

	m.outMu.Lock()
	m.outbox = append(m.outbox, packets...)
	m.outMu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
	return nil
}

// SendCommand sends a packet carrying string arguments.
func (m *Module) SendCommand(command string, target ModuleID, args ...string) error {
	return m.Send(NewPacket(command, target, args...))
}

// Post sends text to be displayed by a console module.
func (m *Module) Post(target ModuleID, message string) error {
	return m.SendCommand(CommandPost, target, message)
}

// Cancel signals the dispatch loop to stop without waiting for it.
func (m *Module) Cancel() {
	if ModuleState(m.state.Load()) != ModuleStateStopped {
		m.state.Store(int32(ModuleStateStopping))
	}
	m.cancel()
}

// Dispose stops the dispatch loop, blocks until it has exited, clears the
// outbox and detaches the module from the bus.
func (m *Module) Dispose() {
	m.Cancel()
	<-m.done
}

// Stats returns current runtime statistics for this module.
func (m *Module) Stats() ModuleStats {
	var last time.Time
	if ns := m.lastPacketAt.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	m.outMu.Lock()
	outbox := len(m.outbox)
	m.outMu.Unlock()

	return ModuleStats{
		ID:              m.id,
		Name:            m.name,
		State:           m.State(),
		PacketsReceived: m.received.Load(),
		PacketsSent:     m.sent.Load(),
		OutboxSize:      outbox,
		CreatedAt:       m.createdAt,
		LastPacketAt:    last,
	}
}

// accepts reports whether p is addressed to this module.
func (m *Module) accepts(p Packet) bool {
	return p.TargetID == m.id || (m.broadcast && p.TargetID == Broadcast)
}

// loop is the dispatch loop of the module.
func (m *Module) loop() {
	defer m.finish()

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		changed := m.bus.Changed()

		p, took := m.bus.TakeIf(m.accepts)
		if took {
			m.dispatch(p)
		}
		if m.ctx.Err() != nil {
			return
		}
		m.flush()
		if took {
			continue
		}

		select {
		case <-m.ctx.Done():
			return
		case <-changed:
		case <-m.kick:
		case <-ticker.C:
		}
	}
}

// flush moves the outbox onto the bus.
func (m *Module) flush() {
	m.outMu.Lock()
	pending := m.outbox
	m.outbox = nil
	m.outMu.Unlock()

	if len(pending) == 0 {
		return
	}
	dropped := m.bus.enqueueAll(pending)
	m.sent.Add(uint64(len(pending) - dropped))
}

// finish runs once the loop has exited.
func (m *Module) finish() {
	m.tasks.Wait()

	m.hookMu.Lock()
	hooks := m.hooks
	m.hooks = nil
	m.hookMu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		m.runHook(hooks[i])
	}

	m.outMu.Lock()
	m.outbox = nil
	m.outMu.Unlock()

	m.bus.detach(m.id)
	m.state.Store(int32(ModuleStateStopped))
	close(m.done)

	m.logger.Debug("module stopped")
}

func (m *Module) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("dispose hook panicked", "panic", r)
		}
	}()
	fn()
}

// dispatch relays broadcasts and runs p through the command table.
func (m *Module) dispatch(p Packet) {
	m.state.CompareAndSwap(int32(ModuleStateIdle), int32(ModuleStateRunning))
	defer m.state.CompareAndSwap(int32(ModuleStateRunning), int32(ModuleStateIdle))

	m.received.Add(1)
	m.lastPacketAt.Store(time.Now().UnixNano())

	if p.TargetID == Broadcast && m.expand != nil {
		m.relay(p)
	}

	cmd, err := m.Lookup(p.Command)
	if err != nil {
		m.logger.Debug("ignoring packet", "packet", p.String(), "error", err)
		return
	}

	if args := p.Args(); len(args) < cmd.MinArgs {
		m.replyUsage(p, NewUsageError(cmd.Name, cmd.Usage,
			fmt.Sprintf("expected at least %d arguments, got %d", cmd.MinArgs, len(args))))
		return
	}

	if cmd.Async {
		m.tasks.Add(1)
		go func() {
			defer m.tasks.Done()
			m.run(cmd, p)
		}()
		return
	}
	m.run(cmd, p)
}

// relay fans a broadcast out to the expansion targets. It enqueues directly
// so the copies keep their place ahead of anything the handlers send.
func (m *Module) relay(p Packet) {
	packets := m.expand(p)
	for i := range packets {
		packets[i].AuthorID = m.id
	}
	if dropped := m.bus.enqueueAll(packets); dropped > 0 {
		m.logger.Warn("broadcast relay dropped packets", "packet", p.String(), "dropped", dropped)
	}
}

func (m *Module) run(cmd Command, p Packet) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("command handler panicked", "command", cmd.Name, "panic", r)
		}
	}()

	err := cmd.Handler(m.ctx, p)
	if err == nil {
		return
	}

	var ue *UsageError
	if errors.As(err, &ue) {
		m.replyUsage(p, ue)
		return
	}
	m.logger.Warn("command failed", "command", cmd.Name, "author", int(p.AuthorID), "error", err)
}

// replyUsage posts the usage text back to the author of p, falling back to
// a broadcast when the author cannot be addressed.
func (m *Module) replyUsage(p Packet, ue *UsageError) {
	text := ue.Error()

	target := p.AuthorID
	if target == m.id || m.bus.Routable(target) != nil {
		target = Broadcast
	}

	if err := m.Post(target, text); err != nil {
		m.logger.Info("usage reply not delivered", "usage", text, "error", err)
	}
}
