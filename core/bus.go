package core

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sequence generates module identities. It is safe for concurrent use.
type Sequence struct {
	next atomic.Int64
}

// NewSequence creates a sequence whose first identity is start.
func NewSequence(start int) *Sequence {
	s := &Sequence{}
	s.next.Store(int64(start))
	return s
}

// Next returns the next identity.
func (s *Sequence) Next() ModuleID {
	return ModuleID(s.next.Add(1) - 1)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithSequence makes the bus draw module identities from seq.
func WithSequence(seq *Sequence) BusOption {
	return func(b *Bus) {
		b.seq = seq
	}
}

// WithBusLogger sets the logger used by the bus and, by default, its modules.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithPollInterval sets the fallback poll interval of modules on this bus.
func WithPollInterval(d time.Duration) BusOption {
	return func(b *Bus) {
		b.poll = d
	}
}

// Bus is the single ordered queue shared by every module constructed with it.
//
// All reads that may remove a packet go through TakeIf, which holds the bus
// lock for the peek and the dequeue only.
type Bus struct {
	id     string
	seq    *Sequence
	logger *slog.Logger
	poll   time.Duration

	mu        sync.Mutex
	queue     []Packet
	modules   map[ModuleID]bool // id -> accepts broadcast
	receivers int
	changed   chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates an empty bus with its own identity sequence.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		id:      uuid.NewString(),
		seq:     NewSequence(0),
		logger:  slog.Default(),
		poll:    DefaultPollInterval,
		modules: make(map[ModuleID]bool),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("bus", b.id)
	return b
}

// ID returns the bus instance identifier used for log correlation.
func (b *Bus) ID() string {
	return b.id
}

// Logger returns the bus logger.
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// PollInterval returns the fallback poll interval of modules on this bus.
func (b *Bus) PollInterval() time.Duration {
	return b.poll
}

// Sequence returns the identity sequence owned by the bus.
func (b *Bus) Sequence() *Sequence {
	return b.seq
}

// Publish appends a packet from outside any module. The author is stamped
// as External.
func (b *Bus) Publish(p Packet) error {
	p.AuthorID = External
	return b.enqueue(p)
}

// enqueue appends p, validating that someone can consume it.
func (b *Bus) enqueue(p Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.routableLocked(p.TargetID); err != nil {
		return fmt.Errorf("publish %s: %w", p, err)
	}

	b.queue = append(b.queue, p)
	b.published.Add(1)
	b.signalLocked()
	return nil
}

// enqueueAll appends packets in order under a single lock. Packets that can
// no longer be routed are dropped and counted.
func (b *Bus) enqueueAll(packets []Packet) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, p := range packets {
		if err := b.routableLocked(p.TargetID); err != nil {
			dropped++
			b.dropped.Add(1)
			b.logger.Warn("dropping packet", "packet", p.String(), "error", err)
			continue
		}
		b.queue = append(b.queue, p)
		b.published.Add(1)
	}
	if dropped < len(packets) {
		b.signalLocked()
	}
	return dropped
}

// Routable reports whether a packet addressed to target would be accepted.
func (b *Bus) Routable(target ModuleID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routableLocked(target)
}

func (b *Bus) routableLocked(target ModuleID) error {
	if target == Broadcast {
		if b.receivers == 0 {
			return ErrNoBroadcastReceiver
		}
		return nil
	}
	if _, ok := b.modules[target]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return nil
}

// TakeIf removes and returns the head packet when accept reports true for it.
func (b *Bus) TakeIf(accept func(Packet) bool) (Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 || !accept(b.queue[0]) {
		return Packet{}, false
	}

	p := b.queue[0]
	b.queue[0] = Packet{}
	b.queue = b.queue[1:]
	b.signalLocked()
	return p, true
}

// Changed returns a channel closed on the next mutation of the bus. Callers
// must fetch it before inspecting the bus to avoid missing a wake-up.
func (b *Bus) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *Bus) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Len returns the number of queued packets.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Snapshot returns a copy of the queued packets in bus order.
func (b *Bus) Snapshot() []Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Packet, len(b.queue))
	copy(out, b.queue)
	return out
}

// Modules returns the identities currently attached to the bus.
func (b *Bus) Modules() []ModuleID {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]ModuleID, 0, len(b.modules))
	for id := range b.modules {
		ids = append(ids, id)
	}
	return ids
}

// Attached reports whether id is attached to the bus.
func (b *Bus) Attached(id ModuleID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.modules[id]
	return ok
}

// BusStats contains counters for a bus.
type BusStats struct {
	ID        string
	Queued    int
	Modules   int
	Receivers int
	Published uint64
	Dropped   uint64
}

// Stats returns the bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BusStats{
		ID:        b.id,
		Queued:    len(b.queue),
		Modules:   len(b.modules),
		Receivers: b.receivers,
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// attach registers id as a consumer.
func (b *Bus) attach(id ModuleID, broadcast bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.modules[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, id)
	}
	b.modules[id] = broadcast
	if broadcast {
		b.receivers++
	}
	return nil
}

// detach unregisters id and purges packets nobody can take anymore.
func (b *Bus) detach(id ModuleID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	broadcast, ok := b.modules[id]
	if !ok {
		return 0
	}
	delete(b.modules, id)
	if broadcast {
		b.receivers--
	}

	kept := b.queue[:0]
	purged := 0
	for _, p := range b.queue {
		if p.TargetID == id || (p.TargetID == Broadcast && b.receivers == 0) {
			purged++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(b.queue); i++ {
		b.queue[i] = Packet{}
	}
	b.queue = kept

	if purged > 0 {
		b.dropped.Add(uint64(purged))
		b.logger.Debug("purged packets of detached module", "id", int(id), "count", purged)
	}
	b.signalLocked()
	return purged
}
