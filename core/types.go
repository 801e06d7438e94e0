package core

import (
	"fmt"
	"time"
)

// ModuleID identifies a module on a bus.
type ModuleID int

const (
	// Broadcast targets every subscriber of the registries attached to a bus.
	Broadcast ModuleID = -1

	// External is the author of packets published from outside any module.
	External ModuleID = -2
)

// String returns the string representation of ModuleID.
func (id ModuleID) String() string {
	switch id {
	case Broadcast:
		return "broadcast"
	case External:
		return "external"
	default:
		return fmt.Sprintf("%d", int(id))
	}
}

// Well-known commands understood across modules.
const (
	CommandStop  = "STOP"
	CommandPost  = "Post"
	CommandClear = "Clear"
)

// Arguments is implemented by payloads that carry command arguments.
type Arguments interface {
	Args() []string
}

// Packet is the message unit exchanged over the bus.
type Packet struct {
	// Command names the verb the receiver should act on
	Command string

	// Data is the opaque payload, usually the command arguments
	Data any

	// TargetID is the receiving module, or Broadcast
	TargetID ModuleID

	// AuthorID is the module that placed the packet on the bus
	AuthorID ModuleID
}

// NewPacket creates a packet carrying string arguments.
func NewPacket(command string, target ModuleID, args ...string) Packet {
	return Packet{
		Command:  command,
		Data:     args,
		TargetID: target,
		AuthorID: External,
	}
}

// Args returns the string arguments carried by the payload, or nil.
func (p Packet) Args() []string {
	switch d := p.Data.(type) {
	case []string:
		return d
	case Arguments:
		return d.Args()
	case string:
		return []string{d}
	default:
		return nil
	}
}

// IsBroadcast reports whether the packet targets every subscriber.
func (p Packet) IsBroadcast() bool {
	return p.TargetID == Broadcast
}

// String returns a compact description used in logs.
func (p Packet) String() string {
	return fmt.Sprintf("%s(%s->%s)", p.Command, p.AuthorID, p.TargetID)
}

// ModuleState represents the lifecycle state of a module.
type ModuleState int32

const (
	// ModuleStateIdle means the module is waiting for packets
	ModuleStateIdle ModuleState = iota

	// ModuleStateRunning means the module is dispatching a packet
	ModuleStateRunning

	// ModuleStateStopping means the dispatch loop has been signaled
	ModuleStateStopping

	// ModuleStateStopped means the dispatch loop has exited
	ModuleStateStopped
)

// String returns the string representation of ModuleState.
func (s ModuleState) String() string {
	switch s {
	case ModuleStateIdle:
		return "idle"
	case ModuleStateRunning:
		return "running"
	case ModuleStateStopping:
		return "stopping"
	case ModuleStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ModuleStats contains runtime statistics for a module.
type ModuleStats struct {
	ID              ModuleID
	Name            string
	State           ModuleState
	PacketsReceived uint64
	PacketsSent     uint64
	OutboxSize      int
	CreatedAt       time.Time
	LastPacketAt    time.Time
}

// DefaultPollInterval bounds the latency of a dispatch loop when no wake-up
// signal arrives.
const DefaultPollInterval = 100 * time.Millisecond
