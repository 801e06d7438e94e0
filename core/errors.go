package core

import (
	"errors"
	"fmt"
)

// Bus addressing errors
var (
	ErrUnknownTarget       = errors.New("target module is not attached to the bus")
	ErrNoBroadcastReceiver = errors.New("no broadcast receiver attached to the bus")
	ErrDuplicateModule     = errors.New("module id already attached to the bus")
)

// Module lifecycle errors
var (
	ErrModuleStopped  = errors.New("module is stopped")
	ErrUnknownCommand = errors.New("unknown command")
)

// Registry errors
var (
	ErrAlreadySubscribed = errors.New("module is already subscribed")
	ErrUnknownModule     = errors.New("module is not attached to this bus")
)

// UsageError reports a command invoked with malformed arguments. Handlers
// return it to have the usage text posted back to the packet author.
type UsageError struct {
	Command string
	Usage   string
	Reason  string
}

// NewUsageError creates a usage error for a command.
func NewUsageError(command, usage, reason string) *UsageError {
	return &UsageError{Command: command, Usage: usage, Reason: reason}
}

func (e *UsageError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s, usage is: %s", e.Command, e.Reason, e.Usage)
	}
	return fmt.Sprintf("usage is: %s", e.Usage)
}

// IsUsageError reports whether err carries a UsageError.
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}
