// Package console provides the module that renders posted text.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/najoast/jarvis/core"
)

// ClearScreen is written before a post that does not append.
const ClearScreen = "\033[H\033[2J"

const postUsage = "Post {message} [append] [newline]"

// PostEvent describes one post rendered by the console.
type PostEvent struct {
	Message string
	Append  bool
	Newline bool
}

// Option configures a Console.
type Option func(*Console)

// WithWriter sets the destination of rendered posts. Defaults to stdout.
func WithWriter(w io.Writer) Option {
	return func(c *Console) {
		c.out = w
	}
}

// WithHeader sets the text written at the start of every new line.
func WithHeader(header string) Option {
	return func(c *Console) {
		c.header = header
	}
}

// WithModuleOptions passes options to the underlying module.
func WithModuleOptions(opts ...core.ModuleOption) Option {
	return func(c *Console) {
		c.moduleOpts = append(c.moduleOpts, opts...)
	}
}

// Console is a module responding to Post and Clear.
type Console struct {
	*core.Module

	moduleOpts []core.ModuleOption
	posts      core.Notifier[PostEvent]

	mu          sync.Mutex
	out         io.Writer
	header      string
	atLineStart bool
}

// New creates a console module on bus.
func New(bus *core.Bus, opts ...Option) (*Console, error) {
	c := &Console{
		out:         os.Stdout,
		atLineStart: true,
	}
	for _, opt := range opts {
		opt(c)
	}

	m, err := core.NewModule(bus, append([]core.ModuleOption{core.WithName("console")}, c.moduleOpts...)...)
	if err != nil {
		return nil, err
	}
	c.Module = m

	m.Handle(core.CommandPost, postUsage, 1, c.handlePost)
	m.Handle(core.CommandClear, core.CommandClear, 0, func(context.Context, core.Packet) error {
		return c.Render(PostEvent{})
	})
	m.OnDispose(c.posts.Close)

	return c, nil
}

// Posts registers a listener for rendered posts.
func (c *Console) Posts(buffer int) (<-chan PostEvent, func()) {
	return c.posts.Listen(buffer)
}

// SetHeader replaces the line header.
func (c *Console) SetHeader(header string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header = header
}

func (c *Console) handlePost(_ context.Context, p core.Packet) error {
	ev, err := ParsePost(p.Args())
	if err != nil {
		return err
	}
	return c.Render(ev)
}

// ParsePost builds a PostEvent from Post arguments. Append and newline
// default to true.
func ParsePost(args []string) (PostEvent, error) {
	if len(args) < 1 {
		return PostEvent{}, core.NewUsageError(core.CommandPost, postUsage, "missing message")
	}

	ev := PostEvent{Message: args[0], Append: true, Newline: true}
	if len(args) > 1 {
		v, err := strconv.ParseBool(args[1])
		if err != nil {
			return PostEvent{}, core.NewUsageError(core.CommandPost, postUsage, fmt.Sprintf("invalid append flag %q", args[1]))
		}
		ev.Append = v
	}
	if len(args) > 2 {
		v, err := strconv.ParseBool(args[2])
		if err != nil {
			return PostEvent{}, core.NewUsageError(core.CommandPost, postUsage, fmt.Sprintf("invalid newline flag %q", args[2]))
		}
		ev.Newline = v
	}
	return ev, nil
}

// Render writes ev to the console output and notifies listeners.
func (c *Console) Render(ev PostEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ev.Append {
		if _, err := io.WriteString(c.out, ClearScreen); err != nil {
			return fmt.Errorf("clear console: %w", err)
		}
		c.atLineStart = true
	}

	if ev.Message != "" || ev.Newline {
		text := ev.Message
		if c.atLineStart && c.header != "" && ev.Message != "" {
			text = c.header + text
		}
		if ev.Newline {
			text += "\n"
		}
		if _, err := io.WriteString(c.out, text); err != nil {
			return fmt.Errorf("write console: %w", err)
		}
		if text != "" {
			c.atLineStart = ev.Newline
		}
	}

	c.posts.Notify(ev)
	return nil
}
