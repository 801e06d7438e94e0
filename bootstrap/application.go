package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/jarvis/cmdline"
	"github.com/najoast/jarvis/config"
	"github.com/najoast/jarvis/console"
	"github.com/najoast/jarvis/core"
	"github.com/najoast/jarvis/network"
)

// Role selects the transports an application runs.
type Role int

const (
	// RoleServer runs the TCP server actor
	RoleServer Role = 1 << iota

	// RoleClient runs the TCP client actor
	RoleClient
)

// Service names
const (
	ServiceHub     = "hub"
	ServiceConsole = "console"
	ServiceServer  = "server"
	ServiceClient  = "client"
	ServiceWatcher = "config-watcher"
)

// DefaultShutdownTimeout bounds the graceful shutdown of Run.
const DefaultShutdownTimeout = 30 * time.Second

// Option configures an Application.
type Option func(*Application)

// WithConfig uses cfg instead of loading a configuration.
func WithConfig(cfg *config.Config) Option {
	return func(app *Application) {
		app.config = cfg
	}
}

// WithConfigFile loads the configuration from path and reloads it when the
// file changes.
func WithConfigFile(path string) Option {
	return func(app *Application) {
		app.configFile = path
	}
}

// WithLoader sets the loader used for the configuration file.
func WithLoader(loader *config.Loader) Option {
	return func(app *Application) {
		app.loader = loader
	}
}

// WithOutput sets where the console renders posted messages.
func WithOutput(w io.Writer) Option {
	return func(app *Application) {
		app.output = w
	}
}

// WithLogger replaces the logger built from the log section. Reloads do
// not change the level of a provided logger.
func WithLogger(logger *slog.Logger) Option {
	return func(app *Application) {
		app.logger = logger
	}
}

// WithRoles enables the given transports.
func WithRoles(roles Role) Option {
	return func(app *Application) {
		app.roles |= roles
	}
}

// Application owns the bus and the modules assembled on it: a hub registry,
// an optional console and the TCP transports selected by its roles.
type Application struct {
	configFile string
	loader     *config.Loader
	roles      Role
	output     io.Writer

	logger    *slog.Logger
	level     *slog.LevelVar
	logCloser io.Closer

	bus       *core.Bus
	lifecycle *LifecycleManager

	mu      sync.RWMutex
	config  *config.Config
	hub     *core.Registry
	console *console.Console
	server  *network.Server
	client  *network.Client
	watcher *config.Watcher
	running bool
}

// New loads the configuration, builds the logger and the bus, and registers
// the services. Nothing runs until Start.
func New(opts ...Option) (*Application, error) {
	app := &Application{
		output: os.Stdout,
		level:  new(slog.LevelVar),
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.loader == nil {
		app.loader = config.NewLoader()
	}

	if app.config == nil {
		cfg, err := app.loader.Load(app.configFile)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
		app.config = cfg
	} else if err := app.config.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	if app.logger == nil {
		logger, closer, err := NewLogger(app.config.Log, app.level)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
		app.logger, app.logCloser = logger, closer
	} else {
		app.level.Set(app.config.Log.Level.SlogLevel())
	}
	app.logger = app.logger.With("app", app.config.App.Name)

	app.bus = core.NewBus(
		core.WithBusLogger(app.logger),
		core.WithPollInterval(app.config.Bus.PollInterval),
	)
	app.lifecycle = NewLifecycleManager(app.logger)

	if err := app.registerServices(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}
	return app, nil
}

func (app *Application) registerServices() error {
	lm := app.lifecycle
	deps := []string{ServiceHub}

	if err := lm.Register(ServiceHub, &HubService{app: app}); err != nil {
		return err
	}
	if app.config.Console.Enabled {
		if err := lm.Register(ServiceConsole, &ConsoleService{app: app}, ServiceHub); err != nil {
			return err
		}
		deps = append(deps, ServiceConsole)
	}

	all := append([]string(nil), deps...)
	if app.roles&RoleServer != 0 {
		if err := lm.Register(ServiceServer, &ServerService{app: app}, deps...); err != nil {
			return err
		}
		all = append(all, ServiceServer)
	}
	if app.roles&RoleClient != 0 {
		if err := lm.Register(ServiceClient, &ClientService{app: app}, deps...); err != nil {
			return err
		}
		all = append(all, ServiceClient)
	}
	if app.configFile != "" {
		if err := lm.Register(ServiceWatcher, &WatcherService{app: app}, all...); err != nil {
			return err
		}
	}
	return nil
}

// Start starts every service.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	if app.running {
		app.mu.Unlock()
		return fmt.Errorf("application is already running")
	}
	app.running = true
	app.mu.Unlock()

	if err := app.lifecycle.Start(ctx); err != nil {
		app.mu.Lock()
		app.running = false
		app.mu.Unlock()
		return err
	}
	app.logger.Info("application started", "services", app.lifecycle.Services(), "bus", app.bus.ID())
	return nil
}

// Run starts the application and waits for it to end.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Wait(ctx)
}

// Wait blocks until ctx is done, SIGINT or SIGTERM arrives, or one of the
// modules stops. It then shuts the application down.
func (app *Application) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		app.logger.Info("shutdown requested")
	case <-app.moduleStopped(sigCtx):
		app.logger.Info("module stopped, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// Shutdown stops every service and releases the log output.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	if !app.running {
		app.mu.Unlock()
		return nil
	}
	app.running = false
	app.mu.Unlock()

	err := app.lifecycle.Stop(ctx)
	app.logger.Info("application stopped", "error", err)

	if app.logCloser != nil {
		if cerr := app.logCloser.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// moduleStopped returns a channel closed when any running module stops.
func (app *Application) moduleStopped(ctx context.Context) <-chan struct{} {
	app.mu.RLock()
	var dones []<-chan struct{}
	if app.hub != nil {
		dones = append(dones, app.hub.Done())
	}
	if app.console != nil {
		dones = append(dones, app.console.Done())
	}
	if app.server != nil {
		dones = append(dones, app.server.Done())
	}
	if app.client != nil {
		dones = append(dones, app.client.Done())
	}
	app.mu.RUnlock()

	out := make(chan struct{})
	var once sync.Once
	for _, done := range dones {
		go func(done <-chan struct{}) {
			select {
			case <-done:
				once.Do(func() { close(out) })
			case <-ctx.Done():
			}
		}(done)
	}
	return out
}

// Execute parses line as a command and publishes it to target.
func (app *Application) Execute(line string, target core.ModuleID) error {
	command, args := cmdline.Parse(line)
	if command == "" {
		return nil
	}
	return app.bus.Publish(core.NewPacket(command, target, args...))
}

// Health reports the health of every service.
func (app *Application) Health(ctx context.Context) map[string]HealthStatus {
	return app.lifecycle.Health(ctx)
}

// Bus returns the application bus.
func (app *Application) Bus() *core.Bus {
	return app.bus
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// Lifecycle returns the lifecycle manager.
func (app *Application) Lifecycle() *LifecycleManager {
	return app.lifecycle
}

// Config returns the current configuration.
func (app *Application) Config() *config.Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.config
}

// Hub returns the hub registry, or nil before Start.
func (app *Application) Hub() *core.Registry {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.hub
}

// Console returns the console module, or nil when disabled.
func (app *Application) Console() *console.Console {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.console
}

// Server returns the TCP server, or nil without RoleServer.
func (app *Application) Server() *network.Server {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.server
}

// Client returns the TCP client, or nil without RoleClient.
func (app *Application) Client() *network.Client {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.client
}

// applyConfig hot-applies the settings that can change while running: the
// log level, the console header and the client terminator.
func (app *Application) applyConfig(oldConfig, newConfig *config.Config) {
	app.mu.Lock()
	app.config = newConfig
	cons, client := app.console, app.client
	app.mu.Unlock()

	if oldConfig.Log.Level != newConfig.Log.Level {
		app.level.Set(newConfig.Log.Level.SlogLevel())
		app.logger.Info("log level changed", "level", newConfig.Log.Level)
	}
	if cons != nil && oldConfig.Console.Header != newConfig.Console.Header {
		cons.SetHeader(newConfig.Console.Header)
	}
	if client != nil && oldConfig.Client.Framing.Terminator != newConfig.Client.Framing.Terminator {
		if err := client.SetTerminator(newConfig.Client.Framing.Terminator); err != nil {
			app.logger.Warn("terminator not applied", "error", err)
		}
	}
}
