package bootstrap

import (
	"context"
	"fmt"

	"github.com/najoast/jarvis/config"
	"github.com/najoast/jarvis/console"
	"github.com/najoast/jarvis/core"
	"github.com/najoast/jarvis/network"
)

// disposer is a module that can be disposed.
type disposer interface {
	Dispose()
	Done() <-chan struct{}
}

// dispose disposes m, giving up when ctx expires first.
func dispose(ctx context.Context, m disposer) error {
	go m.Dispose()
	select {
	case <-m.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispose: %w", ctx.Err())
	}
}

func moduleHealth(state core.ModuleState, stats core.ModuleStats) HealthStatus {
	data := map[string]any{
		"id":       int(stats.ID),
		"received": stats.PacketsReceived,
		"sent":     stats.PacketsSent,
	}
	if state == core.ModuleStateStopped {
		return HealthStatus{State: HealthStopped, Message: "module stopped", Data: data}
	}
	return HealthStatus{State: HealthHealthy, Message: "module " + state.String(), Data: data}
}

// HubService runs the registry that relays bus broadcasts.
type HubService struct {
	app *Application
}

func (s *HubService) Name() string {
	return ServiceHub
}

func (s *HubService) Start(ctx context.Context) error {
	hub, err := core.NewRegistry(s.app.bus, core.WithName(ServiceHub))
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}

	s.app.mu.Lock()
	s.app.hub = hub
	s.app.mu.Unlock()
	return nil
}

func (s *HubService) Stop(ctx context.Context) error {
	if hub := s.app.Hub(); hub != nil {
		return dispose(ctx, hub)
	}
	return nil
}

func (s *HubService) Health(ctx context.Context) (HealthStatus, error) {
	hub := s.app.Hub()
	if hub == nil {
		return HealthStatus{State: HealthUnknown, Message: "hub not started"}, nil
	}
	status := moduleHealth(hub.State(), hub.Stats())
	status.Data["subscribers"] = hub.SubscriberCount()
	return status, nil
}

// ConsoleService renders posted messages to the application output.
type ConsoleService struct {
	app *Application
}

func (s *ConsoleService) Name() string {
	return ServiceConsole
}

func (s *ConsoleService) Start(ctx context.Context) error {
	cfg := s.app.Config()
	cons, err := console.New(s.app.bus,
		console.WithWriter(s.app.output),
		console.WithHeader(cfg.Console.Header),
	)
	if err != nil {
		return fmt.Errorf("failed to create console: %w", err)
	}
	if _, err := s.app.Hub().Subscribe(cons); err != nil {
		cons.Dispose()
		return fmt.Errorf("failed to subscribe console: %w", err)
	}

	s.app.mu.Lock()
	s.app.console = cons
	s.app.mu.Unlock()
	return nil
}

func (s *ConsoleService) Stop(ctx context.Context) error {
	if cons := s.app.Console(); cons != nil {
		return dispose(ctx, cons)
	}
	return nil
}

func (s *ConsoleService) Health(ctx context.Context) (HealthStatus, error) {
	cons := s.app.Console()
	if cons == nil {
		return HealthStatus{State: HealthUnknown, Message: "console not started"}, nil
	}
	return moduleHealth(cons.State(), cons.Stats()), nil
}

// ServerService runs the TCP server actor. Peer lines reach the console and
// the hub subscribers through the server's own subscriber set.
type ServerService struct {
	app *Application
}

func (s *ServerService) Name() string {
	return ServiceServer
}

func (s *ServerService) Start(ctx context.Context) error {
	cfg := s.app.Config().Server
	server, err := network.NewServer(s.app.bus, cfg.NetworkConfig())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if cons := s.app.Console(); cons != nil {
		if _, err := server.Subscribe(cons); err != nil {
			server.Dispose()
			return fmt.Errorf("failed to subscribe console: %w", err)
		}
	}
	if _, err := s.app.Hub().Subscribe(server); err != nil {
		server.Dispose()
		return fmt.Errorf("failed to subscribe server: %w", err)
	}

	if cfg.Enabled {
		if err := server.Start(cfg.Address, cfg.Port); err != nil {
			server.Dispose()
			return err
		}
	}

	s.app.mu.Lock()
	s.app.server = server
	s.app.mu.Unlock()
	return nil
}

func (s *ServerService) Stop(ctx context.Context) error {
	if server := s.app.Server(); server != nil {
		return dispose(ctx, server)
	}
	return nil
}

func (s *ServerService) Health(ctx context.Context) (HealthStatus, error) {
	server := s.app.Server()
	if server == nil {
		return HealthStatus{State: HealthUnknown, Message: "server not started"}, nil
	}

	stats := server.Statistics()
	data := map[string]any{
		"connections": stats.CurrentConnections,
		"messages":    stats.TotalMessages,
	}
	if server.State() == core.ModuleStateStopped {
		return HealthStatus{State: HealthStopped, Message: "server stopped", Data: data}, nil
	}
	if !stats.Listening {
		return HealthStatus{State: HealthUnhealthy, Message: "server not listening", Data: data}, nil
	}
	return HealthStatus{State: HealthHealthy, Message: "listening on " + stats.Address, Data: data}, nil
}

// ClientService runs the TCP client actor. It does not connect by itself.
type ClientService struct {
	app *Application
}

func (s *ClientService) Name() string {
	return ServiceClient
}

func (s *ClientService) Start(ctx context.Context) error {
	cfg := s.app.Config().Client
	client, err := network.NewClient(s.app.bus, cfg.NetworkConfig())
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	if _, err := s.app.Hub().Subscribe(client); err != nil {
		client.Dispose()
		return fmt.Errorf("failed to subscribe client: %w", err)
	}

	s.app.mu.Lock()
	s.app.client = client
	s.app.mu.Unlock()
	return nil
}

func (s *ClientService) Stop(ctx context.Context) error {
	if client := s.app.Client(); client != nil {
		return dispose(ctx, client)
	}
	return nil
}

func (s *ClientService) Health(ctx context.Context) (HealthStatus, error) {
	client := s.app.Client()
	if client == nil {
		return HealthStatus{State: HealthUnknown, Message: "client not started"}, nil
	}

	stats := client.Statistics()
	data := map[string]any{
		"remote":   stats.Remote,
		"sent":     stats.MessagesSent,
		"received": stats.MessagesReceived,
	}
	if stats.State != network.ConnectionStateConnected {
		return HealthStatus{State: HealthUnhealthy, Message: stats.State.String(), Data: data}, nil
	}
	return HealthStatus{State: HealthHealthy, Message: "connected to " + stats.Remote, Data: data}, nil
}

// WatcherService reloads the configuration file and applies changes.
type WatcherService struct {
	app *Application
}

func (s *WatcherService) Name() string {
	return ServiceWatcher
}

func (s *WatcherService) Start(ctx context.Context) error {
	watcher, err := config.NewWatcher(s.app.configFile, s.app.loader,
		config.WithWatcherLogger(s.app.logger),
	)
	if err != nil {
		return err
	}
	watcher.OnConfigChange(s.app.applyConfig)
	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return err
	}

	s.app.mu.Lock()
	s.app.watcher = watcher
	s.app.mu.Unlock()
	return nil
}

func (s *WatcherService) Stop(ctx context.Context) error {
	s.app.mu.RLock()
	watcher := s.app.watcher
	s.app.mu.RUnlock()

	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}

func (s *WatcherService) Health(ctx context.Context) (HealthStatus, error) {
	s.app.mu.RLock()
	watcher := s.app.watcher
	s.app.mu.RUnlock()

	if watcher == nil {
		return HealthStatus{State: HealthUnknown, Message: "watcher not started"}, nil
	}
	return HealthStatus{State: HealthHealthy, Message: "watching configuration"}, nil
}
