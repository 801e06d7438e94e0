package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/najoast/jarvis/core"
)

// DefaultServiceTimeout bounds each service Start and Stop call.
const DefaultServiceTimeout = 30 * time.Second

// LifecycleManager starts services in dependency order and stops them in
// reverse. Services of the same dependency level are stopped concurrently.
type LifecycleManager struct {
	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// started holds the levels that were started, in start order
	started [][]string

	mutex    sync.Mutex
	running  bool
	stopping bool

	timeout time.Duration
	logger  *slog.Logger
	events  core.Notifier[LifecycleEvent]
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(logger *slog.Logger) *LifecycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      DefaultServiceTimeout,
		logger:       logger.With("component", "lifecycle"),
	}
}

// Register registers a service with the lifecycle manager
func (lm *LifecycleManager) Register(name string, service Service, deps ...string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.running {
		return fmt.Errorf("cannot register service %s: lifecycle manager already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = append([]string(nil), deps...)

	lm.emit(LifecycleEvent{
		Type:    EventServiceRegistered,
		Service: name,
		Data:    map[string]any{"dependencies": deps},
	})
	return nil
}

// Start starts all services in dependency order. When a service fails to
// start, the services already started are stopped again.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.running {
		return fmt.Errorf("lifecycle manager already started")
	}

	levels, err := lm.calculateLevels()
	if err != nil {
		return fmt.Errorf("failed to calculate start order: %w", err)
	}

	lm.emit(LifecycleEvent{Type: EventLifecycleStarting, Data: map[string]any{"order": levels}})

	lm.started = nil
	for _, level := range levels {
		var done []string
		for _, name := range level {
			if err := lm.startService(ctx, name); err != nil {
				if len(done) > 0 {
					lm.started = append(lm.started, done)
				}
				lm.stopLevels(context.WithoutCancel(ctx))
				return &ApplicationError{Operation: "start", Service: name, Err: err}
			}
			done = append(done, name)
		}
		lm.started = append(lm.started, done)
	}

	lm.running = true
	lm.emit(LifecycleEvent{Type: EventLifecycleStarted})
	return nil
}

func (lm *LifecycleManager) startService(ctx context.Context, name string) error {
	lm.emit(LifecycleEvent{Type: EventServiceStarting, Service: name})

	startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
	err := lm.services[name].Start(startCtx)
	cancel()

	if err != nil {
		lm.emit(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Error: err})
		lm.logger.Error("service failed to start", "service", name, "error", err)
		return err
	}
	lm.emit(LifecycleEvent{Type: EventServiceStarted, Service: name})
	lm.logger.Debug("service started", "service", name)
	return nil
}

// Stop stops all services in reverse dependency order
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if !lm.running {
		return nil
	}
	if lm.stopping {
		return fmt.Errorf("lifecycle manager already stopping")
	}
	lm.stopping = true
	defer func() {
		lm.running = false
		lm.stopping = false
	}()

	return lm.stopLevels(ctx)
}

// stopLevels stops the started levels, last level first. Called with the
// mutex held.
func (lm *LifecycleManager) stopLevels(ctx context.Context) error {
	lm.emit(LifecycleEvent{Type: EventLifecycleStopping})

	var errs []error
	for i := len(lm.started) - 1; i >= 0; i-- {
		g := errgroup.Group{}
		for _, name := range lm.started[i] {
			name := name
			g.Go(func() error {
				return lm.stopService(ctx, name)
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	lm.started = nil

	lm.emit(LifecycleEvent{Type: EventLifecycleStopped})
	return errors.Join(errs...)
}

func (lm *LifecycleManager) stopService(ctx context.Context, name string) error {
	lm.emit(LifecycleEvent{Type: EventServiceStopping, Service: name})

	stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
	err := lm.services[name].Stop(stopCtx)
	cancel()

	if err != nil {
		lm.emit(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Error: err})
		lm.logger.Warn("service failed to stop", "service", name, "error", err)
		return &ApplicationError{Operation: "stop", Service: name, Err: err}
	}
	lm.emit(LifecycleEvent{Type: EventServiceStopped, Service: name})
	lm.logger.Debug("service stopped", "service", name)
	return nil
}

// Health returns the health status of all services
func (lm *LifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mutex.Lock()
	services := make(map[string]Service, len(lm.services))
	for name, svc := range lm.services {
		services[name] = svc
	}
	lm.mutex.Unlock()

	health := make(map[string]HealthStatus, len(services))
	for name, service := range services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		if status.LastCheck.IsZero() {
			status.LastCheck = time.Now()
		}
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *LifecycleManager) Services() []string {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartOrder returns the dependency levels in start order.
func (lm *LifecycleManager) StartOrder() ([][]string, error) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.calculateLevels()
}

// Events registers a listener for lifecycle events
func (lm *LifecycleManager) Events(buffer int) (<-chan LifecycleEvent, func()) {
	return lm.events.Listen(buffer)
}

// SetTimeout sets the timeout for service operations
func (lm *LifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.timeout = timeout
}

// IsStarted returns true if the lifecycle manager has been started
func (lm *LifecycleManager) IsStarted() bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.running
}

// GetService returns a registered service by name
func (lm *LifecycleManager) GetService(name string) (Service, bool) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	service, exists := lm.services[name]
	return service, exists
}

// calculateLevels groups services by dependency depth using Kahn's
// algorithm. Names within a level are sorted.
func (lm *LifecycleManager) calculateLevels() ([][]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	graph := make(map[string][]string, len(lm.services))

	for service := range lm.services {
		inDegree[service] = 0
	}
	for service, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, service)
			}
			graph[dep] = append(graph[dep], service)
			inDegree[service]++
		}
	}

	var current []string
	for service, degree := range inDegree {
		if degree == 0 {
			current = append(current, service)
		}
	}

	var levels [][]string
	visited := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		visited += len(current)

		var next []string
		for _, service := range current {
			for _, dependent := range graph[service] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if visited != len(lm.services) {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return levels, nil
}

func (lm *LifecycleManager) emit(event LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	lm.events.Notify(event)
}
