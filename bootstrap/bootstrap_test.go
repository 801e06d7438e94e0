package bootstrap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/najoast/jarvis/config"
	"github.com/najoast/jarvis/network"
)

// TestService records its lifecycle calls.
type TestService struct {
	name     string
	startErr error
	stopErr  error
	log      *callLog

	mu      sync.Mutex
	started bool
	stopped bool
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (s *TestService) Name() string {
	return s.name
}

func (s *TestService) Start(ctx context.Context) error {
	s.log.add("start " + s.name)
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *TestService) Stop(ctx context.Context) error {
	s.log.add("stop " + s.name)
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return s.stopErr
}

func (s *TestService) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !s.stopped {
		return HealthStatus{State: HealthHealthy}, nil
	}
	return HealthStatus{State: HealthUnhealthy}, nil
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLifecycleManager(t *testing.T) {
	lm := NewLifecycleManager(discardLogger())
	calls := &callLog{}

	events, cancel := lm.Events(64)
	defer cancel()

	db := &TestService{name: "db", log: calls}
	cache := &TestService{name: "cache", log: calls}
	api := &TestService{name: "api", log: calls}

	if err := lm.Register("api", api, "db", "cache"); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	if err := lm.Register("db", db); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	if err := lm.Register("cache", cache, "db"); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	if err := lm.Register("db", db); err == nil {
		t.Error("Expected duplicate registration to fail")
	}

	order, err := lm.StartOrder()
	if err != nil {
		t.Fatalf("StartOrder failed: %v", err)
	}
	if fmt.Sprint(order) != "[[db] [cache] [api]]" {
		t.Errorf("Unexpected start order %v", order)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
	if !lm.IsStarted() {
		t.Error("Lifecycle manager should be started")
	}
	if err := lm.Start(ctx); err == nil {
		t.Error("Expected second Start to fail")
	}
	if err := lm.Register("late", &TestService{name: "late"}); err == nil {
		t.Error("Expected registration after start to fail")
	}

	health := lm.Health(ctx)
	for _, name := range []string{"db", "cache", "api"} {
		if health[name].State != HealthHealthy {
			t.Errorf("Expected %s healthy, got %v", name, health[name].State)
		}
	}

	if err := lm.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop services: %v", err)
	}
	if err := lm.Stop(ctx); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}

	got := calls.snapshot()
	want := []string{"start db", "start cache", "start api", "stop api", "stop cache", "stop db"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected calls %v, got %v", want, got)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if indexOf(types, EventLifecycleStarted) < 0 || indexOf(types, EventLifecycleStopped) < 0 {
		t.Errorf("Missing lifecycle events in %v", types)
	}
	if indexOf(types, EventServiceStarted) > indexOf(types, EventLifecycleStarted) {
		t.Errorf("Service events should precede lifecycle.started: %v", types)
	}
}

func TestLifecycleDependencyErrors(t *testing.T) {
	t.Run("missing dependency", func(t *testing.T) {
		lm := NewLifecycleManager(discardLogger())
		lm.Register("a", &TestService{name: "a"}, "ghost")
		if err := lm.Start(context.Background()); err == nil {
			t.Error("Expected missing dependency to fail")
		}
	})

	t.Run("circular dependency", func(t *testing.T) {
		lm := NewLifecycleManager(discardLogger())
		lm.Register("a", &TestService{name: "a"}, "b")
		lm.Register("b", &TestService{name: "b"}, "a")
		err := lm.Start(context.Background())
		if err == nil || !strings.Contains(err.Error(), "circular") {
			t.Errorf("Expected circular dependency error, got %v", err)
		}
	})
}

func TestLifecycleStartRollback(t *testing.T) {
	lm := NewLifecycleManager(discardLogger())
	calls := &callLog{}
	boom := errors.New("boom")

	base := &TestService{name: "base", log: calls}
	peer := &TestService{name: "peer", log: calls}
	broken := &TestService{name: "broken", log: calls, startErr: boom}

	lm.Register("base", base)
	lm.Register("peer", peer, "base")
	lm.Register("broken", broken, "peer")

	err := lm.Start(context.Background())
	var appErr *ApplicationError
	if !errors.As(err, &appErr) || appErr.Service != "broken" || !errors.Is(err, boom) {
		t.Fatalf("Expected ApplicationError for broken, got %v", err)
	}
	if lm.IsStarted() {
		t.Error("Failed start must leave the manager stopped")
	}

	got := calls.snapshot()
	want := []string{"start base", "start peer", "start broken", "stop peer", "stop base"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected calls %v, got %v", want, got)
	}
}

func TestLifecycleStopErrors(t *testing.T) {
	lm := NewLifecycleManager(discardLogger())
	first := errors.New("first")
	second := errors.New("second")

	lm.Register("a", &TestService{name: "a", stopErr: first})
	lm.Register("b", &TestService{name: "b", stopErr: second}, "a")

	if err := lm.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	err := lm.Stop(context.Background())
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Errorf("Expected both stop errors, got %v", err)
	}
	if lm.IsStarted() {
		t.Error("Manager should be stopped after a failing Stop")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	cfg := config.LogConfig{
		Level:  config.LogLevelInfo,
		Format: config.LogFormatJSON,
		Fields: map[string]string{"region": "eu"},
	}
	level.Set(cfg.Level.SlogLevel())
	logger := newLogger(&buf, cfg, level)

	logger.Debug("hidden")
	logger.Info("shown", "n", 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one record, got %q", buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("Record is not JSON: %v", err)
	}
	if record["msg"] != "shown" || record["region"] != "eu" {
		t.Errorf("Unexpected record %v", record)
	}

	buf.Reset()
	level.Set(config.LevelTrace)
	logger.Log(context.Background(), config.LevelTrace, "deep")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("Expected TRACE level label, got %q", buf.String())
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jarvis.log")
	logger, closer, err := NewLogger(config.LogConfig{
		Level:  config.LogLevelDebug,
		Format: config.LogFormatText,
		Output: path,
	}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Debug("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "msg=\"to file\"") {
		t.Errorf("Unexpected log file content %q", data)
	}
}

// syncBuffer is a concurrency-safe console output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Bus.PollInterval = 10 * time.Millisecond
	cfg.Server.Port = 0
	cfg.Client.ReadPollInterval = 10 * time.Millisecond
	return cfg
}

func startApp(t *testing.T, out io.Writer, opts ...Option) *Application {
	t.Helper()

	opts = append([]Option{WithLogger(discardLogger()), WithOutput(out)}, opts...)
	app, err := New(opts...)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(ctx)
	})
	return app
}

func TestApplicationServe(t *testing.T) {
	out := &syncBuffer{}
	app := startApp(t, out, WithConfig(testConfig()), WithRoles(RoleServer))

	server := app.Server()
	if server == nil || !server.IsListening() {
		t.Fatal("Server should be listening")
	}
	if app.Client() != nil {
		t.Error("Client should not run without RoleClient")
	}
	waitFor(t, "start announcement", func() bool {
		return strings.Contains(out.String(), "Jarvis: Server started at 127.0.0.1")
	})

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "Post %q%s", "hello from peer", network.DefaultTerminator)
	waitFor(t, "peer post on console", func() bool {
		return strings.Contains(out.String(), "Jarvis: hello from peer\n")
	})

	if err := app.Execute("Broadcast \"to all peers\"", server.ID()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Split(network.ScanFrames(network.DefaultTerminator))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if !scanner.Scan() || scanner.Text() != "to all peers" {
		t.Errorf("Expected broadcast frame, got %q (%v)", scanner.Text(), scanner.Err())
	}

	health := app.Health(context.Background())
	for _, name := range []string{ServiceHub, ServiceConsole, ServiceServer} {
		if health[name].State != HealthHealthy {
			t.Errorf("Expected %s healthy, got %+v", name, health[name])
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if server.IsListening() {
		t.Error("Server still listening after shutdown")
	}
	select {
	case <-app.Hub().Done():
	default:
		t.Error("Hub should be stopped after shutdown")
	}
}

func TestApplicationClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	out := &syncBuffer{}
	app := startApp(t, out, WithConfig(testConfig()), WithRoles(RoleClient))
	client := app.Client()

	port := ln.Addr().(*net.TCPAddr).Port
	if err := app.Execute(fmt.Sprintf("Connect 127.0.0.1 %d", port), client.ID()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	waitFor(t, "client connection", client.IsConnected)
	waitFor(t, "connecting status", func() bool {
		return strings.Contains(out.String(), "Jarvis: Connecting...")
	})

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("Listener did not accept")
	}
	defer peer.Close()

	fmt.Fprintf(peer, "Post \"reply from server\"%s", network.DefaultTerminator)
	waitFor(t, "forwarded reply", func() bool {
		return strings.Contains(out.String(), "Jarvis: reply from server\n")
	})

	if err := client.Transmit("ping"); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	scanner := bufio.NewScanner(peer)
	scanner.Split(network.ScanFrames(network.DefaultTerminator))
	peer.SetReadDeadline(time.Now().Add(3 * time.Second))
	if !scanner.Scan() || scanner.Text() != "ping" {
		t.Errorf("Expected ping frame, got %q (%v)", scanner.Text(), scanner.Err())
	}
}

func TestApplicationStopCommand(t *testing.T) {
	app, err := New(WithLogger(discardLogger()), WithOutput(io.Discard), WithConfig(testConfig()), WithRoles(RoleServer))
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	waitFor(t, "server", func() bool { return app.Server() != nil })

	// A broadcast STOP stops the modules and ends Run.
	if err := app.Execute("STOP", -1); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after STOP")
	}
	if app.Server().IsListening() {
		t.Error("Server still listening")
	}
}

func TestApplicationConfigReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jarvis.yaml")
	write := func(header, level string) {
		content := fmt.Sprintf("log:\n  level: %s\nbus:\n  poll_interval: 10ms\nconsole:\n  header: %q\nclient:\n  framing:\n    terminator: %q\n",
			level, header, "<"+level+">")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
	}
	write("A: ", "info")

	loader := config.NewLoader().SetLookupEnv(func(string) (string, bool) { return "", false })
	out := &syncBuffer{}
	app := startApp(t, out, WithConfigFile(path), WithLoader(loader), WithRoles(RoleClient))

	if _, ok := app.Lifecycle().GetService(ServiceWatcher); !ok {
		t.Fatal("Watcher service not registered")
	}
	if app.Client().Terminator() != "<info>" {
		t.Fatalf("Unexpected initial terminator %q", app.Client().Terminator())
	}

	write("B: ", "debug")
	waitFor(t, "reload", func() bool {
		return app.Config().Log.Level == config.LogLevelDebug
	})
	waitFor(t, "terminator change", func() bool {
		return app.Client().Terminator() == "<debug>"
	})

	if err := app.Execute(`Post "after reload"`, app.Console().ID()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	waitFor(t, "new header", func() bool {
		return strings.Contains(out.String(), "B: after reload")
	})
}

func TestApplicationInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Log.Format = "xml"

	_, err := New(WithLogger(discardLogger()), WithConfig(cfg))
	var appErr *ApplicationError
	if !errors.As(err, &appErr) || appErr.Operation != "configure" {
		t.Fatalf("Expected configure error, got %v", err)
	}
	if !errors.Is(err, config.ErrInvalidLogFormat) {
		t.Errorf("Expected ErrInvalidLogFormat, got %v", err)
	}
}
