package network

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConnectionManager tracks the active connections of a server. Its lock is
// never held while a connection is halted or disposed.
type ConnectionManager struct {
	connections map[int]*Connection
	mu          sync.RWMutex

	// Statistics
	totalConnections atomic.Int64
	totalMessages    atomic.Int64
	startTime        time.Time
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[int]*Connection),
		startTime:   time.Now(),
	}
}

// Add adds a connection to the manager
func (cm *ConnectionManager) Add(conn *Connection) error {
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn.ID()]; exists {
		return fmt.Errorf("connection %d: %w", conn.ID(), ErrDuplicateConnection)
	}

	cm.connections[conn.ID()] = conn
	cm.totalConnections.Add(1)
	return nil
}

// Remove removes a connection from the manager without closing it
func (cm *ConnectionManager) Remove(id int) (*Connection, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, exists := cm.connections[id]
	if exists {
		delete(cm.connections, id)
	}
	return conn, exists
}

// Get gets a connection by ID
func (cm *ConnectionManager) Get(id int) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conn, exists := cm.connections[id]
	return conn, exists
}

// All returns the managed connections ordered by ID
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	connections := make([]*Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		connections = append(connections, conn)
	}
	cm.mu.RUnlock()

	sort.Slice(connections, func(i, j int) bool { return connections[i].ID() < connections[j].ID() })
	return connections
}

// Count returns the number of managed connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// Broadcast writes data to every connection concurrently. It returns the
// number of successful writes and the first error.
func (cm *ConnectionManager) Broadcast(data []byte) (int, error) {
	connections := cm.All()
	if len(connections) == 0 {
		return 0, nil
	}

	var sent atomic.Int64
	var g errgroup.Group
	for _, conn := range connections {
		conn := conn
		g.Go(func() error {
			if err := conn.Send(data); err != nil {
				return err
			}
			sent.Add(1)
			return nil
		})
	}
	err := g.Wait()

	cm.totalMessages.Add(sent.Load())
	if err != nil {
		return int(sent.Load()), fmt.Errorf("broadcast failed for %d/%d connections: %w",
			len(connections)-int(sent.Load()), len(connections), err)
	}
	return int(sent.Load()), nil
}

// SendTo writes data to one connection
func (cm *ConnectionManager) SendTo(id int, data []byte) error {
	conn, exists := cm.Get(id)
	if !exists {
		return fmt.Errorf("connection %d: %w", id, ErrConnectionNotFound)
	}

	if err := conn.Send(data); err != nil {
		return err
	}
	cm.totalMessages.Add(1)
	return nil
}

// HaltAll stops every read loop and returns once all of them have exited.
func (cm *ConnectionManager) HaltAll() {
	var g errgroup.Group
	for _, conn := range cm.All() {
		conn := conn
		g.Go(func() error {
			conn.Halt()
			return nil
		})
	}
	g.Wait()
}

// ResumeAll restarts halted read loops and returns how many were resumed.
func (cm *ConnectionManager) ResumeAll() int {
	resumed := 0
	for _, conn := range cm.All() {
		if conn.Resume() {
			resumed++
		}
	}
	return resumed
}

// CloseAll removes and disposes every connection, returning once all read
// loops have exited.
func (cm *ConnectionManager) CloseAll() ([]*Connection, error) {
	cm.mu.Lock()
	connections := make([]*Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		connections = append(connections, conn)
	}
	cm.connections = make(map[int]*Connection)
	cm.mu.Unlock()

	var g errgroup.Group
	for _, conn := range connections {
		conn := conn
		g.Go(func() error {
			if err := conn.Dispose(); err != nil {
				return fmt.Errorf("failed to close connection %d: %w", conn.ID(), err)
			}
			return nil
		})
	}
	return connections, g.Wait()
}

// Statistics returns connection manager statistics
func (cm *ConnectionManager) Statistics() ConnectionManagerStatistics {
	connections := cm.All()

	var totalBytes int64
	running := 0
	for _, conn := range connections {
		stats := conn.Statistics()
		totalBytes += stats.BytesRead + stats.BytesWritten
		if stats.Running {
			running++
		}
	}

	return ConnectionManagerStatistics{
		TotalConnections:   cm.totalConnections.Load(),
		ActiveConnections:  int64(len(connections)),
		RunningConnections: int64(running),
		TotalBytes:         totalBytes,
		TotalMessages:      cm.totalMessages.Load(),
		StartTime:          cm.startTime,
		Uptime:             time.Since(cm.startTime),
	}
}

// ConnectionManagerStatistics holds statistics for the connection manager
type ConnectionManagerStatistics struct {
	TotalConnections   int64         `json:"total_connections"`
	ActiveConnections  int64         `json:"active_connections"`
	RunningConnections int64         `json:"running_connections"`
	TotalBytes         int64         `json:"total_bytes"`
	TotalMessages      int64         `json:"total_messages"`
	StartTime          time.Time     `json:"start_time"`
	Uptime             time.Duration `json:"uptime"`
}

// String returns the string representation of connection manager statistics
func (cms ConnectionManagerStatistics) String() string {
	return fmt.Sprintf("ConnectionManager Total=%d Active=%d Running=%d Bytes=%d Messages=%d Uptime=%s",
		cms.TotalConnections, cms.ActiveConnections, cms.RunningConnections, cms.TotalBytes,
		cms.TotalMessages, cms.Uptime.Truncate(time.Second))
}
