package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/roomcast/roomcast/internal/adapter"
	"github.com/roomcast/roomcast/internal/observability"
	"github.com/roomcast/roomcast/internal/rooms"
	"github.com/rs/zerolog/log"
)

// shutdownTimeout bounds subscription teardown during shutdown.
const shutdownTimeout = 5 * time.Second

// ErrTooManyConnections is returned by AddConnection at the configured
// connection limit.
var ErrTooManyConnections = errors.New("realtime: connection limit reached")

// Manager owns all WebSocket connections of this instance and one
// namespace handle per attached namespace. Each namespace handle pairs the
// local rooms primitive with its cross-instance adapter; everything the
// manager does goes through the adapter so broadcasts reach clients on
// other instances too.
type Manager struct {
	factory        *adapter.Factory
	metrics        *observability.Metrics
	maxConnections int
	connections    map[string]*Connection
	namespaces     map[string]*namespaceHandle
	ctx            context.Context
	cancel         context.CancelFunc
	mu             sync.RWMutex
}

type namespaceHandle struct {
	local   *rooms.Local
	adapter *adapter.Adapter
}

// NewManager creates a connection manager on top of an adapter factory.
func NewManager(ctx context.Context, factory *adapter.Factory) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		factory:     factory,
		connections: make(map[string]*Connection),
		namespaces:  make(map[string]*namespaceHandle),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetMetrics sets the metrics instance for recording realtime metrics
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// SetMaxConnections caps concurrent connections. Zero means unlimited.
func (m *Manager) SetMaxConnections(n int) {
	m.maxConnections = n
}

// Namespace returns the handle for a namespace, attaching it on first use.
func (m *Manager) Namespace(name string) *namespaceHandle {
	if name == "" {
		name = adapter.RootNamespace
	}

	m.mu.RLock()
	ns, ok := m.namespaces[name]
	m.mu.RUnlock()
	if ok {
		return ns
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.namespaces[name]; ok {
		return ns
	}
	local := rooms.NewLocal(m.deliverFunc(name))
	ns = &namespaceHandle{
		local:   local,
		adapter: m.factory.For(name, local),
	}
	m.namespaces[name] = ns
	log.Info().Str("namespace", name).Msg("Namespace attached")
	return ns
}

// deliverFunc sends an adapter packet to one locally-connected client.
func (m *Manager) deliverFunc(namespace string) rooms.DeliverFunc {
	return func(clientID string, p rooms.Packet) {
		m.mu.RLock()
		conn, ok := m.connections[clientID]
		m.mu.RUnlock()
		if !ok || conn.Namespace != namespace {
			return
		}
		msg := ServerMessage{
			Type:      MessageTypeEvent,
			Namespace: namespace,
			Event:     p.Event,
			Data:      p.Data,
		}
		if err := conn.SendMessage(msg); err != nil {
			log.Error().
				Err(err).
				Str("connection_id", conn.ID).
				Str("namespace", namespace).
				Msg("Failed to deliver event to connection")
			if m.metrics != nil {
				m.metrics.RecordSendError()
			}
		}
	}
}

// AddConnection registers a new WebSocket connection in a namespace.
// Returns ErrTooManyConnections at the configured limit.
func (m *Manager) AddConnection(id, namespace string, conn *Connection) error {
	ns := m.Namespace(namespace)

	m.mu.Lock()
	if m.maxConnections > 0 && len(m.connections) >= m.maxConnections {
		m.mu.Unlock()
		return ErrTooManyConnections
	}
	m.connections[id] = conn
	m.mu.Unlock()
	ns.local.Connect(id)

	m.updateMetrics()
	log.Info().
		Str("connection_id", id).
		Str("namespace", namespace).
		Msg("New WebSocket connection")
	return nil
}

// RemoveConnection removes a connection, leaving all its rooms so the
// adapter can tear its subscription down when membership empties.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	conn, exists := m.connections[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.connections, id)
	m.mu.Unlock()

	ns := m.Namespace(conn.Namespace)
	ns.local.Disconnect(id)
	if err := ns.adapter.LeaveAll(m.ctx, id); err != nil {
		log.Warn().Err(err).Str("connection_id", id).Msg("LeaveAll failed during disconnect")
	}
	_ = conn.Close()

	m.updateMetrics()
	log.Info().Str("connection_id", id).Msg("WebSocket connection closed")
}

// Join adds a connection to a room.
func (m *Manager) Join(namespace, clientID, room string) error {
	return m.Namespace(namespace).adapter.Join(m.ctx, clientID, room)
}

// Leave removes a connection from a room.
func (m *Manager) Leave(namespace, clientID, room string) error {
	return m.Namespace(namespace).adapter.Leave(m.ctx, clientID, room)
}

// Broadcast emits an event in a namespace, locally and across instances.
func (m *Manager) Broadcast(namespace, event string, data json.RawMessage, targetRooms, except []string) {
	ns := m.Namespace(namespace)
	p := rooms.Packet{
		Namespace: ns.adapter.Namespace(),
		Event:     event,
		Data:      data,
	}
	ns.adapter.Broadcast(m.ctx, p, rooms.BroadcastOptions{
		Rooms:  targetRooms,
		Except: except,
	})
	m.updateMetrics()
}

// GetConnectionCount returns the total number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// updateMetrics updates the realtime gauges
func (m *Manager) updateMetrics() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	connections := len(m.connections)
	roomCount := 0
	for _, ns := range m.namespaces {
		if !ns.local.IsEmpty() {
			roomCount++
		}
	}
	m.mu.RUnlock()
	m.metrics.UpdateRealtimeStats(connections, roomCount)
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	connsToClose := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		connsToClose = append(connsToClose, conn)
	}
	m.connections = make(map[string]*Connection)
	nsToClose := make([]*namespaceHandle, 0, len(m.namespaces))
	for _, ns := range m.namespaces {
		nsToClose = append(nsToClose, ns)
	}
	m.namespaces = make(map[string]*namespaceHandle)
	m.mu.Unlock()

	// Close connections after releasing the lock to avoid deadlock.
	for _, conn := range connsToClose {
		_ = conn.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, ns := range nsToClose {
		if err := ns.adapter.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Adapter close failed during shutdown")
		}
	}
}
