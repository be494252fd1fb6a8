// Package rooms implements the in-process room membership and broadcast
// primitive: which local clients are in which rooms, and fan-out of a packet
// to the locally-connected clients it targets. Cross-instance distribution
// is layered on top by the adapter package.
package rooms

import (
	"encoding/json"
	"sync"
)

// Packet is one broadcast event. Data is kept raw so the rooms layer never
// interprets application payloads.
type Packet struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BroadcastOptions scope a broadcast. An empty Rooms list means the whole
// namespace. Remote marks a broadcast that arrived from another instance
// via the bus; it is never serialized and suppresses re-publishing.
type BroadcastOptions struct {
	Rooms  []string `json:"rooms,omitempty"`
	Except []string `json:"except,omitempty"`
	Remote bool     `json:"-"`
}

// Broadcaster is the local fan-out capability the adapter wraps. Membership
// mutations and broadcasts apply to this process's clients only.
type Broadcaster interface {
	// Broadcast delivers the packet to local clients matching opts.
	Broadcast(p Packet, opts BroadcastOptions)

	// Join adds a client to a room.
	Join(clientID, room string)

	// JoinAll adds a client to several rooms at once.
	JoinAll(clientID string, roomNames []string)

	// Leave removes a client from a room.
	Leave(clientID, room string)

	// LeaveAll removes a client from every room it is in.
	LeaveAll(clientID string)

	// IsEmpty reports whether no room has any member.
	IsEmpty() bool
}

// DeliverFunc sends a packet to a single locally-connected client.
type DeliverFunc func(clientID string, p Packet)

// Local is the in-process Broadcaster. Delivery to individual clients goes
// through a pluggable DeliverFunc so the transport stays out of this
// package.
type Local struct {
	rooms   map[string]map[string]struct{} // room -> client ids
	joined  map[string]map[string]struct{} // client id -> rooms
	clients map[string]struct{}            // connected client ids
	deliver DeliverFunc
	mu      sync.RWMutex
}

// NewLocal creates an empty membership map delivering through fn.
// A nil fn makes broadcasts no-ops, which is convenient in tests that only
// exercise membership bookkeeping.
func NewLocal(fn DeliverFunc) *Local {
	return &Local{
		rooms:   make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
		clients: make(map[string]struct{}),
		deliver: fn,
	}
}

// Connect registers a client as locally connected. Clients receive
// namespace-wide broadcasts whether or not they joined any room.
func (l *Local) Connect(clientID string) {
	l.mu.Lock()
	l.clients[clientID] = struct{}{}
	l.mu.Unlock()
}

// Disconnect unregisters a client. Room membership is left to LeaveAll,
// which callers invoke alongside.
func (l *Local) Disconnect(clientID string) {
	l.mu.Lock()
	delete(l.clients, clientID)
	l.mu.Unlock()
}

// Join adds a client to a room.
func (l *Local) Join(clientID, room string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joinLocked(clientID, room)
}

// JoinAll adds a client to several rooms at once.
func (l *Local) JoinAll(clientID string, roomNames []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, room := range roomNames {
		l.joinLocked(clientID, room)
	}
}

func (l *Local) joinLocked(clientID, room string) {
	if l.rooms[room] == nil {
		l.rooms[room] = make(map[string]struct{})
	}
	l.rooms[room][clientID] = struct{}{}
	if l.joined[clientID] == nil {
		l.joined[clientID] = make(map[string]struct{})
	}
	l.joined[clientID][room] = struct{}{}
}

// Leave removes a client from a room. Empty rooms are dropped from the map
// so IsEmpty reflects membership, not history.
func (l *Local) Leave(clientID, room string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaveLocked(clientID, room)
}

func (l *Local) leaveLocked(clientID, room string) {
	if members, ok := l.rooms[room]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(l.rooms, room)
		}
	}
	if joined, ok := l.joined[clientID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(l.joined, clientID)
		}
	}
}

// LeaveAll removes a client from every room it is in.
func (l *Local) LeaveAll(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for room := range l.joined[clientID] {
		l.leaveLocked(clientID, room)
	}
}

// IsEmpty reports whether no room has any member.
func (l *Local) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms) == 0
}

// ClientsIn returns the members of a room.
func (l *Local) ClientsIn(room string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.rooms[room]))
	for id := range l.rooms[room] {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns the rooms a client is in.
func (l *Local) RoomsOf(clientID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.joined[clientID]))
	for room := range l.joined[clientID] {
		out = append(out, room)
	}
	return out
}

// Broadcast delivers the packet to every connected client matching opts:
// the union of the target rooms' members, or every connected client when no
// rooms are given, minus exclusions.
func (l *Local) Broadcast(p Packet, opts BroadcastOptions) {
	if l.deliver == nil {
		return
	}

	l.mu.RLock()
	targets := make(map[string]struct{})
	if len(opts.Rooms) > 0 {
		for _, room := range opts.Rooms {
			for id := range l.rooms[room] {
				targets[id] = struct{}{}
			}
		}
	} else {
		for id := range l.clients {
			targets[id] = struct{}{}
		}
	}
	for _, id := range opts.Except {
		delete(targets, id)
	}
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	// Deliver outside the lock; DeliverFunc may block on slow writers.
	for _, id := range ids {
		l.deliver(id, p)
	}
}
