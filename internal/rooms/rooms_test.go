package rooms

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_JoinLeave(t *testing.T) {
	l := NewLocal(nil)
	assert.True(t, l.IsEmpty())

	l.Join("c1", "lobby")
	assert.False(t, l.IsEmpty())
	assert.ElementsMatch(t, []string{"c1"}, l.ClientsIn("lobby"))
	assert.ElementsMatch(t, []string{"lobby"}, l.RoomsOf("c1"))

	l.Join("c2", "lobby")
	assert.ElementsMatch(t, []string{"c1", "c2"}, l.ClientsIn("lobby"))

	l.Leave("c1", "lobby")
	assert.ElementsMatch(t, []string{"c2"}, l.ClientsIn("lobby"))
	assert.Empty(t, l.RoomsOf("c1"))
	assert.False(t, l.IsEmpty())

	l.Leave("c2", "lobby")
	assert.True(t, l.IsEmpty(), "empty room should be dropped from the map")
}

func TestLocal_JoinAllLeaveAll(t *testing.T) {
	l := NewLocal(nil)

	l.JoinAll("c1", []string{"a", "b", "c"})
	got := l.RoomsOf("c1")
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	l.LeaveAll("c1")
	assert.Empty(t, l.RoomsOf("c1"))
	assert.True(t, l.IsEmpty())
}

func TestLocal_LeaveUnknownRoomIsNoop(t *testing.T) {
	l := NewLocal(nil)
	l.Leave("c1", "nowhere")
	l.LeaveAll("ghost")
	assert.True(t, l.IsEmpty())
}

type capture struct {
	mu    sync.Mutex
	sends map[string][]Packet
}

func newCapture() *capture {
	return &capture{sends: make(map[string][]Packet)}
}

func (c *capture) deliver(clientID string, p Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends[clientID] = append(c.sends[clientID], p)
}

func (c *capture) count(clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends[clientID])
}

func TestLocal_BroadcastToRooms(t *testing.T) {
	rec := newCapture()
	l := NewLocal(rec.deliver)

	for _, id := range []string{"c1", "c2", "c3"} {
		l.Connect(id)
	}
	l.Join("c1", "x")
	l.Join("c2", "x")
	l.Join("c2", "y")
	l.Join("c3", "y")

	p := Packet{Namespace: "/", Event: "ping", Data: json.RawMessage(`{"v":1}`)}
	l.Broadcast(p, BroadcastOptions{Rooms: []string{"x"}})

	assert.Equal(t, 1, rec.count("c1"))
	assert.Equal(t, 1, rec.count("c2"))
	assert.Equal(t, 0, rec.count("c3"))

	// Overlapping rooms deliver once per client, not once per room.
	l.Broadcast(p, BroadcastOptions{Rooms: []string{"x", "y"}})
	assert.Equal(t, 2, rec.count("c2"))
}

func TestLocal_BroadcastToNamespace(t *testing.T) {
	rec := newCapture()
	l := NewLocal(rec.deliver)

	l.Connect("c1")
	l.Connect("c2")
	l.Join("c1", "x") // room membership is irrelevant for namespace-wide sends

	l.Broadcast(Packet{Event: "hello"}, BroadcastOptions{})
	assert.Equal(t, 1, rec.count("c1"))
	assert.Equal(t, 1, rec.count("c2"))
}

func TestLocal_BroadcastExcept(t *testing.T) {
	rec := newCapture()
	l := NewLocal(rec.deliver)

	l.Connect("c1")
	l.Connect("c2")
	l.Join("c1", "x")
	l.Join("c2", "x")

	l.Broadcast(Packet{Event: "e"}, BroadcastOptions{Rooms: []string{"x"}, Except: []string{"c1"}})
	assert.Equal(t, 0, rec.count("c1"))
	assert.Equal(t, 1, rec.count("c2"))
}

func TestLocal_DisconnectStopsNamespaceDelivery(t *testing.T) {
	rec := newCapture()
	l := NewLocal(rec.deliver)

	l.Connect("c1")
	l.Disconnect("c1")

	l.Broadcast(Packet{Event: "e"}, BroadcastOptions{})
	assert.Equal(t, 0, rec.count("c1"))
}

func TestLocal_NilDeliverIsSafe(t *testing.T) {
	l := NewLocal(nil)
	l.Connect("c1")
	require.NotPanics(t, func() {
		l.Broadcast(Packet{Event: "e"}, BroadcastOptions{})
	})
}

func TestBroadcastOptions_RemoteNotSerialized(t *testing.T) {
	data, err := json.Marshal(BroadcastOptions{Rooms: []string{"x"}, Remote: true})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "emote")

	var opts BroadcastOptions
	require.NoError(t, json.Unmarshal(data, &opts))
	assert.False(t, opts.Remote)
}
