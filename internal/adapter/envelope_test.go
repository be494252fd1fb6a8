package adapter

import (
	"encoding/json"
	"testing"

	"github.com/roomcast/roomcast/internal/rooms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		SenderID: "instance-1",
		Packet: rooms.Packet{
			Namespace: "/",
			Event:     "ping",
			Data:      json.RawMessage(`{"v":1}`),
		},
		Opts:    rooms.BroadcastOptions{Rooms: []string{"lobby"}},
		Channel: "roomcast#/#lobby#",
	}

	data, err := encodeEnvelope(env)
	require.NoError(t, err)

	got, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.SenderID, got.SenderID)
	assert.Equal(t, env.Channel, got.Channel)
	assert.Equal(t, env.Packet.Event, got.Packet.Event)
	assert.JSONEq(t, `{"v":1}`, string(got.Packet.Data))
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"not json", "not-json"},
		{"missing channel", `{"senderId":"a","packet":{}}`},
		{"missing sender", `{"channel":"p#/#","packet":{}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(tc.data))
			require.Error(t, err)
		})
	}
}
