package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/roomcast/roomcast/internal/rooms"
)

// Envelope is the wire shape published to the bus. Channel is derived by
// the publish path; it is not part of the caller-supplied packet or
// options.
type Envelope struct {
	SenderID string                 `json:"senderId"`
	Packet   rooms.Packet           `json:"packet"`
	Opts     rooms.BroadcastOptions `json:"options"`
	Channel  string                 `json:"channel"`
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// decodeEnvelope parses an inbound payload and rejects envelopes missing
// the fields the delivery path filters on.
func decodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Channel == "" {
		return Envelope{}, fmt.Errorf("envelope missing channel")
	}
	if e.SenderID == "" {
		return Envelope{}, fmt.Errorf("envelope missing senderId")
	}
	return e, nil
}
