// Package broker relays bus events between processes over WebSocket. The hub
// runs inside jetbotd; every other process connects a Client that forwards
// its locally published events and ingests everyone else's.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

// DefaultPath is the HTTP path the hub is mounted on.
const DefaultPath = "/bus"

var errMissingKind = errors.New("broker: frame has no kind")

// Frames are the JSON form of eventbus.Event:
// {"id","kind","payload","source","timestamp","origin"}.

func encodeEvent(evt eventbus.Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("broker: encode %s: %w", evt.Kind, err)
	}
	return data, nil
}

// decodeEvent parses a wire frame and rejects kinds outside the closed set.
func decodeEvent(data []byte) (eventbus.Event, error) {
	var evt eventbus.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return eventbus.Event{}, fmt.Errorf("broker: decode frame: %w", err)
	}
	if evt.Kind == "" {
		return eventbus.Event{}, errMissingKind
	}
	kind, err := eventbus.ParseKind(string(evt.Kind))
	if err != nil {
		return eventbus.Event{}, fmt.Errorf("broker: decode frame: %w", err)
	}
	evt.Kind = kind
	return evt, nil
}
