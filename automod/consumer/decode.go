package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/bouncerbot/bouncer/automod/event"
)

// Decodes an inbound payload, which is either a normalized event or a raw gateway dispatch ({"t": ..., "d": ...}).
func Decode(raw []byte) (*event.Event, error) {
	var peek struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, fmt.Errorf("%w: %w", event.ErrMalformedEvent, err)
	}
	if peek.T != "" {
		return event.FromDispatchJSON(raw)
	}
	var evt event.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", event.ErrMalformedEvent, err)
	}
	return &evt, nil
}
