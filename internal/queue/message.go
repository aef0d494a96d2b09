package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventMessage is the broker payload for inbound webhook processing. The
// provider envelope is carried verbatim so the resolver parses exactly the
// bytes the signature was verified against.
type EventMessage struct {
	EventID    string          `json:"eventId"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

func (m EventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}
