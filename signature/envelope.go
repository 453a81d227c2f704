package signature

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadSize is the largest serialized envelope that is sent as-is.
const MaxPayloadSize = 64 * 1024

// truncatedData replaces the data of envelopes that exceed MaxPayloadSize.
var truncatedData = map[string]string{"error": "Payload too large, truncated"}

// Envelope is the canonical JSON body of every webhook delivery.
type Envelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// NewEnvelope builds an envelope for one logical event instance.
func NewEnvelope(eventID uuid.UUID, eventType string, at time.Time, data any) Envelope {
	return Envelope{
		EventID:   eventID.String(),
		EventType: eventType,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// Encode serializes the envelope. The returned bytes are both signed and
// transmitted, so callers must never re-serialize between the two.
//
// When the result would exceed MaxPayloadSize the data is swapped for a
// truncation marker and the envelope is serialized again.
func (e Envelope) Encode() ([]byte, bool, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, false, fmt.Errorf("webhooks: encode envelope: %w", err)
	}
	if len(body) <= MaxPayloadSize {
		return body, false, nil
	}

	e.Data = truncatedData
	body, err = json.Marshal(e)
	if err != nil {
		return nil, false, fmt.Errorf("webhooks: encode truncated envelope: %w", err)
	}
	return body, true, nil
}

// RawEnvelope is an envelope decoded from stored bytes with data left raw.
type RawEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a stored payload back into its envelope fields.
func DecodeEnvelope(payload []byte) (*RawEnvelope, error) {
	var env RawEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("webhooks: decode envelope: %w", err)
	}
	return &env, nil
}
