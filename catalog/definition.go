package catalog

import "encoding/json"

// Definition describes a known event type. Registering definitions is
// optional: events of unregistered types are delivered without validation.
type Definition struct {
	// Name is the exact event type, e.g. "order.created".
	Name string `json:"name"`

	// Description is a human-readable explanation of when this event fires.
	Description string `json:"description,omitempty"`

	// Schema is an optional JSON Schema the event data must satisfy.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Example is an optional example payload for documentation.
	Example json.RawMessage `json:"example,omitempty"`
}
