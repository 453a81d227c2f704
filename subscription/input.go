package subscription

// Input is the creation payload for subscriptions.
type Input struct {
	// OwnerID identifies the tenant or user that owns the subscription.
	OwnerID string `json:"owner_id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// URL is the delivery destination.
	URL string `json:"url"`

	// Events is the set of event types to receive. Must not be empty.
	Events []string `json:"events"`

	// Headers are extra HTTP headers sent with each delivery.
	Headers map[string]string `json:"headers,omitempty"`

	// MaxFailures overrides the service default when positive.
	MaxFailures int `json:"max_failures,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Name        *string           `json:"name,omitempty"`
	URL         *string           `json:"url,omitempty"`
	Events      []string          `json:"events,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	MaxFailures *int              `json:"max_failures,omitempty"`
}

// ListOpts configures filtering and pagination for subscription listing.
// Deleted subscriptions are only listed when Status asks for them.
type ListOpts struct {
	Status *Status
	Offset int
	Limit  int
}
