package subscription

import "fmt"

// Status is the lifecycle state of a subscription.
type Status string

const (
	// StatusActive receives deliveries.
	StatusActive Status = "active"

	// StatusPaused was paused by its owner and receives nothing until resumed.
	StatusPaused Status = "paused"

	// StatusDisabled was switched off by the circuit breaker after too many
	// consecutive failures. Only Resume brings it back.
	StatusDisabled Status = "disabled"

	// StatusDeleted is a soft-deleted subscription. The row is kept so its
	// delivery history stays intact.
	StatusDeleted Status = "deleted"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusActive, StatusPaused, StatusDisabled, StatusDeleted}

func (s Status) String() string { return string(s) }

// Validate returns an error if s is not a known status.
func (s Status) Validate() error {
	switch s {
	case StatusActive, StatusPaused, StatusDisabled, StatusDeleted:
		return nil
	default:
		return fmt.Errorf("subscription: invalid status %q", string(s))
	}
}

// ParseStatus converts a string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// CanTransition reports whether an owner may move a subscription from one
// status to another. StatusDisabled is never a valid target: only the
// circuit breaker sets it.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusActive:
		switch from {
		case StatusActive, StatusPaused, StatusDisabled:
			return true
		case StatusDeleted:
			return false
		}
	case StatusPaused:
		switch from {
		case StatusActive, StatusPaused:
			return true
		case StatusDisabled, StatusDeleted:
			return false
		}
	case StatusDeleted:
		switch from {
		case StatusActive, StatusPaused, StatusDisabled:
			return true
		case StatusDeleted:
			return false
		}
	case StatusDisabled:
		return false
	}
	return false
}

// SourcesOf returns every status from which CanTransition allows moving to
// to. Stores use it to guard status writes.
func SourcesOf(to Status) []Status {
	var from []Status
	for _, s := range Statuses {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// StatusStrings converts statuses to their string form.
func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
