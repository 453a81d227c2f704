package delivery

import "fmt"

// GonePolicy decides what an HTTP 410 Gone response does to a subscription.
type GonePolicy int

const (
	// GoneIsFailure treats 410 like any other non-2xx response.
	GoneIsFailure GonePolicy = iota

	// GoneRevokes soft-deletes the subscription on 410 and fails the
	// delivery without scheduling a retry. This suits REST-hook receivers
	// that answer 410 to unsubscribe.
	GoneRevokes
)

func (p GonePolicy) String() string {
	switch p {
	case GoneIsFailure:
		return "failure"
	case GoneRevokes:
		return "revoke"
	default:
		return fmt.Sprintf("GonePolicy(%d)", int(p))
	}
}

// ParseGonePolicy converts "failure" or "revoke" into a GonePolicy.
func ParseGonePolicy(v string) (GonePolicy, error) {
	switch v {
	case "", "failure":
		return GoneIsFailure, nil
	case "revoke":
		return GoneRevokes, nil
	default:
		return GoneIsFailure, fmt.Errorf("delivery: unknown gone policy %q", v)
	}
}
