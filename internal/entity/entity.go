// Package entity defines the timestamps shared by subscriptions and deliveries.
package entity

import "time"

// Entity is the base type embedded by every persisted webhook object.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an Entity with both timestamps set to the current UTC time.
func New() Entity {
	return At(time.Now())
}

// At returns an Entity with both timestamps set to t in UTC.
func At(t time.Time) Entity {
	t = t.UTC()
	return Entity{CreatedAt: t, UpdatedAt: t}
}

// Touch moves UpdatedAt forward to t.
func (e *Entity) Touch(t time.Time) {
	e.UpdatedAt = t.UTC()
}
