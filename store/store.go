// Package store defines the composite Store interface for all webhook
// persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so a backend implements one type for everything.
package store

import (
	"context"

	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/subscription"
)

// Store is the aggregate persistence interface.
type Store interface {
	subscription.Store
	delivery.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
