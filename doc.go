// Package webhooks provides a webhook subscription and delivery engine for Go.
//
// Owners register subscriptions (a URL, a signing secret and a set of event
// types). Producers call TriggerEvent; every active subscription of that
// owner listening for the event type receives a signed HTTP POST. Each
// attempt is recorded in the delivery ledger, failures are retried on a
// fixed backoff by RetryDue, and endpoints that keep failing are disabled by
// a circuit breaker until their owner resumes them.
//
// Key features:
//   - HMAC-SHA256 signed envelopes with stable event IDs for deduplication
//   - Ledger of every delivery with outcome, timing and response snippet
//   - Backoff retries driven by an external sweep (see package worker)
//   - Atomic per-subscription failure counters on every backend
//   - Composable store pattern (Memory, Postgres, SQLite, MongoDB, Redis)
//   - Optional JSON Schema validation per event type
//
// Quick start:
//
//	d, err := webhooks.New(
//	    webhooks.WithStore(memory.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sub, err := d.Subscriptions().Create(ctx, subscription.Input{
//	    OwnerID: "acct_123",
//	    Name:    "billing",
//	    URL:     "https://example.com/hooks",
//	    Events:  []string{"payment.due"},
//	})
//
//	deliveries, err := d.TriggerEvent(ctx, "acct_123", "payment.due", map[string]any{
//	    "invoice_id": "inv_42",
//	})
package webhooks
