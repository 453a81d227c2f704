package webhooks_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/webhooks"
	"github.com/xraph/webhooks/clock"
	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/signature"
	"github.com/xraph/webhooks/store/memory"
	"github.com/xraph/webhooks/subscription"
)

func ctx() context.Context { return context.Background() }

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type captured struct {
	header http.Header
	body   []byte
}

// receiver is a webhook endpoint whose response status can be changed mid-test.
type receiver struct {
	srv    *httptest.Server
	status atomic.Int32

	mu   sync.Mutex
	reqs []captured
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(int32(status))
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.reqs = append(r.reqs, captured{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) requests() []captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]captured(nil), r.reqs...)
}

func setup(t *testing.T, opts ...webhooks.Option) (*webhooks.Dispatcher, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	base := []webhooks.Option{
		webhooks.WithStore(memory.New()),
		webhooks.WithClock(clk),
	}
	d, err := webhooks.New(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return d, clk
}

func subscribe(t *testing.T, d *webhooks.Dispatcher, ownerID, url string, maxFailures int, events ...string) *subscription.Subscription {
	t.Helper()
	sub, err := d.Subscriptions().Create(ctx(), subscription.Input{
		OwnerID:     ownerID,
		Name:        "endpoint",
		URL:         url,
		Events:      events,
		MaxFailures: maxFailures,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func getSub(t *testing.T, d *webhooks.Dispatcher, sub *subscription.Subscription) *subscription.Subscription {
	t.Helper()
	got, err := d.Store().GetSubscription(ctx(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := webhooks.New(); !errors.Is(err, webhooks.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  webhooks.Option
	}{
		{"max attempts", webhooks.WithMaxAttempts(0)},
		{"max failures", webhooks.WithMaxFailures(0)},
		{"concurrency", webhooks.WithConcurrency(0)},
		{"timeout", webhooks.WithRequestTimeout(0)},
		{"schedule", webhooks.WithRetrySchedule(nil)},
		{"schema", webhooks.WithEventSchema("order.created", json.RawMessage(`{"type":`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := webhooks.New(webhooks.WithStore(memory.New()), tt.opt); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	d, _ := setup(t, webhooks.WithConfig(webhooks.Config{}))
	rcv := newReceiver(t, http.StatusOK)
	subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")

	def := webhooks.DefaultConfig()
	cfg := d.Config()
	if cfg.Concurrency != def.Concurrency || cfg.MaxAttempts != def.MaxAttempts ||
		cfg.SweepBatchLimit != def.SweepBatchLimit || cfg.RequestTimeout != def.RequestTimeout {
		t.Fatalf("zero limits not defaulted: %+v", cfg)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.TriggerEvent(ctx(), "owner-1", "order.created", nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TriggerEvent blocked with a zero-value Config")
	}
	if len(rcv.requests()) != 1 {
		t.Fatalf("expected one request, got %d", len(rcv.requests()))
	}
}

func TestTriggerEventFanOut(t *testing.T) {
	d, _ := setup(t)
	rcv := newReceiver(t, http.StatusOK)

	a := subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")
	b := subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.paid", "order.created")
	subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.paid")
	subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order")
	subscribe(t, d, "owner-2", rcv.srv.URL, 0, "order.created")

	deliveries, err := d.TriggerEvent(ctx(), "owner-1", "order.created", map[string]any{"order_id": "o-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}

	targets := map[string]bool{}
	for _, del := range deliveries {
		if del.Status != delivery.StatusSuccess {
			t.Fatalf("expected success, got %s", del.Status)
		}
		if del.AttemptNumber != 1 {
			t.Fatalf("expected attempt 1, got %d", del.AttemptNumber)
		}
		if del.EventID != deliveries[0].EventID {
			t.Fatal("all deliveries of one event share the event id")
		}
		targets[del.WebhookID.String()] = true
	}
	if !targets[a.ID.String()] || !targets[b.ID.String()] {
		t.Fatal("expected deliveries to both matching subscriptions")
	}

	reqs := rcv.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	for _, req := range reqs {
		webhookID := req.header.Get(signature.HeaderWebhookID)
		secret := a.Secret
		if webhookID == b.ID.String() {
			secret = b.Secret
		}
		if !signature.Verify(req.body, secret, req.header.Get(signature.HeaderSignature)) {
			t.Fatal("signature does not verify against the sent body")
		}
		if req.header.Get(signature.HeaderEvent) != "order.created" {
			t.Fatalf("got event header %q", req.header.Get(signature.HeaderEvent))
		}

		env, err := signature.DecodeEnvelope(req.body)
		if err != nil {
			t.Fatal(err)
		}
		if env.EventID != deliveries[0].EventID.String() {
			t.Fatal("envelope event_id mismatch")
		}
	}
}

func TestTriggerEventNoMatchHasNoSideEffects(t *testing.T) {
	d, _ := setup(t)
	rcv := newReceiver(t, http.StatusOK)
	subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")

	deliveries, err := d.TriggerEvent(ctx(), "owner-1", "order.refunded", nil)
	if err != nil {
		t.Fatal(err)
	}
	if deliveries == nil || len(deliveries) != 0 {
		t.Fatalf("expected an empty list, got %v", deliveries)
	}

	st, err := d.Stats(ctx(), "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	for status, n := range st.Deliveries {
		if n != 0 {
			t.Fatalf("expected no ledger rows, found %d %s", n, status)
		}
	}
	if len(rcv.requests()) != 0 {
		t.Fatal("expected no requests")
	}
}

func TestTriggerEventSkipsInactive(t *testing.T) {
	d, _ := setup(t)
	rcv := newReceiver(t, http.StatusOK)
	sub := subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")

	if _, err := d.Subscriptions().Pause(ctx(), sub.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}

	deliveries, err := d.TriggerEvent(ctx(), "owner-1", "order.created", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 0 {
		t.Fatal("paused subscriptions must not receive events")
	}
}

func TestTriggerEventInputErrors(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["amount"]}`)
	d, _ := setup(t, webhooks.WithEventSchema("payment.due", schema))
	rcv := newReceiver(t, http.StatusOK)
	subscribe(t, d, "owner-1", rcv.srv.URL, 0, "payment.due")

	if _, err := d.TriggerEvent(ctx(), "", "payment.due", nil); !errors.Is(err, webhooks.ErrOwnerRequired) {
		t.Fatalf("expected ErrOwnerRequired, got %v", err)
	}
	if _, err := d.TriggerEvent(ctx(), "owner-1", "", nil); !errors.Is(err, webhooks.ErrEventTypeRequired) {
		t.Fatalf("expected ErrEventTypeRequired, got %v", err)
	}
	if _, err := d.TriggerEvent(ctx(), "owner-1", "payment.due", map[string]any{"other": 1}); !errors.Is(err, webhooks.ErrPayloadValidationFailed) {
		t.Fatalf("expected ErrPayloadValidationFailed, got %v", err)
	}
	if len(rcv.requests()) != 0 {
		t.Fatal("rejected events must not be delivered")
	}

	if _, err := d.TriggerEvent(ctx(), "owner-1", "payment.due", map[string]any{"amount": 10}); err != nil {
		t.Fatal(err)
	}
	if len(rcv.requests()) != 1 {
		t.Fatal("valid event should be delivered")
	}
}

func TestTriggerEventFailuresAreIndependent(t *testing.T) {
	d, clk := setup(t)
	ok := newReceiver(t, http.StatusOK)
	broken := newReceiver(t, http.StatusInternalServerError)

	good := subscribe(t, d, "owner-1", ok.srv.URL, 0, "order.created")
	bad := subscribe(t, d, "owner-1", broken.srv.URL, 0, "order.created")

	deliveries, err := d.TriggerEvent(ctx(), "owner-1", "order.created", nil)
	if err != nil {
		t.Fatalf("delivery failures must not surface as errors: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}

	for _, del := range deliveries {
		switch del.WebhookID {
		case good.ID:
			if del.Status != delivery.StatusSuccess {
				t.Fatalf("expected success, got %s", del.Status)
			}
		case bad.ID:
			if del.Status != delivery.StatusRetrying {
				t.Fatalf("expected retrying, got %s", del.Status)
			}
			if del.ErrorMessage == nil || *del.ErrorMessage != "HTTP 500" {
				t.Fatalf("unexpected error message %v", del.ErrorMessage)
			}
			if del.StatusCode == nil || *del.StatusCode != 500 {
				t.Fatal("expected status code 500")
			}
			want := clk.Now().Add(60 * time.Second)
			if del.NextRetryAt == nil || !del.NextRetryAt.Equal(want) {
				t.Fatalf("expected next retry at %s, got %v", want, del.NextRetryAt)
			}
			if del.AttemptNumber != 2 {
				t.Fatalf("expected attempt number 2 after scheduling, got %d", del.AttemptNumber)
			}
		}
	}

	if got := getSub(t, d, bad); got.ConsecutiveFailures != 1 || got.LastFailureReason != "HTTP 500" {
		t.Fatalf("failure not counted: %+v", got)
	}
	if got := getSub(t, d, good); got.ConsecutiveFailures != 0 || got.LastSuccessAt == nil {
		t.Fatalf("success not recorded: %+v", got)
	}
}

func TestCircuitBreakerScenario(t *testing.T) {
	d, _ := setup(t)
	rcv := newReceiver(t, http.StatusInternalServerError)
	sub := subscribe(t, d, "owner-1", rcv.srv.URL, 2, "payment.due")

	for range 2 {
		if _, err := d.TriggerEvent(ctx(), "owner-1", "payment.due", map[string]any{"amount": 5}); err != nil {
			t.Fatal(err)
		}
	}

	got := getSub(t, d, sub)
	if got.Status != subscription.StatusDisabled || got.IsActive {
		t.Fatalf("expected disabled after 2 failures, got %s", got.Status)
	}

	deliveries, _ := d.TriggerEvent(ctx(), "owner-1", "payment.due", nil)
	if len(deliveries) != 0 {
		t.Fatal("disabled subscription must not receive events")
	}

	resumed, err := d.Subscriptions().Resume(ctx(), sub.ID, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != subscription.StatusActive || resumed.ConsecutiveFailures != 0 {
		t.Fatalf("expected active with reset counter, got %+v", resumed)
	}

	rcv.status.Store(http.StatusOK)
	deliveries, err = d.TriggerEvent(ctx(), "owner-1", "payment.due", map[string]any{"amount": 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 || deliveries[0].Status != delivery.StatusSuccess {
		t.Fatal("expected a successful delivery after resume")
	}
	if got := getSub(t, d, sub); got.ConsecutiveFailures != 0 {
		t.Fatalf("expected counter reset, got %d", got.ConsecutiveFailures)
	}
}

func TestRetryDueLifecycle(t *testing.T) {
	d, clk := setup(t)
	rcv := newReceiver(t, http.StatusServiceUnavailable)
	sub := subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")

	deliveries, err := d.TriggerEvent(ctx(), "owner-1", "order.created", nil)
	if err != nil {
		t.Fatal(err)
	}
	delID := deliveries[0].ID

	res, err := d.RetryDue(ctx(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Fatal("nothing is due before the backoff elapses")
	}

	clk.Advance(60 * time.Second)
	res, err = d.RetryDue(ctx(), "owner-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Rescheduled != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	del, _ := d.GetDelivery(ctx(), delID, "owner-1")
	if del.Status != delivery.StatusRetrying || del.AttemptNumber != 3 {
		t.Fatalf("expected retrying attempt 3, got %s/%d", del.Status, del.AttemptNumber)
	}
	if want := clk.Now().Add(300 * time.Second); !del.NextRetryAt.Equal(want) {
		t.Fatalf("expected second backoff of 300s, got %v", del.NextRetryAt)
	}

	clk.Advance(300 * time.Second)
	res, err = d.RetryDue(ctx(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", res)
	}

	del, _ = d.GetDelivery(ctx(), delID, "owner-1")
	if del.Status != delivery.StatusFailed || del.AttemptNumber != del.MaxAttempts {
		t.Fatalf("expected failed at max attempts, got %s/%d", del.Status, del.AttemptNumber)
	}
	if del.NextRetryAt != nil || del.CompletedAt == nil {
		t.Fatal("terminal delivery keeps no retry time and has a completion time")
	}

	clk.Advance(time.Hour)
	res, _ = d.RetryDue(ctx(), "", 0)
	if res.Processed != 0 {
		t.Fatal("failed deliveries are never retried again")
	}
	if len(rcv.requests()) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(rcv.requests()))
	}
	if got := getSub(t, d, sub); got.ConsecutiveFailures != 3 || got.Status != subscription.StatusActive {
		t.Fatalf("expected 3 failures on an active subscription, got %+v", got)
	}
}

func TestRetryDueAbandonsInactive(t *testing.T) {
	d, clk := setup(t)
	rcv := newReceiver(t, http.StatusInternalServerError)
	sub := subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")

	deliveries, _ := d.TriggerEvent(ctx(), "owner-1", "order.created", nil)
	if _, err := d.Subscriptions().Pause(ctx(), sub.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Minute)
	res, err := d.RetryDue(ctx(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Abandoned != 1 {
		t.Fatalf("expected the retry to be abandoned, got %+v", res)
	}

	del, _ := d.GetDelivery(ctx(), deliveries[0].ID, "owner-1")
	if del.Status != delivery.StatusFailed || del.ErrorMessage == nil || *del.ErrorMessage != delivery.ReasonInactive {
		t.Fatalf("unexpected delivery %+v", del)
	}
	if len(rcv.requests()) != 1 {
		t.Fatal("no request is made for an inactive subscription")
	}
}

func TestRetryUsesCurrentSecret(t *testing.T) {
	d, clk := setup(t)
	rcv := newReceiver(t, http.StatusInternalServerError)
	sub := subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")

	if _, err := d.TriggerEvent(ctx(), "owner-1", "order.created", map[string]any{"n": 1}); err != nil {
		t.Fatal(err)
	}

	newSecret, err := d.Subscriptions().RegenerateSecret(ctx(), sub.ID, "owner-1")
	if err != nil {
		t.Fatal(err)
	}

	rcv.status.Store(http.StatusOK)
	clk.Advance(time.Minute)
	res, err := d.RetryDue(ctx(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("expected success, got %+v", res)
	}

	reqs := rcv.requests()
	first, retry := reqs[0], reqs[1]
	if string(first.body) != string(retry.body) {
		t.Fatal("retries resend the stored envelope unchanged")
	}
	if !signature.Verify(retry.body, newSecret, retry.header.Get(signature.HeaderSignature)) {
		t.Fatal("retry must be signed with the current secret")
	}
	if signature.Verify(retry.body, sub.Secret, retry.header.Get(signature.HeaderSignature)) {
		t.Fatal("old secret must not verify after rotation")
	}
	if first.header.Get(signature.HeaderDelivery) != retry.header.Get(signature.HeaderDelivery) {
		t.Fatal("retries keep the delivery id")
	}
}

func TestGonePolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     delivery.GonePolicy
		wantStatus delivery.Status
		wantSub    subscription.Status
	}{
		{"failure", delivery.GoneIsFailure, delivery.StatusRetrying, subscription.StatusActive},
		{"revoke", delivery.GoneRevokes, delivery.StatusFailed, subscription.StatusDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := setup(t, webhooks.WithGonePolicy(tt.policy))
			rcv := newReceiver(t, http.StatusGone)
			sub := subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")

			deliveries, err := d.TriggerEvent(ctx(), "owner-1", "order.created", nil)
			if err != nil {
				t.Fatal(err)
			}
			if deliveries[0].Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, deliveries[0].Status)
			}
			if got := getSub(t, d, sub); got.Status != tt.wantSub {
				t.Fatalf("expected subscription %s, got %s", tt.wantSub, got.Status)
			}
		})
	}
}

func TestSendTest(t *testing.T) {
	d, _ := setup(t)
	rcv := newReceiver(t, http.StatusInternalServerError)
	sub := subscribe(t, d, "owner-1", rcv.srv.URL, 1, "order.created")

	if _, err := d.Subscriptions().Pause(ctx(), sub.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}

	del, err := d.SendTest(ctx(), sub.ID, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if del.EventType != delivery.TestEventType || del.MaxAttempts != 1 {
		t.Fatalf("unexpected test delivery %+v", del)
	}
	if del.Status != delivery.StatusFailed {
		t.Fatalf("test deliveries are never retried, got %s", del.Status)
	}
	if got := getSub(t, d, sub); got.ConsecutiveFailures != 0 || got.Status != subscription.StatusPaused {
		t.Fatal("test deliveries must not move the circuit breaker")
	}

	env, err := signature.DecodeEnvelope(rcv.requests()[0].body)
	if err != nil {
		t.Fatal(err)
	}
	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["test"] != true || data["webhook_id"] != sub.ID.String() {
		t.Fatalf("unexpected test payload %v", data)
	}

	if _, err := d.SendTest(ctx(), sub.ID, "owner-2"); !errors.Is(err, webhooks.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestDeliveryQueriesAreOwnerScoped(t *testing.T) {
	d, _ := setup(t)
	rcv := newReceiver(t, http.StatusOK)
	sub := subscribe(t, d, "owner-1", rcv.srv.URL, 0, "order.created")

	for range 3 {
		if _, err := d.TriggerEvent(ctx(), "owner-1", "order.created", nil); err != nil {
			t.Fatal(err)
		}
	}

	list, total, err := d.ListDeliveries(ctx(), sub.ID, "owner-1", delivery.ListOpts{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(list) != 2 {
		t.Fatalf("expected 2 of 3, got %d/%d", len(list), total)
	}

	if _, _, err := d.ListDeliveries(ctx(), sub.ID, "owner-2", delivery.ListOpts{}); !errors.Is(err, webhooks.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
	if _, err := d.GetDelivery(ctx(), list[0].ID, "owner-2"); !errors.Is(err, webhooks.ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}

	if err := d.Subscriptions().SoftDelete(ctx(), sub.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, total, _ := d.ListDeliveries(ctx(), sub.ID, "owner-1", delivery.ListOpts{}); total != 3 {
		t.Fatal("delivery history stays readable after soft delete")
	}
}

func TestStats(t *testing.T) {
	d, _ := setup(t)
	ok := newReceiver(t, http.StatusOK)
	broken := newReceiver(t, http.StatusInternalServerError)

	subscribe(t, d, "owner-1", ok.srv.URL, 0, "order.created")
	subscribe(t, d, "owner-1", broken.srv.URL, 0, "order.created")
	paused := subscribe(t, d, "owner-1", ok.srv.URL, 0, "order.created")
	_, _ = d.Subscriptions().Pause(ctx(), paused.ID, "owner-1")
	subscribe(t, d, "owner-2", ok.srv.URL, 0, "order.created")

	if _, err := d.TriggerEvent(ctx(), "owner-1", "order.created", nil); err != nil {
		t.Fatal(err)
	}

	st, err := d.Stats(ctx(), "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Subscriptions[subscription.StatusActive] != 2 || st.Subscriptions[subscription.StatusPaused] != 1 {
		t.Fatalf("unexpected subscription counts %v", st.Subscriptions)
	}
	if _, ok := st.Subscriptions[subscription.StatusDisabled]; !ok {
		t.Fatal("every status is reported")
	}
	if st.Deliveries[delivery.StatusSuccess] != 1 || st.Deliveries[delivery.StatusRetrying] != 1 {
		t.Fatalf("unexpected delivery counts %v", st.Deliveries)
	}

	snap, err := d.Snapshot(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Subscriptions["active"] != 3 {
		t.Fatalf("snapshot spans all owners, got %v", snap.Subscriptions)
	}
}
