package delivery_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/webhooks/clock"
	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/internal/entity"
	"github.com/xraph/webhooks/signature"
	"github.com/xraph/webhooks/store/memory"
	"github.com/xraph/webhooks/subscription"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// stubBreaker records the outcomes it is fed.
type stubBreaker struct {
	mu        sync.Mutex
	successes int
	failures  []string
}

func (b *stubBreaker) OnSuccess(_ context.Context, _ *subscription.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	return nil
}

func (b *stubBreaker) OnFailure(_ context.Context, _ *subscription.Subscription, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, reason)
	return nil
}

// failingStore rejects ledger inserts.
type failingStore struct {
	*memory.Store
}

func (failingStore) CreateDelivery(context.Context, *delivery.Delivery) error {
	return errors.New("connection reset")
}

func setupEngine(t *testing.T, cfg delivery.EngineConfig) (*memory.Store, *delivery.Engine, *stubBreaker, *clock.Manual) {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(t0)
	cfg.Clock = clk
	b := &stubBreaker{}
	return store, delivery.NewEngine(store, store, b, cfg, nil), b, clk
}

func createSubscription(t *testing.T, store *memory.Store, url string) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		Entity:      entity.At(t0),
		ID:          uuid.New(),
		OwnerID:     "owner-1",
		Name:        "test",
		URL:         url,
		Secret:      testSecret,
		Events:      []string{"test.event"},
		Headers:     map[string]string{"X-Tenant": "acme"},
		Status:      subscription.StatusActive,
		IsActive:    true,
		MaxFailures: 5,
	}
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func respond(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func TestEngineDeliversSuccessfully(t *testing.T) {
	var tenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = r.Header.Get("X-Tenant")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store, engine, b, _ := setupEngine(t, delivery.EngineConfig{})
	sub := createSubscription(t, store, srv.URL)

	d, err := engine.Deliver(context.Background(), sub, uuid.New(), "test.event", map[string]any{"n": 1})
	if err != nil {
		t.Fatal(err)
	}

	if d.Status != delivery.StatusSuccess || d.AttemptNumber != 1 {
		t.Fatalf("expected success on attempt 1, got %s/%d", d.Status, d.AttemptNumber)
	}
	if d.StatusCode == nil || *d.StatusCode != 200 || *d.ResponseBody != "ok" {
		t.Fatal("response not recorded")
	}
	if d.CompletedAt == nil || d.ErrorMessage != nil {
		t.Fatal("success is terminal and carries no error")
	}
	if d.MaxAttempts != delivery.DefaultMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", d.MaxAttempts)
	}
	if tenant != "acme" {
		t.Fatal("custom headers not sent")
	}
	if b.successes != 1 || len(b.failures) != 0 {
		t.Fatal("breaker not told about the success")
	}

	stored, err := store.GetDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != delivery.StatusSuccess {
		t.Fatal("ledger row not updated")
	}
}

func TestEngineClassifiesFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches for client disconnect.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer slow.Close()

	longBody := strings.Repeat("e", 3000)
	broken := httptest.NewServer(respond(http.StatusInternalServerError, longBody))
	defer broken.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	refused := "http://" + ln.Addr().String()
	_ = ln.Close()

	tests := []struct {
		name       string
		url        string
		wantReason string
		wantCode   bool
	}{
		{"timeout", slow.URL, delivery.ReasonTimeout, false},
		{"http error", broken.URL, "HTTP 500", true},
		{"network error", refused, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, engine, b, _ := setupEngine(t, delivery.EngineConfig{RequestTimeout: 100 * time.Millisecond})
			sub := createSubscription(t, store, tt.url)

			d, err := engine.Deliver(context.Background(), sub, uuid.New(), "test.event", nil)
			if err != nil {
				t.Fatal(err)
			}
			if d.Status != delivery.StatusRetrying {
				t.Fatalf("expected retrying, got %s", d.Status)
			}
			if d.ErrorMessage == nil {
				t.Fatal("expected an error message")
			}
			if tt.wantReason != "" && *d.ErrorMessage != tt.wantReason {
				t.Fatalf("got reason %q, want %q", *d.ErrorMessage, tt.wantReason)
			}
			if len([]rune(*d.ErrorMessage)) > delivery.MaxErrorMessageLength {
				t.Fatal("error message not truncated")
			}
			if (d.StatusCode != nil) != tt.wantCode {
				t.Fatalf("status code presence: got %v", d.StatusCode)
			}
			if tt.wantCode && len([]rune(*d.ResponseBody)) != delivery.MaxResponseBodyLength {
				t.Fatalf("response body not truncated to %d", delivery.MaxResponseBodyLength)
			}
			if len(b.failures) != 1 || b.failures[0] != *d.ErrorMessage {
				t.Fatal("breaker not told about the failure")
			}
		})
	}
}

func TestEngineTruncatesOversizedPayload(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusOK, ""))
	defer srv.Close()

	store, engine, _, _ := setupEngine(t, delivery.EngineConfig{})
	sub := createSubscription(t, store, srv.URL)

	data := map[string]string{"blob": strings.Repeat("a", signature.MaxPayloadSize)}
	d, err := engine.Deliver(context.Background(), sub, uuid.New(), "test.event", data)
	if err != nil {
		t.Fatal(err)
	}

	env, err := signature.DecodeEnvelope(d.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(env.Data) != `{"error":"Payload too large, truncated"}` {
		t.Fatalf("unexpected data %s", env.Data)
	}
	if d.Status != delivery.StatusSuccess {
		t.Fatal("truncation is not an error")
	}
}

func TestEngineDeliverTestSkipsBreaker(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusInternalServerError, ""))
	defer srv.Close()

	store, engine, b, _ := setupEngine(t, delivery.EngineConfig{})
	sub := createSubscription(t, store, srv.URL)

	d, err := engine.DeliverTest(context.Background(), sub)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != delivery.StatusFailed || d.MaxAttempts != 1 || d.NextRetryAt != nil {
		t.Fatalf("test delivery must fail terminally, got %+v", d)
	}
	if b.successes != 0 || len(b.failures) != 0 {
		t.Fatal("test deliveries must not reach the breaker")
	}
}

func TestEngineRetryDue(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	store, engine, b, clk := setupEngine(t, delivery.EngineConfig{Concurrency: 4})
	sub := createSubscription(t, store, srv.URL)

	var ids []uuid.UUID
	for range 3 {
		d, err := engine.Deliver(context.Background(), sub, uuid.New(), "test.event", nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, d.ID)
	}

	mu.Lock()
	status = http.StatusOK
	mu.Unlock()

	clk.Advance(time.Minute)
	res, err := engine.RetryDue(context.Background(), "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 2 || res.Succeeded != 2 {
		t.Fatalf("batch limit not honoured: %+v", res)
	}

	res, err = engine.RetryDue(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Succeeded != 1 {
		t.Fatalf("expected the last retry, got %+v", res)
	}

	for _, id := range ids {
		d, _ := store.GetDelivery(context.Background(), id)
		if d.Status != delivery.StatusSuccess || d.AttemptNumber != 2 {
			t.Fatalf("expected success on attempt 2, got %s/%d", d.Status, d.AttemptNumber)
		}
	}
	if b.successes != 3 || len(b.failures) != 3 {
		t.Fatalf("breaker saw %d successes, %d failures", b.successes, len(b.failures))
	}
}

func TestEngineRetryDueMissingSubscription(t *testing.T) {
	store, engine, _, clk := setupEngine(t, delivery.EngineConfig{})

	next := t0
	d := &delivery.Delivery{
		Entity:        entity.At(t0),
		ID:            uuid.New(),
		WebhookID:     uuid.New(),
		OwnerID:       "owner-1",
		EventID:       uuid.New(),
		EventType:     "test.event",
		Payload:       []byte(`{}`),
		Status:        delivery.StatusRetrying,
		AttemptNumber: 2,
		MaxAttempts:   3,
		NextRetryAt:   &next,
	}
	if err := store.CreateDelivery(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Second)
	res, err := engine.RetryDue(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Abandoned != 1 {
		t.Fatalf("expected abandonment, got %+v", res)
	}

	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusFailed || *got.ErrorMessage != delivery.ReasonInactive {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func pendingDelivery(t *testing.T, store *memory.Store, sub *subscription.Subscription, eventType string) *delivery.Delivery {
	t.Helper()
	d := &delivery.Delivery{
		Entity:        entity.At(t0),
		ID:            uuid.New(),
		WebhookID:     sub.ID,
		OwnerID:       sub.OwnerID,
		EventID:       uuid.New(),
		EventType:     eventType,
		Payload:       []byte(`{}`),
		Status:        delivery.StatusPending,
		AttemptNumber: 1,
		MaxAttempts:   3,
	}
	if err := store.CreateDelivery(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestEngineRetryDueRecoversStalePending(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, engine, b, clk := setupEngine(t, delivery.EngineConfig{RequestTimeout: 5 * time.Second})
	sub := createSubscription(t, store, srv.URL)
	d := pendingDelivery(t, store, sub, "test.event")

	// Still inside the lease: the first attempt may be in flight.
	clk.Advance(5 * time.Second)
	res, err := engine.RetryDue(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 || hits.Load() != 0 {
		t.Fatalf("fresh pending row must be left alone, got %+v", res)
	}

	clk.Advance(delivery.LeaseGrace)
	res, err = engine.RetryDue(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Succeeded != 1 || hits.Load() != 1 {
		t.Fatalf("expected the abandoned row to be delivered, got %+v", res)
	}

	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
	if b.successes != 1 {
		t.Fatal("a recovered live delivery feeds the breaker")
	}
}

func TestEngineRetryDueStalePendingOfInactiveSubscription(t *testing.T) {
	store, engine, _, clk := setupEngine(t, delivery.EngineConfig{})
	sub := createSubscription(t, store, "http://127.0.0.1:1")
	d := pendingDelivery(t, store, sub, "test.event")
	_, err := store.SetStatus(context.Background(), sub.ID, subscription.SourcesOf(subscription.StatusPaused), subscription.StatusPaused, false, t0)
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Hour)
	res, err := engine.RetryDue(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Abandoned != 1 {
		t.Fatalf("expected abandonment, got %+v", res)
	}
	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusFailed || *got.ErrorMessage != delivery.ReasonInactive {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func TestEngineRetryDueRecoveredTestDeliverySkipsBreaker(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusInternalServerError, ""))
	defer srv.Close()

	store, engine, b, clk := setupEngine(t, delivery.EngineConfig{})
	sub := createSubscription(t, store, srv.URL)
	d := pendingDelivery(t, store, sub, delivery.TestEventType)

	clk.Advance(time.Hour)
	if _, err := engine.RetryDue(context.Background(), "", 0); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusFailed {
		t.Fatalf("test deliveries are one-shot, got %s", got.Status)
	}
	if len(b.failures) != 0 {
		t.Fatal("test deliveries must not reach the breaker")
	}
}

func TestEngineConcurrentSweepersDeliverOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	clk := clock.NewManual(t0)
	sub := createSubscription(t, store, srv.URL)
	const rows = 10
	for range rows {
		pendingDelivery(t, store, sub, "test.event")
	}
	clk.Advance(time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		total   delivery.SweepResult
		sweeper = func() {
			defer wg.Done()
			engine := delivery.NewEngine(store, store, &stubBreaker{}, delivery.EngineConfig{Clock: clk, Concurrency: 4}, nil)
			res, err := engine.RetryDue(context.Background(), "", 0)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			total.Processed += res.Processed
			total.Skipped += res.Skipped
		}
	)
	for range 3 {
		wg.Add(1)
		go sweeper()
	}
	wg.Wait()

	if got := hits.Load(); got != rows {
		t.Fatalf("expected %d requests, got %d", rows, got)
	}
	if total.Processed != rows {
		t.Fatalf("expected %d processed across sweepers, got %+v", rows, total)
	}
}

// racingStore lets another sweeper claim every row between list and claim.
type racingStore struct {
	*memory.Store
}

func (s racingStore) ListDue(ctx context.Context, f delivery.DueFilter) ([]*delivery.Delivery, error) {
	due, err := s.Store.ListDue(ctx, f)
	for _, d := range due {
		_, _ = s.Store.ClaimDue(ctx, delivery.Claim{
			ID: d.ID, Status: d.Status, AttemptNumber: d.AttemptNumber,
			Now: f.Now, StaleBefore: f.StaleBefore, LeaseUntil: f.Now.Add(time.Hour),
		})
	}
	return due, err
}

func TestEngineRetryDueSkipsRowsClaimedElsewhere(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := memory.New()
	clk := clock.NewManual(t0)
	engine := delivery.NewEngine(racingStore{mem}, mem, &stubBreaker{}, delivery.EngineConfig{Clock: clk}, nil)
	sub := createSubscription(t, mem, srv.URL)
	pendingDelivery(t, mem, sub, "test.event")
	pendingDelivery(t, mem, sub, "test.event")

	clk.Advance(time.Hour)
	res, err := engine.RetryDue(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 || res.Processed != 0 || hits.Load() != 0 {
		t.Fatalf("expected both rows skipped, got %+v with %d requests", res, hits.Load())
	}
}

func TestEngineLedgerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusOK, ""))
	defer srv.Close()

	mem := memory.New()
	engine := delivery.NewEngine(failingStore{mem}, mem, &stubBreaker{}, delivery.EngineConfig{}, nil)
	sub := createSubscription(t, mem, srv.URL)

	if _, err := engine.Deliver(context.Background(), sub, uuid.New(), "test.event", nil); err == nil {
		t.Fatal("expected the ledger error to propagate")
	}
}
