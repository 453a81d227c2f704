package webhooks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/webhooks/breaker"
	"github.com/xraph/webhooks/catalog"
	"github.com/xraph/webhooks/clock"
	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/observability"
	"github.com/xraph/webhooks/store"
	"github.com/xraph/webhooks/subscription"
)

// Dispatcher is the root webhook engine.
type Dispatcher struct {
	config     Config
	store      store.Store
	clock      clock.Clock
	httpClient *http.Client
	secretGen  func() string
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	eventTypes []catalog.Definition

	catalog *catalog.Catalog
	subs    *subscription.Service
	breaker *breaker.Breaker
	engine  *delivery.Engine
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// New creates a new Dispatcher with the given options.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.store == nil {
		return nil, ErrNoStore
	}
	d.config = d.config.withDefaults()
	if err := d.wireServices(); err != nil {
		return nil, err
	}
	return d, nil
}

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(d *Dispatcher) error {
		d.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) error {
		if logger != nil {
			d.logger = logger
		}
		return nil
	}
}

// WithConfig replaces the whole configuration. Options applied after it
// still override single fields.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) error {
		d.config = cfg
		return nil
	}
}

// WithClock sets the time source used for timestamps and retry scheduling.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) error {
		d.clock = c
		return nil
	}
}

// WithHTTPClient sets the client used for deliveries. The per-attempt
// request timeout still applies.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) error {
		d.httpClient = c
		return nil
	}
}

// WithSecretGenerator replaces the generator of subscription signing secrets.
func WithSecretGenerator(fn func() string) Option {
	return func(d *Dispatcher) error {
		d.secretGen = fn
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per delivery attempt.
func WithRequestTimeout(t time.Duration) Option {
	return func(d *Dispatcher) error {
		if t <= 0 {
			return fmt.Errorf("webhooks: request timeout must be positive, got %s", t)
		}
		d.config.RequestTimeout = t
		return nil
	}
}

// WithMaxAttempts sets the number of attempts each delivery gets.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) error {
		if n < 1 {
			return fmt.Errorf("webhooks: max attempts must be at least 1, got %d", n)
		}
		d.config.MaxAttempts = n
		return nil
	}
}

// WithMaxFailures sets the default circuit breaker threshold for new subscriptions.
func WithMaxFailures(n int) Option {
	return func(d *Dispatcher) error {
		if n < 1 {
			return fmt.Errorf("webhooks: max failures must be at least 1, got %d", n)
		}
		d.config.MaxFailures = n
		return nil
	}
}

// WithRetrySchedule sets the backoff intervals between attempts.
func WithRetrySchedule(schedule []time.Duration) Option {
	return func(d *Dispatcher) error {
		if len(schedule) == 0 {
			return fmt.Errorf("webhooks: retry schedule must not be empty")
		}
		d.config.RetrySchedule = schedule
		return nil
	}
}

// WithSweepBatchLimit sets the default number of due retries per RetryDue call.
func WithSweepBatchLimit(n int) Option {
	return func(d *Dispatcher) error {
		d.config.SweepBatchLimit = n
		return nil
	}
}

// WithConcurrency bounds in-flight deliveries per fan-out or sweep.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		if n < 1 {
			return fmt.Errorf("webhooks: concurrency must be at least 1, got %d", n)
		}
		d.config.Concurrency = n
		return nil
	}
}

// WithGonePolicy sets how HTTP 410 responses are handled.
func WithGonePolicy(p delivery.GonePolicy) Option {
	return func(d *Dispatcher) error {
		d.config.GonePolicy = p
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) error {
		d.metrics = m
		return nil
	}
}

// WithTracer enables OpenTelemetry spans per delivery attempt.
func WithTracer(t *observability.Tracer) Option {
	return func(d *Dispatcher) error {
		d.tracer = t
		return nil
	}
}

// WithEventType registers an event type definition in the catalog.
func WithEventType(def catalog.Definition) Option {
	return func(d *Dispatcher) error {
		d.eventTypes = append(d.eventTypes, def)
		return nil
	}
}

// WithEventSchema registers a JSON Schema that data passed to TriggerEvent
// for eventType must satisfy.
func WithEventSchema(eventType string, schema json.RawMessage) Option {
	return WithEventType(catalog.Definition{Name: eventType, Schema: schema})
}
