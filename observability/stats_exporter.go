package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time view of the subscription registry and ledger.
type Snapshot struct {
	Subscriptions        map[string]int64
	Deliveries           map[string]int64
	AvgSuccessDurationMs float64
}

// SnapshotFunc produces a Snapshot on every scrape.
type SnapshotFunc func(ctx context.Context) (*Snapshot, error)

// StatsExporter publishes ledger statistics as OpenTelemetry observable
// gauges, exported in Prometheus format.
type StatsExporter struct {
	meterProvider *sdkmetric.MeterProvider
	snapshot      SnapshotFunc

	subscriptionsGauge metric.Int64ObservableGauge
	deliveriesGauge    metric.Int64ObservableGauge
	avgDurationGauge   metric.Float64ObservableGauge
}

// NewStatsExporter registers the gauges with reg and calls snapshot on
// every collection.
func NewStatsExporter(reg prometheus.Registerer, snapshot SnapshotFunc) (*StatsExporter, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	se := &StatsExporter{
		meterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)),
		snapshot:      snapshot,
	}

	meter := se.meterProvider.Meter(tracerName, metric.WithInstrumentationVersion("1.0.0"))

	se.subscriptionsGauge, err = meter.Int64ObservableGauge(
		"webhooks.subscriptions",
		metric.WithDescription("Number of subscriptions by status"),
		metric.WithUnit("{subscriptions}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating subscriptions gauge: %w", err)
	}

	se.deliveriesGauge, err = meter.Int64ObservableGauge(
		"webhooks.deliveries",
		metric.WithDescription("Number of deliveries by status"),
		metric.WithUnit("{deliveries}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating deliveries gauge: %w", err)
	}

	se.avgDurationGauge, err = meter.Float64ObservableGauge(
		"webhooks.delivery.success.duration",
		metric.WithDescription("Average duration of successful deliveries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration gauge: %w", err)
	}

	if _, err := meter.RegisterCallback(se.observe, se.subscriptionsGauge, se.deliveriesGauge, se.avgDurationGauge); err != nil {
		return nil, fmt.Errorf("registering stats callback: %w", err)
	}

	return se, nil
}

func (se *StatsExporter) observe(ctx context.Context, o metric.Observer) error {
	snap, err := se.snapshot(ctx)
	if err != nil {
		return err
	}
	for status, n := range snap.Subscriptions {
		o.ObserveInt64(se.subscriptionsGauge, n, metric.WithAttributes(attribute.String("status", status)))
	}
	for status, n := range snap.Deliveries {
		o.ObserveInt64(se.deliveriesGauge, n, metric.WithAttributes(attribute.String("status", status)))
	}
	o.ObserveFloat64(se.avgDurationGauge, snap.AvgSuccessDurationMs)
	return nil
}

// Shutdown flushes and stops the meter provider.
func (se *StatsExporter) Shutdown(ctx context.Context) error {
	return se.meterProvider.Shutdown(ctx)
}
