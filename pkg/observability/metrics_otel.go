package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry instruments for the store.
// It satisfies postgres.QueryRecorder.
type OTelMetrics struct {
	dbQueriesTotal  metric.Int64Counter
	dbQueryErrors   metric.Int64Counter
	dbQueryDuration metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/kiln")

	m := &OTelMetrics{}
	var err error

	m.dbQueriesTotal, err = meter.Int64Counter(
		"db.queries.total",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_queries_total counter: %w", err)
	}

	m.dbQueryErrors, err = meter.Int64Counter(
		"db.queries.errors",
		metric.WithDescription("Database queries that returned an error"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_queries_errors counter: %w", err)
	}

	m.dbQueryDuration, err = meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_query_duration histogram: %w", err)
	}

	return m, nil
}

// RecordDBQuery records a database query metric
func (m *OTelMetrics) RecordDBQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("db.operation", operation),
		attribute.Bool("error", err != nil),
	)

	m.dbQueriesTotal.Add(ctx, 1, attrs)
	m.dbQueryDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.dbQueryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("db.operation", operation)))
	}
}
