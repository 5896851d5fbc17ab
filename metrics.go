package bucketkey

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type handlerMetrics struct {
	tasks    metric.Int64Counter
	skips    metric.Int64Counter
	duration metric.Float64Histogram
}

func newHandlerMetrics() *handlerMetrics {
	meter := otel.Meter("pkt.systems/bucketkey")
	m := &handlerMetrics{}
	m.tasks, _ = meter.Int64Counter("bucketkey.tasks",
		metric.WithDescription("Batch tasks processed, by result code and outcome"))
	m.skips, _ = meter.Int64Counter("bucketkey.skips",
		metric.WithDescription("Objects left untouched, by reason"))
	m.duration, _ = meter.Float64Histogram("bucketkey.task.duration",
		metric.WithDescription("Time spent on one batch task"),
		metric.WithUnit("s"))
	return m
}

func (m *handlerMetrics) record(ctx context.Context, resultCode, outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("result_code", resultCode),
		attribute.String("outcome", outcome),
	)
	if m.tasks != nil {
		m.tasks.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if reason != "" && m.skips != nil {
		m.skips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
