package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/nodeflow/pkg/schema"
)

const meterName = "github.com/rendis/nodeflow/internal/engine"

// Metrics holds the engine's OpenTelemetry instruments. Without a configured
// MeterProvider the global noop provider makes every call free.
type Metrics struct {
	executionsStarted  metric.Int64Counter
	executionsFinished metric.Int64Counter
	nodeDuration       metric.Float64Histogram
	nodeRetries        metric.Int64Counter
}

// NewMetrics creates the instruments from provider, or from the global
// provider when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	started, err := meter.Int64Counter("nodeflow.executions.started",
		metric.WithDescription("Executions accepted and started."))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("nodeflow.executions.finished",
		metric.WithDescription("Executions that reached a terminal status."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("nodeflow.node.duration",
		metric.WithDescription("Wall time of one node invocation including retries."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("nodeflow.node.retries",
		metric.WithDescription("Node attempts retried after a transient failure."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		executionsStarted:  started,
		executionsFinished: finished,
		nodeDuration:       duration,
		nodeRetries:        retries,
	}, nil
}

func (m *Metrics) executionStarted(ctx context.Context, workflowID string) {
	if m == nil {
		return
	}
	m.executionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", workflowID)))
}

func (m *Metrics) executionFinished(ctx context.Context, workflowID string, status schema.ExecutionStatus) {
	if m == nil {
		return
	}
	m.executionsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("status", string(status)),
	))
}

func (m *Metrics) nodeFinished(ctx context.Context, nodeType schema.NodeType, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = schema.CodeOf(err)
	}
	m.nodeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("node_type", string(nodeType)),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) nodeRetried(ctx context.Context, nodeType schema.NodeType) {
	if m == nil {
		return
	}
	m.nodeRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", string(nodeType))))
}
