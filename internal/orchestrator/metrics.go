package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the orchestrator's counters.
type metrics struct {
	phases      metric.Int64Counter
	escalations metric.Int64Counter
	executions  metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("remedyd.orchestrator")

	phases, err := meter.Int64Counter(
		"remedyd.orchestrator.phases",
		metric.WithDescription("Phase handlers run, by phase"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating phases counter: %w", err)
	}

	escalations, err := meter.Int64Counter(
		"remedyd.orchestrator.escalations",
		metric.WithDescription("Incidents escalated, by originating stage"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating escalations counter: %w", err)
	}

	executions, err := meter.Int64Counter(
		"remedyd.orchestrator.executions",
		metric.WithDescription("Remediation executions, by mode (auto or approved)"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating executions counter: %w", err)
	}

	return &metrics{phases: phases, escalations: escalations, executions: executions}, nil
}

func (m *metrics) phase(ctx context.Context, name string) {
	m.phases.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", name)))
}

func (m *metrics) escalation(ctx context.Context, errorStage string) {
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("error_stage", errorStage)))
}

func (m *metrics) execution(ctx context.Context, mode string) {
	m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}
