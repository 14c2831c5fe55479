package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "imlcore"

// Metrics holds all daemon-wide metric instruments.
type Metrics struct {
	PlansSubmitted  metric.Int64Counter
	PlansSucceeded  metric.Int64Counter
	PlansFailed     metric.Int64Counter
	PlansRejected   metric.Int64Counter
	ActionDispatches metric.Int64Counter
	ActionRetries   metric.Int64Counter
	PlanDuration    metric.Float64Histogram
	ActionDuration  metric.Float64Histogram
	TriggerFires    metric.Int64Counter
	ScannerHits     metric.Int64Counter // per heuristic rule; attribute "rule"
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.PlansSubmitted, err = meter.Int64Counter("imlcore.plans.submitted",
		metric.WithDescription("Number of plans submitted"))
	if err != nil {
		return nil, err
	}

	m.PlansSucceeded, err = meter.Int64Counter("imlcore.plans.succeeded",
		metric.WithDescription("Number of plans that reached SUCCEEDED"))
	if err != nil {
		return nil, err
	}

	m.PlansFailed, err = meter.Int64Counter("imlcore.plans.failed",
		metric.WithDescription("Number of plans that reached FAILED"))
	if err != nil {
		return nil, err
	}

	m.PlansRejected, err = meter.Int64Counter("imlcore.plans.rejected",
		metric.WithDescription("Number of plans rejected by the security pipeline or permission guard"))
	if err != nil {
		return nil, err
	}

	m.ActionDispatches, err = meter.Int64Counter("imlcore.actions.dispatches",
		metric.WithDescription("Number of action dispatch attempts"))
	if err != nil {
		return nil, err
	}

	m.ActionRetries, err = meter.Int64Counter("imlcore.actions.retries",
		metric.WithDescription("Number of action dispatch retries"))
	if err != nil {
		return nil, err
	}

	m.PlanDuration, err = meter.Float64Histogram("imlcore.plan.duration_seconds",
		metric.WithDescription("Plan wall-clock duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ActionDuration, err = meter.Float64Histogram("imlcore.action.duration_seconds",
		metric.WithDescription("Action wall-clock duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.TriggerFires, err = meter.Int64Counter("imlcore.triggers.fires",
		metric.WithDescription("Number of trigger fires"))
	if err != nil {
		return nil, err
	}

	m.ScannerHits, err = meter.Int64Counter("imlcore.security.scanner_hits",
		metric.WithDescription("Number of heuristic scanner rule hits, by rule"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordScannerHit increments the per-rule heuristic scanner hit counter.
// This operationalizes the "grow the pattern set with coverage metrics"
// guidance: an operator can see which rules are pulling weight.
func (m *Metrics) RecordScannerHit(ctx context.Context, rule string) {
	m.ScannerHits.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

// RecordTriggerFire increments the per-trigger fire counter.
func (m *Metrics) RecordTriggerFire(ctx context.Context, triggerID string) {
	m.TriggerFires.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger_id", triggerID)))
}
