// Package database defines the database store port (interface) backing
// plan, execution-state, and trigger persistence.
package database

import (
	"context"

	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/domain/trigger"
)

// PlanFilter narrows ListPlans to a session or status subset.
type PlanFilter struct {
	SessionID string
	Status    plan.Status // empty = any status
}

// Store is the port interface for persisting plans, their execution
// state, and registered triggers.
type Store interface {
	// Plans
	CreatePlan(ctx context.Context, p plan.Plan) error
	GetPlan(ctx context.Context, planID string) (*plan.Plan, error)
	ListPlans(ctx context.Context, filter PlanFilter) ([]plan.Plan, error)

	// Execution state
	SaveExecutionState(ctx context.Context, state plan.ExecutionState) error
	GetExecutionState(ctx context.Context, planID string) (*plan.ExecutionState, error)
	UpdateActionRecord(ctx context.Context, planID, actionID string, record plan.ActionRecord) error

	// Triggers
	CreateTrigger(ctx context.Context, t trigger.Definition) error
	GetTrigger(ctx context.Context, triggerID string) (*trigger.Definition, error)
	ListTriggers(ctx context.Context, onlyEnabled bool) ([]trigger.Definition, error)
	UpdateTrigger(ctx context.Context, t trigger.Definition) error
	DeleteTrigger(ctx context.Context, triggerID string) error
}
