package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/imlsys/imlcore/internal/domain/plan"
)

// GroupStatus is the aggregate outcome of a Plan Group Executor run.
type GroupStatus string

const (
	GroupAllSucceeded GroupStatus = "all_succeeded"
	GroupPartial      GroupStatus = "partial"
	GroupAllFailed    GroupStatus = "all_failed"
)

const groupPollInterval = 250 * time.Millisecond

// GroupResult is the aggregate {status, per-plan results, per-plan errors,
// wall-clock duration} spec §4.8 asks for.
type GroupResult struct {
	Status      GroupStatus
	PlanResults map[string]*plan.ExecutionState // plan_id -> terminal execution state
	PlanErrors  map[string]error                // plan_id -> submission/poll error, if any
	Duration    time.Duration
}

// PlanGroupExecutorService fans N plans out over the existing
// PlanExecutorService, bounded by a global semaphore sized to the
// caller-supplied max_concurrent ceiling. Per-module concurrency is
// already enforced inside PlanExecutorService's own moduleSemaphore —
// since that map lives on the shared executor instance, it ceilings
// module dispatch across every plan in (and outside) the group for
// free, matching spec §4.8's "per-module semaphores" without a second
// bookkeeping layer.
type PlanGroupExecutorService struct {
	executor *PlanExecutorService
}

// NewPlanGroupExecutorService creates a PlanGroupExecutorService over an
// existing PlanExecutorService.
func NewPlanGroupExecutorService(executor *PlanExecutorService) *PlanGroupExecutorService {
	return &PlanGroupExecutorService{executor: executor}
}

// RunGroup submits every plan in plans, bounded by maxConcurrent
// concurrently-running plans, and blocks until each has reached a
// terminal ExecutionState (or failed to submit). It never returns an
// error itself — per-plan failures are reported in the result.
func (g *PlanGroupExecutorService) RunGroup(ctx context.Context, plans []plan.Plan, maxConcurrent int) (*GroupResult, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = len(plans)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	start := time.Now()
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	type outcome struct {
		planID string
		state  *plan.ExecutionState
		err    error
	}
	outcomes := make(chan outcome, len(plans))

	for _, p := range plans {
		p := p
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes <- outcome{planID: p.PlanID, err: fmt.Errorf("acquire group slot: %w", err)}
			continue
		}
		go func() {
			defer sem.Release(1)
			state, err := g.runOne(ctx, p)
			outcomes <- outcome{planID: p.PlanID, state: state, err: err}
		}()
	}

	result := &GroupResult{
		PlanResults: make(map[string]*plan.ExecutionState, len(plans)),
		PlanErrors:  make(map[string]error),
	}
	for range plans {
		o := <-outcomes
		if o.err != nil {
			result.PlanErrors[o.planID] = o.err
			continue
		}
		result.PlanResults[o.planID] = o.state
	}
	result.Duration = time.Since(start)
	result.Status = aggregateStatus(plans, result)
	return result, nil
}

func (g *PlanGroupExecutorService) runOne(ctx context.Context, p plan.Plan) (*plan.ExecutionState, error) {
	if _, err := g.executor.Submit(ctx, p); err != nil {
		return nil, fmt.Errorf("submit plan %s: %w", p.PlanID, err)
	}

	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			state, err := g.executor.store.GetExecutionState(ctx, p.PlanID)
			if err != nil {
				return nil, fmt.Errorf("poll plan %s: %w", p.PlanID, err)
			}
			if state.Status.IsTerminal() {
				return state, nil
			}
		}
	}
}

func aggregateStatus(plans []plan.Plan, result *GroupResult) GroupStatus {
	succeeded, failed := 0, 0
	for _, p := range plans {
		state, ok := result.PlanResults[p.PlanID]
		if !ok || result.PlanErrors[p.PlanID] != nil {
			failed++
			continue
		}
		if state.Status == plan.StatusSucceeded {
			succeeded++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return GroupAllSucceeded
	case succeeded == 0:
		return GroupAllFailed
	default:
		return GroupPartial
	}
}
