package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/imlsys/imlcore/internal/config"
	"github.com/imlsys/imlcore/internal/domain"
	"github.com/imlsys/imlcore/internal/domain/event"
	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/port/broadcast"
	"github.com/imlsys/imlcore/internal/port/database"
	"github.com/imlsys/imlcore/internal/port/eventstore"
)

// Broadcast event types and payloads the executor emits through
// broadcast.Broadcaster. These mirror the wire contract documented in the
// ws adapter (internal/adapter/ws/events.go); kept here rather than
// imported so the service layer does not depend on a concrete adapter.
const (
	wsEventActionStateChanged = "action.state_changed"
	wsEventPlanStatus         = "plan.status"
)

type actionStateChangedPayload struct {
	PlanID   string `json:"plan_id"`
	ActionID string `json:"action_id"`
	State    string `json:"state"`
}

type planStatusPayload struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// PlanExecutorService runs a single plan's action DAG wave by wave:
// dispatch every currently-ready action concurrently (bounded by a
// global and a per-module semaphore), wait for the wave to settle,
// recompute the ready set, and repeat until every action is terminal.
// This mirrors the teacher's mutex-guarded advancePlan loop, generalized
// from a fixed four-protocol step scheduler to an arbitrary depends_on
// DAG over actions.
type PlanExecutorService struct {
	store    database.Store
	events   eventstore.Store
	hub      broadcast.Broadcaster
	registry *ModuleRegistryService
	template *TemplateResolverService
	cfg      config.Executor

	global     *semaphore.Weighted
	moduleSems map[string]*semaphore.Weighted
	semsMu     sync.Mutex

	runMu sync.Mutex // one mutex for all plans: Run calls for different plans do not advance waves concurrently

	cancelled sync.Map // plan_id -> struct{}; checked at each wave boundary in Run

	// planSpan/actionSpan bracket a plan's full run and each dispatched
	// action with a trace span, if set. Left nil-safe so tests and the
	// in-process wiring path can skip tracing entirely; main.go sets
	// these to the otel adapter's span starters.
	planSpan   func(ctx context.Context, planID, sessionID string) (context.Context, func())
	actionSpan func(ctx context.Context, planID, actionID, module, action string) (context.Context, func())
}

// SetTracing installs span-starting hooks for plan runs and action
// dispatches. Either argument may be nil to leave that span kind
// disabled. Kept as a setter rather than a constructor parameter so the
// service layer never needs to import a concrete tracing adapter.
func (s *PlanExecutorService) SetTracing(
	planSpan func(ctx context.Context, planID, sessionID string) (context.Context, func()),
	actionSpan func(ctx context.Context, planID, actionID, module, action string) (context.Context, func()),
) {
	s.planSpan = planSpan
	s.actionSpan = actionSpan
}

// NewPlanExecutorService creates a PlanExecutorService.
func NewPlanExecutorService(
	store database.Store,
	events eventstore.Store,
	hub broadcast.Broadcaster,
	registry *ModuleRegistryService,
	template *TemplateResolverService,
	cfg config.Executor,
) *PlanExecutorService {
	maxConcurrent := cfg.MaxConcurrentPlans
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &PlanExecutorService{
		store:      store,
		events:     events,
		hub:        hub,
		registry:   registry,
		template:   template,
		cfg:        cfg,
		global:     semaphore.NewWeighted(int64(maxConcurrent)),
		moduleSems: make(map[string]*semaphore.Weighted),
	}
}

// moduleSemaphore returns (creating if necessary) the concurrency
// ceiling for a given module id, per the executor's configured
// module_concurrency limits. A module with no configured limit shares
// only the global ceiling.
func (s *PlanExecutorService) moduleSemaphore(moduleID string) *semaphore.Weighted {
	limit, ok := s.cfg.ModuleConcurrency[moduleID]
	if !ok || limit <= 0 {
		return nil
	}
	s.semsMu.Lock()
	defer s.semsMu.Unlock()
	sem, ok := s.moduleSems[moduleID]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		s.moduleSems[moduleID] = sem
	}
	return sem
}

// Submit validates the plan's DAG, persists it with a fresh QUEUED
// execution state, and starts execution in the background. It returns
// the initial state immediately; callers observe progress via the
// event bus or by polling GetExecutionState.
func (s *PlanExecutorService) Submit(ctx context.Context, p plan.Plan) (*plan.ExecutionState, error) {
	order := plan.TopologicalOrder(p.Actions)
	if len(order) != len(p.Actions) {
		return nil, domain.ErrDAGCycle
	}

	now := time.Now()
	state := plan.NewExecutionState(p, now)

	if err := s.store.CreatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	if err := s.store.SaveExecutionState(ctx, state); err != nil {
		return nil, fmt.Errorf("save execution state: %w", err)
	}

	s.appendEvent(ctx, event.TypePlanSubmitted, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"plan_id": p.PlanID})

	go s.Run(context.WithoutCancel(ctx), p)

	return &state, nil
}

// Run drives a plan's execution to a terminal status. It is safe to
// call directly (e.g. from a resumed-on-restart sweep); Submit invokes
// it in a detached goroutine for the common async path.
func (s *PlanExecutorService) Run(ctx context.Context, p plan.Plan) {
	if s.planSpan != nil {
		var end func()
		ctx, end = s.planSpan(ctx, p.PlanID, p.SessionID)
		defer end()
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	state, err := s.store.GetExecutionState(ctx, p.PlanID)
	if err != nil {
		slog.Error("executor: load state", "plan_id", p.PlanID, "error", err)
		return
	}
	state.Status = plan.StatusRunning
	startedAt := time.Now()
	state.StartedAt = &startedAt
	_ = s.store.SaveExecutionState(ctx, *state)
	s.appendEvent(ctx, event.TypePlanStarted, p.PlanID, p.SessionID, p.CorrelationID, nil)

	actionByID := make(map[string]plan.Action, len(p.Actions))
	for _, a := range p.Actions {
		actionByID[a.ID] = a
	}

	for {
		current, err := s.store.GetExecutionState(ctx, p.PlanID)
		if err != nil {
			slog.Error("executor: reload state", "plan_id", p.PlanID, "error", err)
			return
		}
		if current.AllTerminal() {
			s.finalize(ctx, p, *current)
			return
		}
		if s.consumeCancellation(p.PlanID) {
			now := time.Now()
			current.Status = plan.StatusCancelled
			current.EndedAt = &now
			_ = s.store.SaveExecutionState(ctx, *current)
			s.appendEvent(ctx, event.TypePlanCancelled, p.PlanID, p.SessionID, p.CorrelationID, nil)
			slog.Info("plan cancelled", "plan_id", p.PlanID)
			return
		}

		ready := plan.ReadyActions(p.Actions, *current)
		if len(ready) == 0 {
			if plan.RunningCount(*current) == 0 {
				// Nothing ready, nothing running: remaining actions are
				// stuck on an action that will never complete (e.g. all
				// in WAITING for approval). Wait for external progress.
				return
			}
			// Dispatch within a wave is synchronous (wg.Wait() below), so
			// this should not be reached in normal operation; guard
			// against a busy spin if external state mutation races it.
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var wg sync.WaitGroup
		for _, id := range ready {
			a := actionByID[id]
			if a.RequiresApproval {
				s.markWaitingApproval(ctx, p, a)
				continue
			}
			wg.Add(1)
			go func(a plan.Action) {
				defer wg.Done()
				s.dispatchOne(ctx, p, a)
			}(a)
		}
		wg.Wait()
	}
}

// dispatchOne runs one action through retry/backoff and template
// resolution, updates its record, and cascades abort/continue on
// failure.
func (s *PlanExecutorService) dispatchOne(ctx context.Context, p plan.Plan, a plan.Action) error {
	if s.actionSpan != nil {
		var end func()
		ctx, end = s.actionSpan(ctx, p.PlanID, a.ID, a.Module, a.Action)
		defer end()
	}

	if err := s.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.global.Release(1)

	moduleSem := s.moduleSemaphore(a.Module)
	if moduleSem != nil {
		if err := moduleSem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer moduleSem.Release(1)
	}

	s.setActionState(ctx, p.PlanID, a.ID, plan.ActionRunning, nil, "", true)
	s.appendEvent(ctx, event.TypeActionStateChanged, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"action_id": a.ID, "state": string(plan.ActionRunning)})

	state, err := s.store.GetExecutionState(ctx, p.PlanID)
	if err != nil {
		s.setActionState(ctx, p.PlanID, a.ID, plan.ActionFailed, nil, err.Error(), false)
		return err
	}

	params := a.Params
	if s.template != nil {
		resolved, rerr := s.template.ResolveParams(ctx, a.Params, *state)
		if rerr == nil {
			params = resolved
		}
		// Unresolved templates are not fatal here: a dependency's output
		// may legitimately be absent on the first retry of a flaky
		// upstream action. The dispatch itself will fail against the raw
		// sigil if the module rejects it.
	}

	maxAttempts, backoffSeconds := a.EffectiveRetry(s.cfg.DefaultMaxAttempts, float64(s.cfg.DefaultBackoffSec))
	attempts := 0
	var result map[string]any
	var lastErr error

	b := retry.NewExponential(time.Duration(backoffSeconds * float64(time.Second)))
	b = retry.WithJitterPercent(20, b)
	if maxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(maxAttempts-1), b)
	}

	actionCtx := ctx
	if s.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, s.cfg.ActionTimeout)
		defer cancel()
	}

	if a.Perception != nil && a.Perception.CaptureBefore {
		s.appendEvent(ctx, event.TypeActionPerceptionRequested, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"action_id": a.ID, "capture_ref": p.PlanID + "/" + a.ID + "/before"})
	}

	err = retry.Do(actionCtx, b, func(rctx context.Context) error {
		attempts++
		res, derr := s.registry.Dispatch(rctx, a.Module, a.Action, params)
		if derr != nil {
			lastErr = derr
			return retry.RetryableError(derr)
		}
		if res.Error != "" {
			lastErr = fmt.Errorf("%s", res.Error)
			return retry.RetryableError(lastErr)
		}
		result = res.Output
		return nil
	})

	if a.Perception != nil && a.Perception.CaptureAfter {
		s.appendEvent(ctx, event.TypeActionPerceptionRequested, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"action_id": a.ID, "capture_ref": p.PlanID + "/" + a.ID + "/after"})
	}

	if err != nil {
		s.setActionState(ctx, p.PlanID, a.ID, plan.ActionFailed, nil, lastErr.Error(), false)
		s.recordAttempts(ctx, p.PlanID, a.ID, attempts)
		s.appendEvent(ctx, event.TypeActionFailed, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"action_id": a.ID, "error": lastErr.Error()})
		s.cascadeFailure(ctx, p, a)
		return nil
	}

	if a.Memory != nil && a.Memory.WriteKey != "" && s.template != nil {
		_ = s.template.CacheMemory(ctx, a.Memory.WriteKey, fmt.Sprintf("%v", result))
	}

	s.setActionState(ctx, p.PlanID, a.ID, plan.ActionCompleted, result, "", false)
	s.recordAttempts(ctx, p.PlanID, a.ID, attempts)
	s.appendEvent(ctx, event.TypeActionCompleted, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"action_id": a.ID})
	return nil
}

// cascadeFailure applies the failed action's on_failure policy: abort
// skips every descendant (and, if the plan requests it, triggers a
// rollback sweep); continue leaves siblings untouched so independent
// branches of the DAG keep making progress.
func (s *PlanExecutorService) cascadeFailure(ctx context.Context, p plan.Plan, failed plan.Action) {
	if failed.EffectiveOnFailure() != plan.OnFailureAbort {
		return
	}

	for _, id := range plan.Descendants(p.Actions, failed.ID) {
		s.setActionState(ctx, p.PlanID, id, plan.ActionSkipped, nil, "ancestor action failed", false)
	}

	if p.RollbackOnFail {
		s.rollback(ctx, p)
	}
}

// rollback runs every completed action's compensating body, in reverse
// topological order, best-effort (a rollback failure is logged, not
// retried or propagated — the plan is already terminating FAILED).
func (s *PlanExecutorService) rollback(ctx context.Context, p plan.Plan) {
	order := plan.TopologicalOrder(p.Actions)
	actionByID := make(map[string]plan.Action, len(p.Actions))
	for _, a := range p.Actions {
		actionByID[a.ID] = a
	}

	for i := len(order) - 1; i >= 0; i-- {
		a := actionByID[order[i]]
		if a.Rollback == nil {
			continue
		}
		state, err := s.store.GetExecutionState(ctx, p.PlanID)
		if err != nil {
			continue
		}
		rec := state.Actions[a.ID]
		if rec.State != plan.ActionCompleted {
			continue
		}
		if _, err := s.registry.Dispatch(ctx, a.Rollback.Module, a.Rollback.Action, a.Rollback.Params); err != nil {
			slog.Error("executor: rollback action failed", "plan_id", p.PlanID, "action_id", a.ID, "error", err)
			continue
		}
		s.setActionState(ctx, p.PlanID, a.ID, plan.ActionRolledBack, nil, "", false)
	}
}

// markWaitingApproval parks an action in WAITING and emits the
// approval-requested event; ApproveAction resumes it.
func (s *PlanExecutorService) markWaitingApproval(ctx context.Context, p plan.Plan, a plan.Action) {
	state, err := s.store.GetExecutionState(ctx, p.PlanID)
	if err != nil {
		return
	}
	rec := state.Actions[a.ID]
	if rec.State != plan.ActionPending {
		return
	}
	s.setActionState(ctx, p.PlanID, a.ID, plan.ActionWaiting, nil, "", false)
	s.appendEvent(ctx, event.TypeActionApprovalNeeded, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"action_id": a.ID, "prompt": approvalPrompt(a)})
}

func approvalPrompt(a plan.Action) string {
	if a.Approval != nil {
		return a.Approval.Prompt
	}
	return ""
}

// ApproveAction resumes an action parked in WAITING (by dispatching it
// directly, then resuming the plan's waves with Run) or rejects it by
// marking it FAILED and cascading per its on_failure policy.
func (s *PlanExecutorService) ApproveAction(ctx context.Context, p plan.Plan, actionID string, approved bool) error {
	state, err := s.store.GetExecutionState(ctx, p.PlanID)
	if err != nil {
		return fmt.Errorf("get execution state: %w", err)
	}
	rec, ok := state.Actions[actionID]
	if !ok || rec.State != plan.ActionWaiting {
		return fmt.Errorf("action %s is not awaiting approval", actionID)
	}

	s.appendEvent(ctx, event.TypeActionApprovalResolved, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"action_id": actionID, "approved": approved})

	if !approved {
		s.setActionState(ctx, p.PlanID, actionID, plan.ActionFailed, nil, "rejected by approver", false)
		for _, a := range p.Actions {
			if a.ID == actionID {
				s.cascadeFailure(ctx, p, a)
				break
			}
		}
		return nil
	}

	for _, a := range p.Actions {
		if a.ID == actionID {
			go func(a plan.Action) {
				bg := context.WithoutCancel(ctx)
				_ = s.dispatchOne(bg, p, a)
				s.Run(bg, p)
			}(a)
			break
		}
	}
	return nil
}

func (s *PlanExecutorService) setActionState(ctx context.Context, planID, actionID string, st plan.ActionState, result map[string]any, errMsg string, startedNow bool) {
	rec := plan.ActionRecord{State: st, Result: result, Error: errMsg}
	if prev, err := s.store.GetExecutionState(ctx, planID); err == nil {
		if existing, ok := prev.Actions[actionID]; ok {
			rec.Attempts = existing.Attempts
			rec.StartedAt = existing.StartedAt
		}
	}
	now := time.Now()
	if startedNow {
		rec.StartedAt = &now
	}
	if st.IsTerminal() {
		rec.EndedAt = &now
	}
	if err := s.store.UpdateActionRecord(ctx, planID, actionID, rec); err != nil {
		slog.Error("executor: update action record", "plan_id", planID, "action_id", actionID, "error", err)
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, wsEventActionStateChanged, actionStateChangedPayload{
			PlanID:   planID,
			ActionID: actionID,
			State:    string(st),
		})
	}
}

func (s *PlanExecutorService) recordAttempts(ctx context.Context, planID, actionID string, attempts int) {
	state, err := s.store.GetExecutionState(ctx, planID)
	if err != nil {
		return
	}
	rec := state.Actions[actionID]
	rec.Attempts = attempts
	_ = s.store.UpdateActionRecord(ctx, planID, actionID, rec)
}

// finalize computes and persists the plan's terminal status from its
// final action record set.
func (s *PlanExecutorService) finalize(ctx context.Context, p plan.Plan, state plan.ExecutionState) {
	status := plan.StatusSucceeded
	if state.AnyFailed() {
		status = plan.StatusFailed
	}

	state.Status = status
	now := time.Now()
	state.EndedAt = &now
	if err := s.store.SaveExecutionState(ctx, state); err != nil {
		slog.Error("executor: save final state", "plan_id", p.PlanID, "error", err)
	}

	typ := event.TypePlanSucceeded
	if status == plan.StatusFailed {
		typ = event.TypePlanFailed
	}
	s.appendEvent(ctx, typ, p.PlanID, p.SessionID, p.CorrelationID, map[string]any{"status": string(status)})
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, wsEventPlanStatus, planStatusPayload{PlanID: p.PlanID, Status: string(status)})
	}
	slog.Info("plan finished", "plan_id", p.PlanID, "status", status)
}

// Cancel requests cooperative cancellation of a running plan: the next
// wave boundary in Run observes the request and persists a terminal
// CANCELLED state rather than continuing to dispatch. Used by the
// Trigger Daemon's priority scheduler to preempt a BACKGROUND plan in
// favor of a CRITICAL one (spec §4.9, §5).
func (s *PlanExecutorService) Cancel(planID string) {
	s.cancelled.Store(planID, struct{}{})
}

// consumeCancellation reports and clears a pending cancellation request
// for planID.
func (s *PlanExecutorService) consumeCancellation(planID string) bool {
	_, requested := s.cancelled.LoadAndDelete(planID)
	return requested
}

func (s *PlanExecutorService) appendEvent(ctx context.Context, typ event.Type, planID, sessionID, correlationID string, payload any) {
	if s.events == nil {
		return
	}
	ev, err := event.New(time.Now(), typ, "plans."+planID, "plan-executor", payload, event.PriorityNormal)
	if err != nil {
		slog.Error("executor: build event", "error", err)
		return
	}
	ev.SessionID = sessionID
	ev.CorrelationID = correlationID
	if err := s.events.Append(ctx, &ev); err != nil {
		slog.Error("executor: append event", "error", err)
	}
}
