package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/imlsys/imlcore/internal/config"
	"github.com/imlsys/imlcore/internal/domain/event"
	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/domain/trigger"
	"github.com/imlsys/imlcore/internal/port/database"
	"github.com/imlsys/imlcore/internal/port/notifier"
)

// expirationSweepInterval is the health-loop purge cadence for
// expires_at-bearing triggers, per spec §4.9.
const expirationSweepInterval = 30 * time.Second

// planPollInterval is how often a fired trigger's plan is checked for a
// terminal status. The daemon polls the store rather than the event bus
// because the executor currently appends terminal events straight to the
// eventstore without also publishing them on the queue.
const planPollInterval = 250 * time.Millisecond

// TriggerDaemonService owns every registered trigger's lifecycle: loading
// enabled triggers at start, running one watcher goroutine per trigger,
// arbitrating fires through the priority scheduler and conflict
// resolver, enforcing the chain-depth guard on trigger-spawned plans,
// purging expired triggers, and recording health.
type TriggerDaemonService struct {
	store     database.Store
	executor  *PlanExecutorService
	bus       *EventBusService
	scheduler *PriorityFireScheduler
	conflicts *ConflictResolver
	slack     notifier.Notifier // optional; nil disables "notify:slack" delivery
	onFire    func(ctx context.Context, triggerID string) // otel metrics hook, nil-safe
	span      func(ctx context.Context, triggerID string) (context.Context, func()) // otel tracing hook, nil-safe

	cfg config.Trigger

	watcherFactory func(def trigger.Definition) (TriggerWatcher, error)

	mu       sync.Mutex
	stopFns  map[string]context.CancelFunc // triggerID -> watcher goroutine stop
	fireLog  map[string][]time.Time        // triggerID -> recent fire timestamps, for max_fires_per_hour

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewTriggerDaemonService creates a TriggerDaemonService. slack may be nil.
// onFire, if non-nil, is invoked on every successful fire (wired to
// otel.Metrics.RecordTriggerFire at the composition root).
func NewTriggerDaemonService(
	store database.Store,
	executor *PlanExecutorService,
	bus *EventBusService,
	lock ResourceLock,
	slack notifier.Notifier,
	onFire func(ctx context.Context, triggerID string),
	cfg config.Trigger,
) *TriggerDaemonService {
	if lock == nil {
		lock = NewInProcessResourceLock()
	}
	queueTimeout := time.Duration(cfg.QueueTimeoutSeconds) * time.Second
	d := &TriggerDaemonService{
		store:     store,
		executor:  executor,
		bus:       bus,
		scheduler: NewPriorityFireScheduler(cfg.MaxConcurrentFires),
		slack:     slack,
		onFire:    onFire,
		cfg:       cfg,
		stopFns:   make(map[string]context.CancelFunc),
		fireLog:   make(map[string][]time.Time),
	}
	d.conflicts = NewConflictResolver(lock, queueTimeout, func(planID string) { executor.Cancel(planID) })
	d.watcherFactory = d.defaultWatcherFactory
	return d
}

// SetTracing installs a span-starting hook invoked once per trigger fire,
// bracketing condition-match through plan-submission. Kept as a setter,
// like onFire, so the service layer never imports a concrete tracing
// adapter.
func (d *TriggerDaemonService) SetTracing(span func(ctx context.Context, triggerID string) (context.Context, func())) {
	d.span = span
}

func (d *TriggerDaemonService) defaultWatcherFactory(def trigger.Definition) (TriggerWatcher, error) {
	switch def.Condition.Kind {
	case trigger.ConditionTemporal:
		return NewTemporalWatcher(), nil
	case trigger.ConditionFilesystem:
		return NewFilesystemWatcher(), nil
	case trigger.ConditionProcess:
		return NewProcessWatcher(), nil
	case trigger.ConditionResource:
		return NewResourceWatcher(time.Duration(d.cfg.ResourcePollSeconds) * time.Second), nil
	case trigger.ConditionComposite:
		return NewCompositeWatcher(d.bus), nil
	default:
		return nil, fmt.Errorf("trigger %s: unknown condition kind %q", def.TriggerID, def.Condition.Kind)
	}
}

// Start loads every enabled trigger from the store, launches its watcher,
// and starts the priority scheduler and the expiration/health loop. It
// returns once every initially-enabled trigger is registered; the
// watchers and loops keep running in the background until Stop.
func (d *TriggerDaemonService) Start(ctx context.Context) error {
	d.runCtx, d.runCancel = context.WithCancel(ctx)

	defs, err := d.store.ListTriggers(d.runCtx, true)
	if err != nil {
		return fmt.Errorf("trigger daemon: load enabled triggers: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scheduler.Run(d.runCtx)
	}()

	for _, def := range defs {
		if err := d.startWatcher(def); err != nil {
			slog.Error("trigger daemon: start watcher", "trigger_id", def.TriggerID, "error", err)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.healthLoop(d.runCtx)
	}()

	return nil
}

// Stop cancels the health loop, stops every watcher and waits for their
// goroutines to finish, then lets the scheduler drain.
func (d *TriggerDaemonService) Stop() {
	if d.runCancel == nil {
		return
	}
	d.runCancel()
	d.wg.Wait()
}

// healthLoop purges expired triggers every 30 seconds, per spec §4.9.
func (d *TriggerDaemonService) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(expirationSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.purgeExpired(ctx)
		}
	}
}

func (d *TriggerDaemonService) purgeExpired(ctx context.Context) {
	defs, err := d.store.ListTriggers(ctx, true)
	if err != nil {
		slog.Error("trigger daemon: list triggers for expiration sweep", "error", err)
		return
	}
	now := time.Now()
	for _, def := range defs {
		if !def.IsExpired(now) {
			continue
		}
		slog.Info("trigger daemon: purging expired trigger", "trigger_id", def.TriggerID)
		d.stopWatcher(def.TriggerID)
		if err := d.store.DeleteTrigger(ctx, def.TriggerID); err != nil {
			slog.Error("trigger daemon: delete expired trigger", "trigger_id", def.TriggerID, "error", err)
		}
	}
}

// RegisterTrigger validates the chain-depth guard, persists def, and
// (if enabled and the daemon is running) starts its watcher immediately.
func (d *TriggerDaemonService) RegisterTrigger(ctx context.Context, def trigger.Definition) error {
	if def.ChainDepth > def.EffectiveMaxChainDepth() {
		return fmt.Errorf("trigger %s: chain_depth %d exceeds max_chain_depth %d", def.TriggerID, def.ChainDepth, def.EffectiveMaxChainDepth())
	}
	def.State = trigger.StateRegistered
	now := time.Now()
	def.CreatedAt, def.UpdatedAt = now, now

	if err := d.store.CreateTrigger(ctx, def); err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	if def.Enabled && d.runCtx != nil {
		return d.startWatcher(def)
	}
	return nil
}

// DeregisterTrigger stops the trigger's watcher (if running) and deletes
// its persisted definition.
func (d *TriggerDaemonService) DeregisterTrigger(ctx context.Context, triggerID string) error {
	d.stopWatcher(triggerID)
	return d.store.DeleteTrigger(ctx, triggerID)
}

// Activate enables a registered trigger and starts its watcher if the
// daemon is running. Idempotent: activating an already-active trigger is
// a no-op beyond persisting Enabled=true.
func (d *TriggerDaemonService) Activate(ctx context.Context, triggerID string) error {
	def, err := d.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return fmt.Errorf("get trigger: %w", err)
	}
	if def.Enabled && def.State == trigger.StateWatching {
		return nil
	}
	def.Enabled = true
	if d.runCtx != nil {
		return d.startWatcher(def)
	}
	if err := trigger.Transition(&def, trigger.StateActive); err != nil {
		return err
	}
	def.UpdatedAt = time.Now()
	return d.store.UpdateTrigger(ctx, def)
}

// Deactivate stops a trigger's watcher and marks it INACTIVE without
// deleting its definition.
func (d *TriggerDaemonService) Deactivate(ctx context.Context, triggerID string) error {
	def, err := d.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return fmt.Errorf("get trigger: %w", err)
	}
	d.stopWatcher(triggerID)
	def.Enabled = false
	if trigger.CanTransition(def.State, trigger.StateInactive) {
		def.State = trigger.StateInactive
	}
	def.UpdatedAt = time.Now()
	return d.store.UpdateTrigger(ctx, def)
}

func (d *TriggerDaemonService) stopWatcher(triggerID string) {
	d.mu.Lock()
	cancel, ok := d.stopFns[triggerID]
	if ok {
		delete(d.stopFns, triggerID)
	}
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *TriggerDaemonService) startWatcher(def trigger.Definition) error {
	watcher, err := d.watcherFactory(def)
	if err != nil {
		return err
	}

	if err := trigger.Transition(&def, trigger.StateActive); err != nil {
		return err
	}
	if err := trigger.Transition(&def, trigger.StateWatching); err != nil {
		return err
	}
	if err := d.store.UpdateTrigger(d.backgroundCtx(), def); err != nil {
		return fmt.Errorf("persist trigger activation: %w", err)
	}

	watchCtx, cancel := context.WithCancel(d.runCtx)
	d.mu.Lock()
	d.stopFns[def.TriggerID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		if err := watcher.Watch(watchCtx, def, d.makeFireFunc(def)); err != nil && watchCtx.Err() == nil {
			slog.Error("trigger watcher exited", "trigger_id", def.TriggerID, "error", err)
			d.recordFailure(def.TriggerID, err.Error())
		}
	}()
	return nil
}

func (d *TriggerDaemonService) backgroundCtx() context.Context {
	if d.runCtx != nil {
		return d.runCtx
	}
	return context.Background()
}

// makeFireFunc returns the callback a watcher invokes each time its
// condition is satisfied: it applies throttling, enqueues dispatch on
// the priority scheduler, and — once dispatched — submits the trigger's
// plan template, waits for it to reach a terminal state, and records
// health and downstream notifications.
func (d *TriggerDaemonService) makeFireFunc(def trigger.Definition) TriggerFireFunc {
	return func(ctx context.Context) error {
		if d.scheduler.HasInFlight(def.TriggerID) {
			d.recordThrottle(def.TriggerID)
			return nil // a trigger's new fire is rejected while one is already in flight
		}
		if !d.allowByThrottle(def) {
			d.recordThrottle(def.TriggerID)
			return nil
		}

		d.scheduler.Enqueue(def.TriggerID, def.Priority, func(dispatchCtx context.Context) {
			d.dispatch(dispatchCtx, def)
		})
		return nil
	}
}

// allowByThrottle enforces min_interval_seconds and max_fires_per_hour
// against a local sliding window of recent fire timestamps (Health only
// keeps lifetime counters, not a timestamp series).
func (d *TriggerDaemonService) allowByThrottle(def trigger.Definition) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.fireLog[def.TriggerID]
	if def.Throttle.MinIntervalSeconds > 0 && len(history) > 0 {
		last := history[len(history)-1]
		if now.Sub(last) < time.Duration(def.Throttle.MinIntervalSeconds)*time.Second {
			return false
		}
	}

	maxPerHour := def.Throttle.MaxFiresPerHour
	if maxPerHour <= 0 {
		maxPerHour = d.cfg.DefaultMaxFiresPerHr
	}
	if maxPerHour > 0 {
		cutoff := now.Add(-time.Hour)
		kept := history[:0]
		for _, t := range history {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) >= maxPerHour {
			d.fireLog[def.TriggerID] = kept
			return false
		}
		d.fireLog[def.TriggerID] = append(kept, now)
		return true
	}

	d.fireLog[def.TriggerID] = append(history, now)
	return true
}

// dispatch runs one fire end-to-end: build the plan, acquire any declared
// resource lock, submit the plan, wait for it to finish (or this fire to
// be preempted), then release the lock and record outcome.
func (d *TriggerDaemonService) dispatch(ctx context.Context, def trigger.Definition) {
	if d.span != nil {
		var end func()
		ctx, end = d.span(ctx, def.TriggerID)
		defer end()
	}

	start := time.Now()

	p, err := planFromTemplate(def)
	if err != nil {
		slog.Error("trigger daemon: build plan from template", "trigger_id", def.TriggerID, "error", err)
		d.recordFailure(def.TriggerID, err.Error())
		return
	}

	resourceKey := def.ResourceLock
	acquired, err := d.conflicts.Acquire(ctx, resourceKey, p.PlanID, def.EffectiveConflictPolicy())
	if err != nil {
		slog.Error("trigger daemon: acquire resource lock", "trigger_id", def.TriggerID, "resource_lock", resourceKey, "error", err)
		d.recordFailure(def.TriggerID, err.Error())
		return
	}
	if !acquired {
		d.recordThrottle(def.TriggerID)
		return
	}
	defer d.conflicts.Release(context.WithoutCancel(ctx), resourceKey, p.PlanID)

	if d.bus != nil {
		d.bus.Bind(p.PlanID, def.TriggerID, def.ChainDepth+1, p.CorrelationID)
		defer d.bus.Unbind(p.PlanID)
	}

	if _, err := d.executor.Submit(ctx, p); err != nil {
		slog.Error("trigger daemon: submit plan", "trigger_id", def.TriggerID, "plan_id", p.PlanID, "error", err)
		d.recordFailure(def.TriggerID, err.Error())
		return
	}

	status, err := d.awaitTerminal(ctx, p.PlanID)
	if err != nil {
		d.executor.Cancel(p.PlanID)
		d.recordFailure(def.TriggerID, err.Error())
		return
	}

	latencyMS := float64(time.Since(start).Milliseconds())
	if status == plan.StatusFailed {
		d.recordFailure(def.TriggerID, "plan "+p.PlanID+" ended FAILED")
	} else {
		d.recordFire(ctx, def, latencyMS, status)
	}
}

// awaitTerminal polls the execution state until it is terminal or ctx is
// cancelled (e.g. by scheduler preemption).
func (d *TriggerDaemonService) awaitTerminal(ctx context.Context, planID string) (plan.Status, error) {
	ticker := time.NewTicker(planPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			state, err := d.store.GetExecutionState(ctx, planID)
			if err != nil {
				return "", fmt.Errorf("poll execution state: %w", err)
			}
			switch state.Status {
			case plan.StatusSucceeded, plan.StatusFailed, plan.StatusCancelled:
				return state.Status, nil
			}
		}
	}
}

func (d *TriggerDaemonService) recordFire(ctx context.Context, def trigger.Definition, latencyMS float64, status plan.Status) {
	stored, err := d.store.GetTrigger(ctx, def.TriggerID)
	if err != nil {
		slog.Error("trigger daemon: reload trigger for health update", "trigger_id", def.TriggerID, "error", err)
		return
	}
	stored.Health.RecordFire(time.Now(), latencyMS)
	stored.UpdatedAt = time.Now()
	if err := d.store.UpdateTrigger(ctx, *stored); err != nil {
		slog.Error("trigger daemon: persist health", "trigger_id", def.TriggerID, "error", err)
	}

	if d.onFire != nil {
		d.onFire(ctx, def.TriggerID)
	}
	if d.bus != nil {
		payload := map[string]any{"trigger_id": def.TriggerID, "status": string(status)}
		if err := d.bus.Publish(ctx, event.TypeTriggerFired, triggerFiredTopicPrefix+def.TriggerID, "trigger-daemon", payload, event.Priority(def.Priority)); err != nil {
			slog.Error("trigger daemon: publish fire event", "trigger_id", def.TriggerID, "error", err)
		}
	}
	d.notifyIfTagged(ctx, def, fmt.Sprintf("trigger %s fired", def.Name), "success")
}

func (d *TriggerDaemonService) recordFailure(triggerID, errMsg string) {
	ctx := d.backgroundCtx()
	stored, err := d.store.GetTrigger(ctx, triggerID)
	if err != nil {
		slog.Error("trigger daemon: reload trigger for failure record", "trigger_id", triggerID, "error", err)
		return
	}
	stored.Health.RecordFailure(errMsg)
	stored.UpdatedAt = time.Now()
	if err := d.store.UpdateTrigger(ctx, *stored); err != nil {
		slog.Error("trigger daemon: persist failure", "trigger_id", triggerID, "error", err)
	}
	d.notifyIfTagged(ctx, *stored, fmt.Sprintf("trigger %s failed: %s", stored.Name, errMsg), "error")
}

func (d *TriggerDaemonService) recordThrottle(triggerID string) {
	ctx := d.backgroundCtx()
	stored, err := d.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return
	}
	stored.Health.RecordThrottle()
	stored.UpdatedAt = time.Now()
	_ = d.store.UpdateTrigger(ctx, *stored)
}

func (d *TriggerDaemonService) notifyIfTagged(ctx context.Context, def trigger.Definition, message, level string) {
	if d.slack == nil || !hasTag(def.Tags, "notify:slack") {
		return
	}
	n := notifier.Notification{Title: def.Name, Message: message, Level: level, Source: "trigger." + def.TriggerID}
	if err := d.slack.Send(ctx, n); err != nil {
		slog.Error("trigger daemon: slack notify", "trigger_id", def.TriggerID, "error", err)
	}
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// planFromTemplate materialises a trigger's plan_template into a
// concrete plan.Plan with a freshly minted id, per spec §4.9.
func planFromTemplate(def trigger.Definition) (plan.Plan, error) {
	raw, err := json.Marshal(def.PlanTemplate)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("marshal plan_template: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return plan.Plan{}, fmt.Errorf("unmarshal plan_template: %w", err)
	}
	p.PlanID = event.NewID(time.Now(), nil)
	p.SubmittedAt = time.Now()
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = "1.0"
	}
	return p, nil
}
