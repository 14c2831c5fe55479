package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imlsys/imlcore/internal/domain/event"
	"github.com/imlsys/imlcore/internal/domain/trigger"
)

const triggerFiredTopicPrefix = "trigger.fired."

// CompositeWatcher implements the composite trigger condition by
// subscribing to the event bus for its sub-triggers' fire events (topic
// "trigger.fired.<id>", published by TriggerDaemonService.recordFire) and
// combining them per the configured operator.
type CompositeWatcher struct {
	bus *EventBusService
}

// NewCompositeWatcher creates a CompositeWatcher over the daemon's bus.
func NewCompositeWatcher(bus *EventBusService) *CompositeWatcher {
	return &CompositeWatcher{bus: bus}
}

func (w *CompositeWatcher) Watch(ctx context.Context, def trigger.Definition, fire TriggerFireFunc) error {
	cond := def.Condition.Composite
	if cond == nil {
		return fmt.Errorf("composite watcher %s: condition missing", def.TriggerID)
	}
	if len(cond.SubTriggerIDs) == 0 {
		return fmt.Errorf("composite watcher %s: no sub_trigger_ids", def.TriggerID)
	}

	subs := make(map[string]bool, len(cond.SubTriggerIDs))
	for _, id := range cond.SubTriggerIDs {
		subs[id] = true
	}

	fires := make(chan string, 32)
	unsub, err := w.bus.Subscribe(ctx, triggerFiredTopicPrefix+"*", func(ctx context.Context, ev event.UniversalEvent) error {
		id := strings.TrimPrefix(ev.Topic, triggerFiredTopicPrefix)
		if !subs[id] {
			return nil
		}
		select {
		case fires <- id:
		default: // a saturated channel means a very hot sub-trigger; drop rather than block the bus
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("composite watcher %s: subscribe: %w", def.TriggerID, err)
	}
	defer unsub()

	switch cond.Op {
	case trigger.CompositeOR:
		return w.watchOR(ctx, fires, fire)
	case trigger.CompositeAND:
		return w.watchAND(ctx, cond, fires, fire)
	case trigger.CompositeNOT:
		return w.watchNOT(ctx, cond, fires, fire)
	case trigger.CompositeSEQ:
		return w.watchSEQ(ctx, cond, fires, fire)
	case trigger.CompositeWINDOW:
		return w.watchWINDOW(ctx, cond, fires, fire)
	default:
		return fmt.Errorf("composite watcher %s: unknown op %q", def.TriggerID, cond.Op)
	}
}

func (w *CompositeWatcher) watchOR(ctx context.Context, fires <-chan string, fire TriggerFireFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fires:
			if err := fire(ctx); err != nil {
				return err
			}
		}
	}
}

// watchAND fires once every sub-trigger id has been observed within a
// rolling TimeoutSeconds window; the window resets (without firing) if
// it elapses before the full set is seen.
func (w *CompositeWatcher) watchAND(ctx context.Context, cond *trigger.CompositeCondition, fires <-chan string, fire TriggerFireFunc) error {
	timeout := secondsOrDefault(cond.TimeoutSeconds, time.Hour)
	seen := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time
	reset := func() {
		seen = make(map[string]bool)
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timerC:
			reset()
		case id := <-fires:
			if timer == nil {
				timer = time.NewTimer(timeout)
				timerC = timer.C
			}
			seen[id] = true
			if allPresent(cond.SubTriggerIDs, seen) {
				reset()
				if err := fire(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// watchNOT fires when its sole sub-trigger stays silent for SilenceSeconds.
func (w *CompositeWatcher) watchNOT(ctx context.Context, cond *trigger.CompositeCondition, fires <-chan string, fire TriggerFireFunc) error {
	silence := secondsOrDefault(cond.SilenceSeconds, time.Hour)
	timer := time.NewTimer(silence)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fires:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(silence)
		case <-timer.C:
			if err := fire(ctx); err != nil {
				return err
			}
			timer.Reset(silence)
		}
	}
}

// watchSEQ fires when sub-trigger ids are observed in the declared order
// within TimeoutSeconds of the first one; any out-of-order fire resets
// progress back to the start.
func (w *CompositeWatcher) watchSEQ(ctx context.Context, cond *trigger.CompositeCondition, fires <-chan string, fire TriggerFireFunc) error {
	timeout := secondsOrDefault(cond.TimeoutSeconds, time.Hour)
	next := 0
	var timer *time.Timer
	var timerC <-chan time.Time
	reset := func() {
		next = 0
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timerC:
			reset()
		case id := <-fires:
			if id != cond.SubTriggerIDs[next] {
				reset()
				continue
			}
			if next == 0 {
				timer = time.NewTimer(timeout)
				timerC = timer.C
			}
			next++
			if next == len(cond.SubTriggerIDs) {
				reset()
				if err := fire(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// watchWINDOW fires once the sub-triggers have fired WindowThreshold
// times within a rolling WindowSeconds window.
func (w *CompositeWatcher) watchWINDOW(ctx context.Context, cond *trigger.CompositeCondition, fires <-chan string, fire TriggerFireFunc) error {
	window := secondsOrDefault(cond.WindowSeconds, time.Hour)
	threshold := cond.WindowThreshold
	if threshold <= 0 {
		threshold = 1
	}

	var times []time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fires:
			now := time.Now()
			cutoff := now.Add(-window)
			kept := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					kept = append(kept, t)
				}
			}
			times = append(kept, now)
			if len(times) >= threshold {
				times = nil
				if err := fire(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func allPresent(ids []string, seen map[string]bool) bool {
	for _, id := range ids {
		if !seen[id] {
			return false
		}
	}
	return true
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
