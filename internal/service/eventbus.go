package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/imlsys/imlcore/internal/domain/event"
	"github.com/imlsys/imlcore/internal/port/eventstore"
	"github.com/imlsys/imlcore/internal/port/messagequeue"
)

// sessionBinding is the causal context a plan's events inherit once bound.
type sessionBinding struct {
	triggerID     string
	chainDepth    int
	correlationID string
}

// EventBusService is the daemon-wide causal event log: every UniversalEvent
// it appends is first persisted to the eventstore (the durable record of
// causal history) and then published on the configured queue backend
// (in-process fan-out or NATS) for live subscribers. SessionContextPropagator
// lets a trigger-spawned plan's events carry their trigger id and chain
// depth without every caller threading those fields through by hand.
type EventBusService struct {
	store eventstore.Store
	queue messagequeue.Queue

	bindings sync.Map // plan_id -> sessionBinding
}

// NewEventBusService creates an EventBusService over the given durable
// store and pluggable queue backend.
func NewEventBusService(store eventstore.Store, queue messagequeue.Queue) *EventBusService {
	return &EventBusService{store: store, queue: queue}
}

// Bind associates a plan id with the trigger that spawned it, for the
// lifetime of that plan's execution. Unbind releases it once the plan
// reaches a terminal state.
func (b *EventBusService) Bind(planID, triggerID string, chainDepth int, correlationID string) {
	b.bindings.Store(planID, sessionBinding{triggerID: triggerID, chainDepth: chainDepth, correlationID: correlationID})
}

// Unbind releases a plan's session binding.
func (b *EventBusService) Unbind(planID string) {
	b.bindings.Delete(planID)
}

// Publish builds, persists, and fans out a UniversalEvent. The topic is
// normalised (slash or dot form both accepted) before matching against
// subscriber patterns.
func (b *EventBusService) Publish(ctx context.Context, typ event.Type, topic, source string, payload any, priority event.Priority) error {
	ev, err := event.New(time.Now(), typ, topic, source, payload, priority)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	return b.append(ctx, ev)
}

// AppendForPlan builds an event the same way Publish does, but additionally
// folds in any session binding registered for planID (trigger id and chain
// depth become part of the event's metadata, and its correlation id is
// taken from the binding when the caller didn't already set one).
func (b *EventBusService) AppendForPlan(ctx context.Context, planID string, typ event.Type, topic, source string, payload any, priority event.Priority) error {
	ev, err := event.New(time.Now(), typ, topic, source, payload, priority)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	if v, ok := b.bindings.Load(planID); ok {
		binding := v.(sessionBinding)
		if ev.CorrelationID == "" {
			ev.CorrelationID = binding.correlationID
		}
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, 2)
		}
		ev.Metadata["trigger_id"] = binding.triggerID
		ev.Metadata["chain_depth"] = fmt.Sprintf("%d", binding.chainDepth)
	}
	return b.append(ctx, ev)
}

func (b *EventBusService) append(ctx context.Context, ev event.UniversalEvent) error {
	if err := b.store.Append(ctx, &ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if b.queue == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.queue.Publish(ctx, event.NormalizeTopic(ev.Topic), data)
}

// Subscribe registers handler for every event published on a topic matching
// pattern (MQTT-style: `*` one segment, trailing `#` zero-or-more). A
// malformed pattern is rejected. Each message is decoded into a
// UniversalEvent before handler is called; one that does not decode is
// returned as an error instead of reaching handler.
func (b *EventBusService) Subscribe(ctx context.Context, pattern string, handler func(ctx context.Context, ev event.UniversalEvent) error) (func(), error) {
	if _, err := event.CompileTopicPattern(pattern); err != nil {
		return nil, fmt.Errorf("invalid subscription pattern %q: %w", pattern, err)
	}
	if b.queue == nil {
		return func() {}, nil
	}
	return b.queue.Subscribe(ctx, pattern, func(ctx context.Context, _ string, data []byte) error {
		var ev event.UniversalEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		return handler(ctx, ev)
	})
}
