package service

import (
	"context"
	"testing"
	"time"

	"github.com/imlsys/imlcore/internal/adapter/inproc"
	"github.com/imlsys/imlcore/internal/domain/event"
)

func TestEventBusPublishPersistsAndFansOut(t *testing.T) {
	store := &memEventStore{}
	queue := inproc.New()
	bus := NewEventBusService(store, queue)

	received := make(chan event.UniversalEvent, 1)
	cancel, err := bus.Subscribe(context.Background(), "plans.*", func(_ context.Context, ev event.UniversalEvent) error {
		received <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := bus.Publish(context.Background(), event.TypePlanSubmitted, "plans.submitted", "test", map[string]string{"plan_id": "p1"}, event.PriorityNormal); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Type != event.TypePlanSubmitted {
			t.Errorf("got type %s, want %s", ev.Type, event.TypePlanSubmitted)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fan-out")
	}

	store.mu.Lock()
	n := len(store.events)
	store.mu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 persisted event, got %d", n)
	}
}

func TestEventBusAppendForPlanInheritsBinding(t *testing.T) {
	store := &memEventStore{}
	bus := NewEventBusService(store, nil)

	bus.Bind("p1", "trigger-7", 2, "corr-1")
	defer bus.Unbind("p1")

	if err := bus.AppendForPlan(context.Background(), "p1", event.TypeActionCompleted, "plans.p1", "executor", nil, event.PriorityNormal); err != nil {
		t.Fatalf("AppendForPlan: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(store.events))
	}
	ev := store.events[0]
	if ev.CorrelationID != "corr-1" {
		t.Errorf("correlation_id = %q, want corr-1", ev.CorrelationID)
	}
	if ev.Metadata["trigger_id"] != "trigger-7" {
		t.Errorf("metadata trigger_id = %q, want trigger-7", ev.Metadata["trigger_id"])
	}
	if ev.Metadata["chain_depth"] != "2" {
		t.Errorf("metadata chain_depth = %q, want 2", ev.Metadata["chain_depth"])
	}
}
