package plan_test

import (
	"testing"
	"time"

	"github.com/imlsys/imlcore/internal/domain/plan"
)

func TestReadyActions_RespectsDependencies(t *testing.T) {
	actions := []plan.Action{
		{ID: "a1", Module: "m", Action: "x"},
		{ID: "a2", Module: "m", Action: "y", DependsOn: []string{"a1"}},
	}
	state := plan.NewExecutionState(plan.Plan{PlanID: "p", Actions: actions}, time.Now())

	ready := plan.ReadyActions(actions, state)
	if len(ready) != 1 || ready[0] != "a1" {
		t.Fatalf("expected only a1 ready, got %v", ready)
	}

	rec := state.Actions["a1"]
	rec.State = plan.ActionCompleted
	state.Actions["a1"] = rec

	ready = plan.ReadyActions(actions, state)
	if len(ready) != 1 || ready[0] != "a2" {
		t.Fatalf("expected only a2 ready after a1 completes, got %v", ready)
	}
}

func TestDescendants(t *testing.T) {
	actions := []plan.Action{
		{ID: "a1", Module: "m", Action: "x"},
		{ID: "a2", Module: "m", Action: "x", DependsOn: []string{"a1"}},
		{ID: "a3", Module: "m", Action: "x", DependsOn: []string{"a2"}},
		{ID: "a4", Module: "m", Action: "x"},
	}
	desc := plan.Descendants(actions, "a1")
	want := map[string]bool{"a2": true, "a3": true}
	if len(desc) != len(want) {
		t.Fatalf("expected %d descendants, got %v", len(want), desc)
	}
	for _, d := range desc {
		if !want[d] {
			t.Fatalf("unexpected descendant %q", d)
		}
	}
}

func TestTopologicalOrder(t *testing.T) {
	actions := []plan.Action{
		{ID: "a1", Module: "m", Action: "x"},
		{ID: "a2", Module: "m", Action: "x", DependsOn: []string{"a1"}},
		{ID: "a3", Module: "m", Action: "x", DependsOn: []string{"a1"}},
	}
	order := plan.TopologicalOrder(actions)
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a1"] >= pos["a2"] || pos["a1"] >= pos["a3"] {
		t.Fatalf("expected a1 before a2 and a3, got %v", order)
	}
}
