package service

import (
	"context"
	"testing"

	"github.com/imlsys/imlcore/internal/domain/plan"
)

func TestPlanGroupAllSucceeded(t *testing.T) {
	exec, _ := testExecutor(t)
	group := NewPlanGroupExecutorService(exec)

	plans := []plan.Plan{
		{
			PlanID:          "g1",
			ProtocolVersion: plan.ProtocolVersion,
			PlanMode:        plan.ModeDirect,
			Actions:         []plan.Action{{ID: "a", Module: "demo", Action: "echo", Params: map[string]any{"value": "x"}}},
		},
		{
			PlanID:          "g2",
			ProtocolVersion: plan.ProtocolVersion,
			PlanMode:        plan.ModeDirect,
			Actions:         []plan.Action{{ID: "a", Module: "demo", Action: "echo", Params: map[string]any{"value": "y"}}},
		},
	}

	result, err := group.RunGroup(context.Background(), plans, 2)
	if err != nil {
		t.Fatalf("RunGroup: %v", err)
	}
	if result.Status != GroupAllSucceeded {
		t.Errorf("expected all_succeeded, got %s", result.Status)
	}
	if len(result.PlanResults) != 2 {
		t.Errorf("expected 2 plan results, got %d", len(result.PlanResults))
	}
	for _, p := range plans {
		state, ok := result.PlanResults[p.PlanID]
		if !ok {
			t.Fatalf("missing result for %s", p.PlanID)
		}
		if state.Status != plan.StatusSucceeded {
			t.Errorf("plan %s: expected SUCCEEDED, got %s", p.PlanID, state.Status)
		}
	}
}

func TestPlanGroupPartialFailure(t *testing.T) {
	exec, _ := testExecutor(t)
	group := NewPlanGroupExecutorService(exec)

	plans := []plan.Plan{
		{
			PlanID:          "g3",
			ProtocolVersion: plan.ProtocolVersion,
			PlanMode:        plan.ModeDirect,
			Actions:         []plan.Action{{ID: "a", Module: "demo", Action: "echo"}},
		},
		{
			PlanID:          "g4",
			ProtocolVersion: plan.ProtocolVersion,
			PlanMode:        plan.ModeDirect,
			Actions:         []plan.Action{{ID: "a", Module: "demo", Action: "fail", OnFailure: plan.OnFailureAbort}},
		},
	}

	result, err := group.RunGroup(context.Background(), plans, 2)
	if err != nil {
		t.Fatalf("RunGroup: %v", err)
	}
	if result.Status != GroupPartial {
		t.Errorf("expected partial, got %s", result.Status)
	}
	if result.PlanResults["g3"].Status != plan.StatusSucceeded {
		t.Errorf("expected g3 SUCCEEDED, got %s", result.PlanResults["g3"].Status)
	}
	if result.PlanResults["g4"].Status != plan.StatusFailed {
		t.Errorf("expected g4 FAILED, got %s", result.PlanResults["g4"].Status)
	}
}

func TestPlanGroupAllFailed(t *testing.T) {
	exec, _ := testExecutor(t)
	group := NewPlanGroupExecutorService(exec)

	plans := []plan.Plan{
		{
			PlanID:          "g5",
			ProtocolVersion: plan.ProtocolVersion,
			PlanMode:        plan.ModeDirect,
			Actions:         []plan.Action{{ID: "a", Module: "demo", Action: "fail", OnFailure: plan.OnFailureAbort}},
		},
	}

	result, err := group.RunGroup(context.Background(), plans, 1)
	if err != nil {
		t.Fatalf("RunGroup: %v", err)
	}
	if result.Status != GroupAllFailed {
		t.Errorf("expected all_failed, got %s", result.Status)
	}
	if result.Duration <= 0 {
		t.Errorf("expected a positive duration, got %v", result.Duration)
	}
}

func TestPlanGroupDefaultsMaxConcurrentToPlanCount(t *testing.T) {
	exec, _ := testExecutor(t)
	group := NewPlanGroupExecutorService(exec)

	plans := []plan.Plan{
		{
			PlanID:          "g6",
			ProtocolVersion: plan.ProtocolVersion,
			PlanMode:        plan.ModeDirect,
			Actions:         []plan.Action{{ID: "a", Module: "demo", Action: "echo"}},
		},
	}

	result, err := group.RunGroup(context.Background(), plans, 0)
	if err != nil {
		t.Fatalf("RunGroup: %v", err)
	}
	if result.Status != GroupAllSucceeded {
		t.Errorf("expected all_succeeded, got %s", result.Status)
	}
}
