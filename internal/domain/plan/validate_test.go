package plan_test

import (
	"testing"
	"time"

	"github.com/imlsys/imlcore/internal/domain/plan"
)

func basicPlan() plan.Plan {
	return plan.Plan{
		PlanID:          "p1",
		ProtocolVersion: plan.ProtocolVersion,
		PlanMode:        plan.ModeDirect,
		SubmittedAt:     time.Now(),
		Actions: []plan.Action{
			{ID: "a1", Module: "filesystem", Action: "read_file"},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := plan.Validate(basicPlan()); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}
}

func TestValidate_Cycle(t *testing.T) {
	p := basicPlan()
	p.Actions = []plan.Action{
		{ID: "a1", Module: "m", Action: "x", DependsOn: []string{"a2"}},
		{ID: "a2", Module: "m", Action: "x", DependsOn: []string{"a1"}},
	}
	err := plan.Validate(p)
	if err == nil {
		t.Fatal("expected a cycle validation error")
	}
	verr, ok := err.(*plan.ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	found := false
	for _, v := range verr.Violations {
		if len(v) > 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected at least one violation describing the cycle")
	}
}

func TestValidate_UnresolvedDependency(t *testing.T) {
	p := basicPlan()
	p.Actions[0].DependsOn = []string{"nope"}
	if err := plan.Validate(p); err == nil {
		t.Fatal("expected validation error for unresolved dependency")
	}
}

func TestValidate_TemplateNotDependency(t *testing.T) {
	p := basicPlan()
	p.Actions = []plan.Action{
		{ID: "a1", Module: "m", Action: "x"},
		{ID: "a2", Module: "m", Action: "y", Params: map[string]any{
			"content": "{{result.a1.output}}",
		}},
	}
	// a2 does not depend_on a1, so the template reference is invalid.
	if err := plan.Validate(p); err == nil {
		t.Fatal("expected validation error for template referencing a non-dependency")
	}
}

func TestValidate_TemplateValid(t *testing.T) {
	p := basicPlan()
	p.Actions = []plan.Action{
		{ID: "a1", Module: "m", Action: "x"},
		{ID: "a2", Module: "m", Action: "y", DependsOn: []string{"a1"}, Params: map[string]any{
			"content": "{{result.a1.output}}",
		}},
	}
	if err := plan.Validate(p); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}
}

func TestValidate_CompiledRequiresTrace(t *testing.T) {
	p := basicPlan()
	p.PlanMode = plan.ModeCompiled
	if err := plan.Validate(p); err == nil {
		t.Fatal("expected validation error for missing compiler_trace")
	}
}

func TestValidate_CompiledWithTrace(t *testing.T) {
	p := basicPlan()
	p.PlanMode = plan.ModeCompiled
	p.CompilerTrace = &plan.CompilerTrace{Phases: [4]plan.CompilerPhase{
		{Name: "decompose"}, {Name: "plan"}, {Name: "verify"}, {Name: "emit"},
	}}
	if err := plan.Validate(p); err != nil {
		t.Fatalf("expected valid compiled plan, got %v", err)
	}
}

func TestValidate_DuplicateActionID(t *testing.T) {
	p := basicPlan()
	p.Actions = []plan.Action{
		{ID: "a1", Module: "m", Action: "x"},
		{ID: "a1", Module: "m", Action: "y"},
	}
	if err := plan.Validate(p); err == nil {
		t.Fatal("expected validation error for duplicate action id")
	}
}
