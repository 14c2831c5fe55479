package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imlsys/imlcore/internal/adapter/postgres"
	"github.com/imlsys/imlcore/internal/domain"
	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/domain/trigger"
	"github.com/imlsys/imlcore/internal/port/database"

	"errors"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func testPlan(t *testing.T) plan.Plan {
	t.Helper()
	return plan.Plan{
		PlanID:          uuid.New().String(),
		ProtocolVersion: plan.ProtocolVersion,
		Description:     "integration test plan",
		PlanMode:        plan.ModeDirect,
		SessionID:       "session-" + uuid.New().String()[:8],
		CorrelationID:   uuid.New().String(),
		SubmittedAt:     time.Now().UTC().Truncate(time.Millisecond),
		Actions: []plan.Action{
			{ID: "a1", Module: "fs", Action: "write_file", Params: map[string]any{"path": "/tmp/x"}},
			{ID: "a2", Module: "fs", Action: "read_file", Params: map[string]any{"path": "/tmp/x"}, DependsOn: []string{"a1"}},
		},
	}
}

func TestStore_PlanCreateGetList(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	p := testPlan(t)

	if err := store.CreatePlan(ctx, p); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	got, err := store.GetPlan(ctx, p.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.PlanID != p.PlanID || len(got.Actions) != 2 {
		t.Fatalf("round-tripped plan mismatch: %+v", got)
	}

	plans, err := store.ListPlans(ctx, database.PlanFilter{SessionID: p.SessionID})
	if err != nil {
		t.Fatalf("list plans: %v", err)
	}
	if len(plans) != 1 || plans[0].PlanID != p.PlanID {
		t.Fatalf("expected single listed plan, got %+v", plans)
	}
}

func TestStore_PlanNotFound(t *testing.T) {
	store := setupStore(t)
	_, err := store.GetPlan(context.Background(), "does-not-exist")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ExecutionStateLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	p := testPlan(t)

	if err := store.CreatePlan(ctx, p); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	state := plan.NewExecutionState(p, time.Now().UTC().Truncate(time.Millisecond))
	if err := store.SaveExecutionState(ctx, state); err != nil {
		t.Fatalf("save execution state: %v", err)
	}

	got, err := store.GetExecutionState(ctx, p.PlanID)
	if err != nil {
		t.Fatalf("get execution state: %v", err)
	}
	if got.Status != plan.StatusQueued || len(got.Actions) != 2 {
		t.Fatalf("unexpected initial state: %+v", got)
	}
	for _, rec := range got.Actions {
		if rec.State != plan.ActionPending {
			t.Errorf("expected all actions pending, got %s", rec.State)
		}
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.UpdateActionRecord(ctx, p.PlanID, "a1", plan.ActionRecord{
		State:     plan.ActionCompleted,
		Result:    map[string]any{"bytes_written": float64(12)},
		Attempts:  1,
		StartedAt: &now,
		EndedAt:   &now,
	}); err != nil {
		t.Fatalf("update action record: %v", err)
	}

	got, err = store.GetExecutionState(ctx, p.PlanID)
	if err != nil {
		t.Fatalf("get execution state after update: %v", err)
	}
	if got.Actions["a1"].State != plan.ActionCompleted {
		t.Fatalf("expected a1 completed, got %s", got.Actions["a1"].State)
	}
	if got.Actions["a2"].State != plan.ActionPending {
		t.Fatalf("expected a2 untouched, got %s", got.Actions["a2"].State)
	}

	state.Status = plan.StatusRejected
	state.RejectionDetails = &plan.RejectionDetails{
		Source:   "scanner_pipeline",
		Verdict:  "REJECT",
		RiskScore: 0.95,
	}
	if err := store.SaveExecutionState(ctx, state); err != nil {
		t.Fatalf("save rejected state: %v", err)
	}
	got, err = store.GetExecutionState(ctx, p.PlanID)
	if err != nil {
		t.Fatalf("get execution state after rejection: %v", err)
	}
	if got.Status != plan.StatusRejected || got.RejectionDetails == nil || got.RejectionDetails.Source != "scanner_pipeline" {
		t.Fatalf("rejection details did not round-trip: %+v", got)
	}
}

func testTrigger(t *testing.T) trigger.Definition {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	return trigger.Definition{
		TriggerID: uuid.New().String(),
		Name:      "nightly-backup",
		State:     trigger.StateRegistered,
		Enabled:   true,
		Condition: trigger.Condition{
			Kind:     trigger.ConditionTemporal,
			Temporal: &trigger.TemporalCondition{Mode: trigger.TemporalCron, CronExpr: "0 2 * * *"},
		},
		PlanTemplate: map[string]any{
			"description": "run backup",
		},
		Priority:  trigger.PriorityNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_TriggerCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	def := testTrigger(t)

	if err := store.CreateTrigger(ctx, def); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	got, err := store.GetTrigger(ctx, def.TriggerID)
	if err != nil {
		t.Fatalf("get trigger: %v", err)
	}
	if got.Name != def.Name || got.State != trigger.StateRegistered {
		t.Fatalf("round-tripped trigger mismatch: %+v", got)
	}

	got.State = trigger.StateActive
	got.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := store.UpdateTrigger(ctx, *got); err != nil {
		t.Fatalf("update trigger: %v", err)
	}

	list, err := store.ListTriggers(ctx, true)
	if err != nil {
		t.Fatalf("list triggers: %v", err)
	}
	found := false
	for _, d := range list {
		if d.TriggerID == def.TriggerID {
			found = true
			if d.State != trigger.StateActive {
				t.Errorf("expected active state in list, got %s", d.State)
			}
		}
	}
	if !found {
		t.Fatal("expected trigger in enabled list")
	}

	if err := store.DeleteTrigger(ctx, def.TriggerID); err != nil {
		t.Fatalf("delete trigger: %v", err)
	}
	if _, err := store.GetTrigger(ctx, def.TriggerID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
