package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/domain/trigger"
	"github.com/imlsys/imlcore/internal/port/database"
)

// Store implements database.Store over PostgreSQL: plans and their
// execution state live in the plans/actions tables, trigger definitions
// in triggers. The executor exclusively owns an ExecutionState while its
// plan is RUNNING, so SaveExecutionState is a plain upsert, not a
// compare-and-swap.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// planEnvelope is the shape persisted in plans.data: the immutable plan
// body plus the rejection detail, which per spec round-trips verbatim
// inside the JSON column rather than as its own table.
type planEnvelope struct {
	Plan             plan.Plan              `json:"plan"`
	RejectionDetails *plan.RejectionDetails `json:"rejection_details,omitempty"`
}

func (s *Store) CreatePlan(ctx context.Context, p plan.Plan) error {
	env := planEnvelope{Plan: p}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	now := time.Now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO plans (plan_id, status, session_id, created_at, updated_at, data)
		 VALUES ($1, $2, $3, $4, $4, $5)
		 ON CONFLICT (plan_id) DO NOTHING`,
		p.PlanID, string(plan.StatusQueued), p.SessionID, now, data)
	if err != nil {
		return fmt.Errorf("create plan %s: %w", p.PlanID, err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM plans WHERE plan_id = $1`, planID).Scan(&data)
	if err != nil {
		return nil, notFoundWrap(err, "get plan %s", planID)
	}
	var env planEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", planID, err)
	}
	return &env.Plan, nil
}

func (s *Store) ListPlans(ctx context.Context, filter database.PlanFilter) ([]plan.Plan, error) {
	args := []any{}
	where := ""
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM plans WHERE true`+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []plan.Plan
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		var env planEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		plans = append(plans, env.Plan)
	}
	return plans, rows.Err()
}

// SaveExecutionState upserts the plan's aggregate status/timestamps/
// rejection detail and every action record, in one transaction so a
// reader never observes a plan status without its matching action rows.
func (s *Store) SaveExecutionState(ctx context.Context, state plan.ExecutionState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing []byte
	if err := tx.QueryRow(ctx, `SELECT data FROM plans WHERE plan_id = $1 FOR UPDATE`, state.PlanID).Scan(&existing); err != nil {
		return notFoundWrap(err, "save execution state %s", state.PlanID)
	}
	var env planEnvelope
	if err := json.Unmarshal(existing, &env); err != nil {
		return fmt.Errorf("decode existing plan %s: %w", state.PlanID, err)
	}
	env.RejectionDetails = state.RejectionDetails
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", state.PlanID, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE plans SET status = $2, updated_at = $3, started_at = $4, ended_at = $5, data = $6 WHERE plan_id = $1`,
		state.PlanID, string(state.Status), state.UpdatedAt, state.StartedAt, state.EndedAt, data)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", state.PlanID, err)
	}

	for actionID, record := range state.Actions {
		if err := upsertActionTx(ctx, tx, state.PlanID, actionID, record); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func upsertActionTx(ctx context.Context, tx pgx.Tx, planID, actionID string, record plan.ActionRecord) error {
	result, err := json.Marshal(record.Result)
	if err != nil {
		return fmt.Errorf("marshal action result %s/%s: %w", planID, actionID, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO actions (plan_id, action_id, state, attempts, started_at, ended_at, result, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (plan_id, action_id) DO UPDATE SET
		   state = EXCLUDED.state, attempts = EXCLUDED.attempts,
		   started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at,
		   result = EXCLUDED.result, error = EXCLUDED.error`,
		planID, actionID, string(record.State), record.Attempts, record.StartedAt, record.EndedAt, result, record.Error)
	if err != nil {
		return fmt.Errorf("upsert action %s/%s: %w", planID, actionID, err)
	}
	return nil
}

func (s *Store) GetExecutionState(ctx context.Context, planID string) (*plan.ExecutionState, error) {
	var data []byte
	var status string
	var createdAt, updatedAt time.Time
	var startedAt, endedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT status, created_at, updated_at, started_at, ended_at, data FROM plans WHERE plan_id = $1`, planID).
		Scan(&status, &createdAt, &updatedAt, &startedAt, &endedAt, &data)
	if err != nil {
		return nil, notFoundWrap(err, "get execution state %s", planID)
	}
	var env planEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", planID, err)
	}

	actions, err := s.loadActions(ctx, planID)
	if err != nil {
		return nil, err
	}

	return &plan.ExecutionState{
		PlanID:           planID,
		Status:           plan.Status(status),
		Actions:          actions,
		RejectionDetails: env.RejectionDetails,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
		StartedAt:        startedAt,
		EndedAt:          endedAt,
	}, nil
}

func (s *Store) loadActions(ctx context.Context, planID string) (map[string]plan.ActionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT action_id, state, attempts, started_at, ended_at, result, error FROM actions WHERE plan_id = $1`, planID)
	if err != nil {
		return nil, fmt.Errorf("load actions %s: %w", planID, err)
	}
	defer rows.Close()

	actions := make(map[string]plan.ActionRecord)
	for rows.Next() {
		var actionID, state, errMsg string
		var attempts int
		var startedAt, endedAt *time.Time
		var resultRaw []byte
		if err := rows.Scan(&actionID, &state, &attempts, &startedAt, &endedAt, &resultRaw, &errMsg); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		var result map[string]any
		if len(resultRaw) > 0 {
			if err := json.Unmarshal(resultRaw, &result); err != nil {
				return nil, fmt.Errorf("decode action result %s/%s: %w", planID, actionID, err)
			}
		}
		actions[actionID] = plan.ActionRecord{
			State:     plan.ActionState(state),
			Result:    result,
			Error:     errMsg,
			Attempts:  attempts,
			StartedAt: startedAt,
			EndedAt:   endedAt,
		}
	}
	return actions, rows.Err()
}

func (s *Store) UpdateActionRecord(ctx context.Context, planID, actionID string, record plan.ActionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertActionTx(ctx, tx, planID, actionID, record); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE plans SET updated_at = $2 WHERE plan_id = $1`, planID, time.Now())
	if err := execExpectOne(tag, err, "update plan %s touch", planID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateTrigger(ctx context.Context, t trigger.Definition) error {
	definition, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger %s: %w", t.TriggerID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO triggers (trigger_id, name, state, enabled, definition, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.TriggerID, t.Name, string(t.State), t.Enabled, definition, t.CreatedAt, t.UpdatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create trigger %s: %w", t.TriggerID, err)
	}
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, triggerID string) (*trigger.Definition, error) {
	var state string
	var enabled bool
	var definition []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state, enabled, definition FROM triggers WHERE trigger_id = $1`, triggerID).
		Scan(&state, &enabled, &definition)
	if err != nil {
		return nil, notFoundWrap(err, "get trigger %s", triggerID)
	}
	return decodeTrigger(state, enabled, definition)
}

func (s *Store) ListTriggers(ctx context.Context, onlyEnabled bool) ([]trigger.Definition, error) {
	query := `SELECT state, enabled, definition FROM triggers`
	if onlyEnabled {
		query += ` WHERE enabled = true`
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var defs []trigger.Definition
	for rows.Next() {
		var state string
		var enabled bool
		var definition []byte
		if err := rows.Scan(&state, &enabled, &definition); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		def, err := decodeTrigger(state, enabled, definition)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

// decodeTrigger unmarshals the stored definition and then overwrites its
// State/Enabled fields from the dedicated columns: those columns are
// authoritative, per spec's ownership rule on the trigger store.
func decodeTrigger(state string, enabled bool, definition []byte) (*trigger.Definition, error) {
	var def trigger.Definition
	if err := json.Unmarshal(definition, &def); err != nil {
		return nil, fmt.Errorf("decode trigger definition: %w", err)
	}
	def.State = trigger.State(state)
	def.Enabled = enabled
	return &def, nil
}

func (s *Store) UpdateTrigger(ctx context.Context, t trigger.Definition) error {
	definition, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger %s: %w", t.TriggerID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE triggers SET name = $2, state = $3, enabled = $4, definition = $5, updated_at = $6, expires_at = $7
		 WHERE trigger_id = $1`,
		t.TriggerID, t.Name, string(t.State), t.Enabled, definition, t.UpdatedAt, t.ExpiresAt)
	return execExpectOne(tag, err, "update trigger %s", t.TriggerID)
}

func (s *Store) DeleteTrigger(ctx context.Context, triggerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM triggers WHERE trigger_id = $1`, triggerID)
	return execExpectOne(tag, err, "delete trigger %s", triggerID)
}

var _ database.Store = (*Store)(nil)
