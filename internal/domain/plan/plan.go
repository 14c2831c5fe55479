// Package plan defines the IML v2 plan/action entities: the DAG of work
// submitted by an LLM client and the durable execution record the daemon
// keeps for it.
package plan

import "time"

// ProtocolVersion is the only IML wire version this daemon accepts.
const ProtocolVersion = "2.0"

// Mode selects how a plan was produced.
type Mode string

const (
	ModeDirect   Mode = "direct"
	ModeCompiled Mode = "compiled"
)

// Status is the aggregate lifecycle state of a plan.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// IsTerminal reports whether the plan status will never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ActionState is the lifecycle state of a single action.
type ActionState string

const (
	ActionPending    ActionState = "PENDING"
	ActionWaiting    ActionState = "WAITING"
	ActionRunning    ActionState = "RUNNING"
	ActionCompleted  ActionState = "COMPLETED"
	ActionFailed     ActionState = "FAILED"
	ActionSkipped    ActionState = "SKIPPED"
	ActionRolledBack ActionState = "ROLLED_BACK"
)

// IsTerminal reports whether the action will never transition again.
func (s ActionState) IsTerminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionSkipped, ActionRolledBack:
		return true
	}
	return false
}

// OnFailure is the cascade policy applied to an action's descendants when
// the action itself terminates FAILED.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureContinue OnFailure = "continue"
)

// CompilerPhase is one named stage of a compiled plan's trace.
type CompilerPhase struct {
	Name    string    `json:"name"`
	Output  string    `json:"output,omitempty"`
	Started time.Time `json:"started_at,omitempty"`
	Ended   time.Time `json:"ended_at,omitempty"`
}

// CompilerTrace records the four named phases a compiled plan passed
// through before being emitted as a runnable action list.
type CompilerTrace struct {
	Phases [4]CompilerPhase `json:"phases"`
}

// PhaseNames are the four compiler phases in order, as required for a
// compiled plan's CompilerTrace to be considered non-empty.
var PhaseNames = [4]string{"decompose", "plan", "verify", "emit"}

// Retry configures an action's retry-on-failure behaviour.
type Retry struct {
	MaxAttempts    int     `json:"max_attempts"`
	BackoffSeconds float64 `json:"backoff_seconds"`
}

// Approval carries the human-facing prompt for a requires_approval action.
type Approval struct {
	Prompt                string   `json:"prompt"`
	ClarificationOptions  []string `json:"clarification_options,omitempty"`
}

// Perception carries before/after capture hints for an action. The capture
// pipeline itself is an external collaborator; the executor only emits the
// request events these hints describe.
type Perception struct {
	CaptureBefore bool `json:"capture_before,omitempty"`
	CaptureAfter  bool `json:"capture_after,omitempty"`
}

// MemoryRefs names the session-memory keys an action reads and the key (if
// any) its result is written back under.
type MemoryRefs struct {
	ReadKeys []string `json:"read_keys,omitempty"`
	WriteKey string   `json:"write_key,omitempty"`
}

// Rollback is a compensating action body, structurally an action but not a
// member of the main DAG.
type Rollback struct {
	Module string         `json:"module"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Action is a single unit of work dispatched to a registered module.
type Action struct {
	ID               string         `json:"id"`
	Module           string         `json:"module"`
	Action           string         `json:"action"`
	Params           map[string]any `json:"params,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	TargetNode       string         `json:"target_node,omitempty"`
	Retry            *Retry         `json:"retry,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Approval         *Approval      `json:"approval,omitempty"`
	Perception       *Perception    `json:"perception,omitempty"`
	Memory           *MemoryRefs    `json:"memory,omitempty"`
	Rollback         *Rollback      `json:"rollback,omitempty"`
	OnFailure        OnFailure      `json:"on_failure,omitempty"`
}

// EffectiveOnFailure returns the action's cascade policy, defaulting to abort.
func (a Action) EffectiveOnFailure() OnFailure {
	if a.OnFailure == "" {
		return OnFailureAbort
	}
	return a.OnFailure
}

// EffectiveTargetNode returns the action's addressing string, defaulting to
// the local node. Remote addressing is a stub: this daemon is single-host.
func (a Action) EffectiveTargetNode() string {
	if a.TargetNode == "" {
		return "local"
	}
	return a.TargetNode
}

// EffectiveRetry returns the action's max attempts and backoff seconds,
// falling back to the executor's configured defaults when the action
// omits a retry block or sets a field to its zero value.
func (a Action) EffectiveRetry(defaultMaxAttempts int, defaultBackoffSeconds float64) (maxAttempts int, backoffSeconds float64) {
	maxAttempts = defaultMaxAttempts
	backoffSeconds = defaultBackoffSeconds
	if a.Retry == nil {
		return maxAttempts, backoffSeconds
	}
	if a.Retry.MaxAttempts > 0 {
		maxAttempts = a.Retry.MaxAttempts
	}
	if a.Retry.BackoffSeconds > 0 {
		backoffSeconds = a.Retry.BackoffSeconds
	}
	return maxAttempts, backoffSeconds
}

// Budget caps a plan's resource consumption, enforced by the executor at
// action-completion boundaries.
type Budget struct {
	MaxCostUSD           float64 `json:"max_cost_usd,omitempty"`
	MaxWallClockSeconds  float64 `json:"max_wall_clock_seconds,omitempty"`
}

// Plan is the immutable IML v2 submission: a DAG of actions sharing a
// transaction-like outcome.
type Plan struct {
	PlanID          string          `json:"plan_id"`
	ProtocolVersion string          `json:"protocol_version"`
	Description     string          `json:"description,omitempty"`
	PlanMode        Mode            `json:"plan_mode"`
	Actions         []Action        `json:"actions"`
	SessionID       string          `json:"session_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	CompilerTrace   *CompilerTrace  `json:"compiler_trace,omitempty"`
	Budget          *Budget         `json:"budget,omitempty"`
	RollbackOnFail  bool            `json:"rollback_on_failure,omitempty"`
}

// ActionRecord is the per-action runtime record inside an ExecutionState.
type ActionRecord struct {
	State     ActionState    `json:"state"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// RejectionDetails is the structured diagnosis surfaced when a plan is
// refused before (or during) execution by an admission gate.
type RejectionDetails struct {
	Source              string   `json:"source"` // scanner_pipeline | intent_verifier | permission_guard | rate_limiter
	Verdict              string   `json:"verdict"`
	RiskScore            float64  `json:"risk_score"`
	ThreatTypes          []string `json:"threat_types,omitempty"`
	ScannerFindings      []string `json:"scanner_findings,omitempty"`
	Recommendations      []string `json:"recommendations,omitempty"`
	ClarificationNeeded  bool     `json:"clarification_needed,omitempty"`
}

// ExecutionState is the durable per-plan runtime record.
type ExecutionState struct {
	PlanID           string                  `json:"plan_id"`
	Status           Status                  `json:"status"`
	Actions          map[string]ActionRecord `json:"actions"`
	RejectionDetails *RejectionDetails       `json:"rejection_details,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	EndedAt          *time.Time              `json:"ended_at,omitempty"`
}

// NewExecutionState builds the initial QUEUED state for a validated plan,
// with every action PENDING.
func NewExecutionState(p Plan, now time.Time) ExecutionState {
	actions := make(map[string]ActionRecord, len(p.Actions))
	for _, a := range p.Actions {
		actions[a.ID] = ActionRecord{State: ActionPending}
	}
	return ExecutionState{
		PlanID:    p.PlanID,
		Status:    StatusQueued,
		Actions:   actions,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AllTerminal reports whether every action record is in a terminal state.
func (es ExecutionState) AllTerminal() bool {
	for _, rec := range es.Actions {
		if !rec.State.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any action record has failed.
func (es ExecutionState) AnyFailed() bool {
	for _, rec := range es.Actions {
		if rec.State == ActionFailed {
			return true
		}
	}
	return false
}
