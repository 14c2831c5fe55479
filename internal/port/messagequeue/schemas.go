package messagequeue

// PlanSubmittedPayload is the schema for plans.submitted messages.
type PlanSubmittedPayload struct {
	PlanID    string `json:"plan_id"`
	SessionID string `json:"session_id,omitempty"`
}

// PlanSecurityVerdictPayload is the schema for plans.security.verdict messages.
type PlanSecurityVerdictPayload struct {
	PlanID    string  `json:"plan_id"`
	Verdict   string  `json:"verdict"`
	RiskScore float64 `json:"risk_score"`
}

// PlanCompletedPayload is the schema for plans.completed messages.
type PlanCompletedPayload struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// PlanCancelledPayload is the schema for plans.cancelled messages.
type PlanCancelledPayload struct {
	PlanID string `json:"plan_id"`
	Reason string `json:"reason,omitempty"`
}

// ActionDispatchPayload is the schema for actions.dispatch messages.
type ActionDispatchPayload struct {
	PlanID   string         `json:"plan_id"`
	ActionID string         `json:"action_id"`
	Module   string         `json:"module"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params,omitempty"`
	Attempt  int            `json:"attempt"`
}

// ActionResultPayload is the schema for actions.result messages.
type ActionResultPayload struct {
	PlanID   string         `json:"plan_id"`
	ActionID string         `json:"action_id"`
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ApprovalRequestPayload is the schema for approvals.request messages.
type ApprovalRequestPayload struct {
	PlanID   string `json:"plan_id"`
	ActionID string `json:"action_id"`
	Prompt   string `json:"prompt"`
}

// ApprovalResponsePayload is the schema for approvals.response messages.
type ApprovalResponsePayload struct {
	PlanID     string         `json:"plan_id"`
	ActionID   string         `json:"action_id"`
	Decision   string         `json:"decision"` // approve | reject | approve_with_changes | choose | defer
	Params     map[string]any `json:"params,omitempty"`
	OptionIdx  int            `json:"option_index,omitempty"`
}

// TriggerFirePayload is the schema for triggers.fire messages.
type TriggerFirePayload struct {
	TriggerID string `json:"trigger_id"`
	PlanID    string `json:"plan_id"`
}

// TriggerHealthPayload is the schema for triggers.health messages.
type TriggerHealthPayload struct {
	TriggerID string  `json:"trigger_id"`
	FireCount int     `json:"fire_count"`
	FailCount int      `json:"fail_count"`
	LatencyMS float64 `json:"latency_ms_ema"`
}

// TriggerLifecyclePayload is the schema for triggers.lifecycle messages.
type TriggerLifecyclePayload struct {
	TriggerID string `json:"trigger_id"`
	State     string `json:"state"`
}
