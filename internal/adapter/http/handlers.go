package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imlsys/imlcore/internal/domain"
	"github.com/imlsys/imlcore/internal/domain/module"
	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/domain/policy"
	"github.com/imlsys/imlcore/internal/domain/security"
	"github.com/imlsys/imlcore/internal/domain/trigger"
	"github.com/imlsys/imlcore/internal/port/database"
	"github.com/imlsys/imlcore/internal/port/eventstore"
	"github.com/imlsys/imlcore/internal/service"
)

const maxPlanBodyBytes = 1 << 20 // 1 MiB: plans are JSON documents, not file uploads

// Handlers implements the daemon's HTTP surface (spec §6): plan
// submission/inspection, plan groups, the module capability manifest, the
// language-model-facing context endpoint, and trigger CRUD/lifecycle.
type Handlers struct {
	Store      database.Store
	Events     eventstore.Store
	Executor   *service.PlanExecutorService
	Groups     *service.PlanGroupExecutorService
	Security   *service.SecurityPipelineService
	Permission *service.PermissionGuardService
	Registry   *service.ModuleRegistryService
	Triggers   *service.TriggerDaemonService
	Replay     *service.ReplayService

	// RateLimiter enforces spec §5's per-(identity, action) sliding window
	// at plan submission. RateLimit<=0 disables the check.
	RateLimiter service.ActionRateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// NewHandlers wires a Handlers from the daemon's composition root.
func NewHandlers(
	store database.Store,
	events eventstore.Store,
	executor *service.PlanExecutorService,
	groups *service.PlanGroupExecutorService,
	sec *service.SecurityPipelineService,
	perm *service.PermissionGuardService,
	registry *service.ModuleRegistryService,
	triggers *service.TriggerDaemonService,
	replay *service.ReplayService,
	rateLimiter service.ActionRateLimiter,
	rateLimit int,
	rateWindow time.Duration,
) *Handlers {
	return &Handlers{
		Store:       store,
		Events:      events,
		Executor:    executor,
		Groups:      groups,
		Security:    sec,
		Permission:  perm,
		Registry:    registry,
		Triggers:    triggers,
		Replay:      replay,
		RateLimiter: rateLimiter,
		RateLimit:   rateLimit,
		RateWindow:  rateWindow,
	}
}

// ---------------------------------------------------------------------------
// Plans
// ---------------------------------------------------------------------------

// submitPlanResponse wraps whichever of the two shapes spec §6 calls for: a
// freshly admitted ExecutionState, or a rejection_details block when the
// security pipeline or permission guard refused the plan before it ran.
type submitPlanResponse struct {
	*plan.ExecutionState
	RejectionDetails *plan.RejectionDetails `json:"rejection_details,omitempty"`
}

// CreatePlan handles POST /plans: schema + DAG validation, then the
// security pipeline, then (per action) the permission guard, in that
// order — any rejection short-circuits before a worker slot is consumed,
// per spec §7's admission policy.
func (h *Handlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(raw)) > maxPlanBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "plan document too large")
		return
	}

	if err := plan.ValidateSchema(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := plan.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := plan.Validate(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()

	result, err := h.Security.Evaluate(ctx, p)
	if err != nil {
		writeInternalError(w, fmt.Errorf("security pipeline: %w", err))
		return
	}
	if result.Verdict == security.VerdictReject {
		h.rejectPlan(w, ctx, p, rejectionFromSecurity(result))
		return
	}

	if rd := h.checkPermissions(ctx, p); rd != nil {
		h.rejectPlan(w, ctx, p, *rd)
		return
	}

	if rd, err := h.checkRateLimit(ctx, p); err != nil {
		writeInternalError(w, fmt.Errorf("rate limiter: %w", err))
		return
	} else if rd != nil {
		h.rejectPlan(w, ctx, p, *rd)
		return
	}

	state, err := h.Executor.Submit(ctx, p)
	if err != nil {
		if errors.Is(err, domain.ErrDAGCycle) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeInternalError(w, fmt.Errorf("submit plan: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, submitPlanResponse{ExecutionState: state})
}

// rejectPlan persists a terminal REJECTED execution state (so GET
// /plans/{id} can still retrieve the rejection after the fact) and writes
// it back to the caller synchronously.
func (h *Handlers) rejectPlan(w http.ResponseWriter, ctx context.Context, p plan.Plan, rd plan.RejectionDetails) {
	if err := h.Store.CreatePlan(ctx, p); err != nil && !errors.Is(err, domain.ErrConflict) {
		writeInternalError(w, fmt.Errorf("persist rejected plan: %w", err))
		return
	}
	now := time.Now()
	state := plan.NewExecutionState(p, now)
	state.Status = plan.StatusRejected
	state.RejectionDetails = &rd
	state.EndedAt = &now
	if err := h.Store.SaveExecutionState(ctx, state); err != nil {
		writeInternalError(w, fmt.Errorf("persist rejection: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, submitPlanResponse{ExecutionState: &state, RejectionDetails: &rd})
}

func rejectionFromSecurity(result security.PipelineResult) plan.RejectionDetails {
	findings := make([]string, 0, len(result.Findings))
	threatTypes := make([]string, 0, len(result.PerScanner))
	for _, f := range result.Findings {
		findings = append(findings, fmt.Sprintf("%s: %s", f.Rule, f.Description))
	}
	for _, sc := range result.PerScanner {
		if sc.Verdict == security.VerdictReject {
			threatTypes = append(threatTypes, sc.Scanner)
		}
	}
	return plan.RejectionDetails{
		Source:          "scanner_pipeline",
		Verdict:         string(result.Verdict),
		RiskScore:       result.RiskScore,
		ThreatTypes:     threatTypes,
		ScannerFindings: findings,
		Recommendations: []string{"revise the plan to remove the flagged actions or parameters"},
	}
}

// checkPermissions evaluates every action against the default permission
// profile: the (module, action) rule and, for each path param that rule
// names, the param's literal string value against the profile's sandbox
// paths. A path value that still holds a template sigil is not checked,
// here or at dispatch.
func (h *Handlers) checkPermissions(ctx context.Context, p plan.Plan) *plan.RejectionDetails {
	if h.Permission == nil {
		return nil
	}
	profile := h.Permission.DefaultProfile()
	prof, _ := h.Permission.Profile(profile)
	for _, a := range p.Actions {
		req := policy.CheckRequest{Module: a.Module, Action: a.Action}
		for _, name := range prof.PathParamsFor(a.Module, a.Action) {
			if v, ok := a.Params[name].(string); ok && !strings.Contains(v, "{{") {
				req.PathValues = append(req.PathValues, v)
			}
		}
		result, err := h.Permission.Check(ctx, profile, req)
		if err != nil {
			return &plan.RejectionDetails{
				Source:          "permission_guard",
				Verdict:         "REJECT",
				RiskScore:       1,
				ScannerFindings: []string{err.Error()},
			}
		}
		if result.Decision == policy.DecisionDeny {
			return &plan.RejectionDetails{
				Source:          "permission_guard",
				Verdict:         "REJECT",
				RiskScore:       1,
				ScannerFindings: []string{fmt.Sprintf("action %s.%s denied by profile %s: %s", a.Module, a.Action, profile, result.Reason)},
				Recommendations: []string{"request a profile with broader permissions for this action"},
			}
		}
	}
	return nil
}

// checkRateLimit enforces spec §5's sliding-window limit per (identity,
// action): identity is the plan's SessionID, since no caller-identity
// concept exists above session scope in this daemon's auth model (a single
// shared bearer token, not per-user accounts). A nil RateLimiter or a
// non-positive RateLimit disables the check.
func (h *Handlers) checkRateLimit(ctx context.Context, p plan.Plan) (*plan.RejectionDetails, error) {
	if h.RateLimiter == nil || h.RateLimit <= 0 {
		return nil, nil
	}
	for _, a := range p.Actions {
		action := a.Module + "." + a.Action
		allowed, err := h.RateLimiter.Allow(ctx, p.SessionID, action, h.RateLimit, h.RateWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &plan.RejectionDetails{
				Source:          "rate_limiter",
				Verdict:         "REJECT",
				RiskScore:       1,
				ScannerFindings: []string{fmt.Sprintf("action %s exceeded %d calls per %s for session %s", action, h.RateLimit, h.RateWindow, p.SessionID)},
				Recommendations: []string{"retry after the rate limit window elapses"},
			}, nil
		}
	}
	return nil, nil
}

// GetPlan handles GET /plans/{id}.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	planID := urlParam(r, "id")
	state, err := h.Store.GetExecutionState(r.Context(), planID)
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListPlans handles GET /plans, optionally filtered by ?session_id= and
// ?status=.
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	filter := database.PlanFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Status:    plan.Status(r.URL.Query().Get("status")),
	}
	plans, err := h.Store.ListPlans(r.Context(), filter)
	if err != nil {
		writeInternalError(w, fmt.Errorf("list plans: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

// CancelPlan handles DELETE /plans/{id}.
func (h *Handlers) CancelPlan(w http.ResponseWriter, r *http.Request) {
	planID := urlParam(r, "id")
	if _, err := h.Store.GetExecutionState(r.Context(), planID); err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	h.Executor.Cancel(planID)
	w.WriteHeader(http.StatusNoContent)
}

type approveActionRequest struct {
	Approved bool `json:"approved"`
}

// ApproveAction handles POST /plans/{id}/actions/{action_id}/approve.
func (h *Handlers) ApproveAction(w http.ResponseWriter, r *http.Request) {
	planID := urlParam(r, "id")
	actionID := urlParam(r, "action_id")

	var body approveActionRequest
	if r.ContentLength != 0 {
		v, ok := readJSON[approveActionRequest](w, r, 4096)
		if !ok {
			return
		}
		body = v
	}

	p, err := h.Store.GetPlan(r.Context(), planID)
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}

	if err := h.Executor.ApproveAction(r.Context(), *p, actionID, body.Approved); err != nil {
		writeInternalError(w, fmt.Errorf("approve action: %w", err))
		return
	}

	state, err := h.Store.GetExecutionState(r.Context(), planID)
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ---------------------------------------------------------------------------
// Plan groups
// ---------------------------------------------------------------------------

type planGroupRequest struct {
	Plans         []plan.Plan `json:"plans"`
	MaxConcurrent int         `json:"max_concurrent"`
}

type planGroupResponse struct {
	Status      service.GroupStatus             `json:"status"`
	PlanResults map[string]*plan.ExecutionState `json:"plan_results"`
	PlanErrors  map[string]string               `json:"plan_errors,omitempty"`
	DurationMS  int64                           `json:"duration_ms"`
}

// CreatePlanGroup handles POST /plan-groups: fan-out submission of
// multiple independent plans with an aggregate result (spec §4.8).
func (h *Handlers) CreatePlanGroup(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[planGroupRequest](w, r, maxPlanBodyBytes)
	if !ok {
		return
	}
	if len(req.Plans) == 0 {
		writeError(w, http.StatusBadRequest, "plans must not be empty")
		return
	}
	for _, p := range req.Plans {
		if err := plan.Validate(p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	result, err := h.Groups.RunGroup(r.Context(), req.Plans, req.MaxConcurrent)
	if err != nil {
		writeInternalError(w, fmt.Errorf("run plan group: %w", err))
		return
	}

	resp := planGroupResponse{
		Status:      result.Status,
		PlanResults: result.PlanResults,
		DurationMS:  result.Duration.Milliseconds(),
	}
	if len(result.PlanErrors) > 0 {
		resp.PlanErrors = make(map[string]string, len(result.PlanErrors))
		for id, err := range result.PlanErrors {
			resp.PlanErrors[id] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

// ListModules handles GET /modules.
func (h *Handlers) ListModules(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.Registry.ListManifests(r.Context())
	if err != nil {
		writeInternalError(w, fmt.Errorf("list manifests: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, manifests)
}

// GetModule handles GET /modules/{id}.
func (h *Handlers) GetModule(w http.ResponseWriter, r *http.Request) {
	manifest, ok := h.findManifest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// GetActionSchema handles GET /modules/{id}/actions/{action}/schema.
func (h *Handlers) GetActionSchema(w http.ResponseWriter, r *http.Request) {
	manifest, ok := h.findManifest(w, r)
	if !ok {
		return
	}
	actionName := urlParam(r, "action")
	action, ok := manifest.ActionByName(actionName)
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (h *Handlers) findManifest(w http.ResponseWriter, r *http.Request) (module.Manifest, bool) {
	moduleID := urlParam(r, "id")
	manifests, err := h.Registry.ListManifests(r.Context())
	if err != nil {
		writeInternalError(w, fmt.Errorf("list manifests: %w", err))
		return module.Manifest{}, false
	}
	for _, m := range manifests {
		if m.ModuleID == moduleID {
			return m, true
		}
	}
	writeError(w, http.StatusNotFound, "module not found")
	return module.Manifest{}, false
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

type contextResponse struct {
	SystemPrompt string            `json:"system_prompt"`
	Modules      []module.Manifest `json:"modules"`
}

// GetContext handles GET /context: the language-model-facing system
// prompt summarizing what modules/actions are callable right now, so a
// client building an IML plan knows the current capability surface.
func (h *Handlers) GetContext(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.Registry.ListManifests(r.Context())
	if err != nil {
		writeInternalError(w, fmt.Errorf("list manifests: %w", err))
		return
	}

	prompt := "You may submit IML v2 plans (protocol_version \"2.0\") whose actions invoke only the following modules:\n"
	for _, m := range manifests {
		prompt += fmt.Sprintf("- %s (%s): ", m.ModuleID, m.Version)
		for i, a := range m.Actions {
			if i > 0 {
				prompt += ", "
			}
			prompt += a.Name
		}
		prompt += "\n"
	}

	writeJSON(w, http.StatusOK, contextResponse{SystemPrompt: prompt, Modules: manifests})
}

// ---------------------------------------------------------------------------
// Triggers
// ---------------------------------------------------------------------------

// ListTriggers handles GET /triggers.
func (h *Handlers) ListTriggers(w http.ResponseWriter, r *http.Request) {
	onlyEnabled := r.URL.Query().Get("enabled") == "true"
	defs, err := h.Store.ListTriggers(r.Context(), onlyEnabled)
	if err != nil {
		writeInternalError(w, fmt.Errorf("list triggers: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

// CreateTrigger handles POST /triggers.
func (h *Handlers) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	def, ok := readJSON[trigger.Definition](w, r, 1<<18)
	if !ok {
		return
	}
	if def.TriggerID == "" || def.Name == "" {
		writeError(w, http.StatusBadRequest, "trigger_id and name are required")
		return
	}
	if err := h.Triggers.RegisterTrigger(r.Context(), def); err != nil {
		writeInternalError(w, fmt.Errorf("register trigger: %w", err))
		return
	}
	created, err := h.Store.GetTrigger(r.Context(), def.TriggerID)
	if err != nil {
		writeInternalError(w, fmt.Errorf("load created trigger: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetTrigger handles GET /triggers/{id}.
func (h *Handlers) GetTrigger(w http.ResponseWriter, r *http.Request) {
	def, err := h.Store.GetTrigger(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// DeleteTrigger handles DELETE /triggers/{id}.
func (h *Handlers) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.Triggers.DeregisterTrigger(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "trigger not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateTrigger handles POST /triggers/{id}/activate.
func (h *Handlers) ActivateTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.Triggers.Activate(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "trigger not found")
		return
	}
	def, err := h.Store.GetTrigger(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// DeactivateTrigger handles POST /triggers/{id}/deactivate.
func (h *Handlers) DeactivateTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.Triggers.Deactivate(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "trigger not found")
		return
	}
	def, err := h.Store.GetTrigger(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health handles GET /health and GET /health/ready.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
