package service

import (
	"context"

	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/domain/security"
)

// IntentVerifier is the Security Pipeline's third tier: an LLM-backed
// semantic review of the whole plan. Implementations live behind
// internal/adapter/{anthropic,openai,ollama}.
type IntentVerifier interface {
	Verify(ctx context.Context, p plan.Plan) (security.ScannerResult, error)
}

// SecurityPipelineService runs the configured scanner tiers, in stable
// order, and folds them into one aggregate verdict. Each tier is optional;
// a nil ml or intent disables that tier entirely rather than standing in
// for it, so an operator who hasn't configured a classifier endpoint or an
// LLM provider gets heuristic-only coverage instead of a silent no-op call.
type SecurityPipelineService struct {
	heuristic *HeuristicScanner
	ml        *MLScanner
	intent    IntentVerifier
}

// NewSecurityPipelineService wires the scanner tiers. ml and intent may be nil.
func NewSecurityPipelineService(heuristic *HeuristicScanner, ml *MLScanner, intent IntentVerifier) *SecurityPipelineService {
	return &SecurityPipelineService{heuristic: heuristic, ml: ml, intent: intent}
}

// Evaluate runs every configured tier over p and returns the folded result.
// The pipeline is idempotent and tier order is stable across calls, per
// contract: a plan that scans clean once stays clean until its content or
// the rule set changes.
func (s *SecurityPipelineService) Evaluate(ctx context.Context, p plan.Plan) (security.PipelineResult, error) {
	target := planToScanTarget(p)

	var results []security.ScannerResult

	heuristicResult, err := s.heuristic.Scan(target)
	if err != nil {
		return security.PipelineResult{}, err
	}
	results = append(results, heuristicResult)

	if s.ml != nil {
		results = append(results, s.ml.Scan(ctx, target))
	}

	if s.intent != nil {
		intentResult, err := s.intent.Verify(ctx, p)
		if err != nil {
			intentResult = security.ScannerResult{
				Scanner:   "intent_verifier",
				Verdict:   security.VerdictWarn,
				RiskScore: 0.5,
				Findings: []security.Finding{{
					Rule:        "intent_verifier_unavailable",
					Description: "intent verifier call failed: " + err.Error(),
					Severity:    security.VerdictWarn,
				}},
			}
		}
		results = append(results, intentResult)
	}

	return security.Fold(results), nil
}

// planToScanTarget flattens a plan into the params-shaped document the
// heuristic and ML tiers scan, so a motif hidden in any action's params or
// in the plan description is reachable by the same pattern matching.
func planToScanTarget(p plan.Plan) map[string]any {
	actions := make([]map[string]any, 0, len(p.Actions))
	for _, a := range p.Actions {
		actions = append(actions, map[string]any{
			"id":          a.ID,
			"module":      a.Module,
			"action":      a.Action,
			"params":      a.Params,
			"target_node": a.EffectiveTargetNode(),
		})
	}
	return map[string]any{
		"description": p.Description,
		"actions":     actions,
	}
}
