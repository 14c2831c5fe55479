package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/domain/security"
	"github.com/imlsys/imlcore/internal/port/intentclient"
	"github.com/imlsys/imlcore/internal/resilience"
)

// IntentVerifierService implements SecurityPipelineService's IntentVerifier
// interface against a configured LLM provider client, per spec §4.3.
type IntentVerifierService struct {
	client        intentclient.Client
	breaker       *resilience.Breaker
	model         string
	strictClarify bool
}

// NewIntentVerifierService wires a provider client behind the breaker the
// teacher uses for every other external-service call. strictClarify
// selects whether an ambiguous "clarify" verdict maps to REJECT (true) or
// WARN (false).
func NewIntentVerifierService(client intentclient.Client, breaker *resilience.Breaker, model string, strictClarify bool) *IntentVerifierService {
	return &IntentVerifierService{client: client, breaker: breaker, model: model, strictClarify: strictClarify}
}

// Verify composes a review prompt from p, dispatches it to the configured
// provider through the circuit breaker, and parses the JSON verdict. A
// breaker-open, transport error, or non-parseable response all fold to
// WARN with a finding rather than silent PASS, matching the ML adapter
// tier's fail-open contract and spec §4.3's explicit wording for
// non-parseable/timed-out responses.
func (s *IntentVerifierService) Verify(ctx context.Context, p plan.Plan) (security.ScannerResult, error) {
	req := intentclient.Request{
		PlanDescription: p.Description,
		Model:           s.model,
		Actions:         actionSummaries(p),
	}

	var resp intentclient.Response
	err := s.breaker.Execute(func() error {
		r, cerr := s.client.Complete(ctx, req)
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	})
	if err != nil {
		return warnResult("intent_verifier_unavailable", fmt.Sprintf("intent verifier call failed: %v", err)), nil
	}

	parsed, err := parseIntentResponse(resp.RawText)
	if err != nil {
		return warnResult("intent_verifier_unparseable", fmt.Sprintf("intent verifier response not parseable: %v", err)), nil
	}

	return s.fold(parsed), nil
}

// fold maps a parsed IntentResponse to the uniform ScannerResult shape,
// applying the clarify->REJECT/WARN policy split.
// fold's "clarify" finding is named "intent_verifier_clarify" regardless of
// strict/lenient mode, so the caller assembling RejectionDetails can set
// ClarificationNeeded by checking the rule name rather than needing a
// separate return value threaded through ScannerResult's uniform shape.
func (s *IntentVerifierService) fold(resp security.IntentResponse) security.ScannerResult {
	verdict := security.VerdictPass

	switch resp.Verdict {
	case security.IntentApprove:
		verdict = security.VerdictPass
	case security.IntentWarn:
		verdict = security.VerdictWarn
	case security.IntentReject:
		verdict = security.VerdictReject
	case security.IntentClarify:
		if s.strictClarify {
			verdict = security.VerdictReject
		} else {
			verdict = security.VerdictWarn
		}
	}

	var findings []security.Finding
	if verdict != security.VerdictPass {
		findings = append(findings, security.Finding{
			Rule:        "intent_verifier_" + string(resp.Verdict),
			Description: resp.Rationale,
			Severity:    verdict,
		})
	}

	return security.ScannerResult{
		Scanner:   "intent_verifier",
		Verdict:   verdict,
		RiskScore: riskFor(verdict),
		Findings:  findings,
	}
}

func warnResult(rule, description string) security.ScannerResult {
	return security.ScannerResult{
		Scanner:   "intent_verifier",
		Verdict:   security.VerdictWarn,
		RiskScore: 0.5,
		Findings:  []security.Finding{{Rule: rule, Description: description, Severity: security.VerdictWarn}},
	}
}

// parseIntentResponse extracts the JSON object from raw provider text,
// tolerating a fenced code block (```json ... ```) since several
// providers wrap JSON answers that way despite being asked not to.
func parseIntentResponse(raw string) (security.IntentResponse, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var resp security.IntentResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return security.IntentResponse{}, fmt.Errorf("unmarshal intent response: %w", err)
	}
	switch resp.Verdict {
	case security.IntentApprove, security.IntentReject, security.IntentWarn, security.IntentClarify:
	default:
		return security.IntentResponse{}, fmt.Errorf("unrecognized verdict %q", resp.Verdict)
	}
	return resp, nil
}

func actionSummaries(p plan.Plan) []intentclient.ActionSummary {
	summaries := make([]intentclient.ActionSummary, 0, len(p.Actions))
	for _, a := range p.Actions {
		summary := intentclient.ActionSummary{ID: a.ID, Module: a.Module, Action: a.Action}
		for key, val := range a.Params {
			if strings.Contains(strings.ToLower(key), "path") {
				if s, ok := val.(string); ok {
					summary.TargetPaths = append(summary.TargetPaths, s)
					continue
				}
			}
			if summary.SensitiveParams == nil {
				summary.SensitiveParams = map[string]any{}
			}
			summary.SensitiveParams[key] = val
		}
		summaries = append(summaries, summary)
	}
	return summaries
}
