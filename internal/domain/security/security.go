// Package security defines the Security Pipeline's shared scanner
// contract: every scanner tier (heuristic, ML adapter, intent verifier)
// returns the same ScannerResult shape, and the pipeline folds them into
// one aggregate verdict.
package security

// Verdict is the outcome of a single scanner or the aggregate pipeline.
// Severity order (for aggregation): PASS < WARN < REJECT.
type Verdict string

const (
	VerdictPass   Verdict = "PASS"
	VerdictWarn   Verdict = "WARN"
	VerdictReject Verdict = "REJECT"
)

// severity assigns a total order to verdicts so the pipeline can fold a
// slice of ScannerResults by taking the max.
func (v Verdict) severity() int {
	switch v {
	case VerdictReject:
		return 2
	case VerdictWarn:
		return 1
	default:
		return 0
	}
}

// MaxVerdict returns whichever of a, b has higher severity.
func MaxVerdict(a, b Verdict) Verdict {
	if a.severity() >= b.severity() {
		return a
	}
	return b
}

// Finding is one concrete observation a scanner made, with enough context
// for the LLM-facing rejection detail to point at the exact motif.
type Finding struct {
	Rule         string  `json:"rule"`
	Description  string  `json:"description"`
	SourceOffset int     `json:"source_offset,omitempty"` // byte offset into canonicalized JSON
	Severity     Verdict `json:"severity"`
}

// ScannerResult is the uniform shape every scanner tier returns. The
// pipeline is a pure fold over a slice of these: verdict = max severity,
// risk_score = max, findings concatenated.
type ScannerResult struct {
	Scanner   string    `json:"scanner"`
	Verdict   Verdict   `json:"verdict"`
	RiskScore float64   `json:"risk_score"` // 0..1
	Findings  []Finding `json:"findings,omitempty"`
}

// PipelineResult is the aggregate outcome of running every configured
// scanner tier over a plan, in stable order.
type PipelineResult struct {
	Verdict   Verdict         `json:"verdict"`
	RiskScore float64         `json:"risk_score"`
	Findings  []Finding       `json:"findings"`
	PerScanner []ScannerResult `json:"per_scanner"`
}

// Fold aggregates a sequence of scanner results into one pipeline result.
// REJECT from any scanner makes the aggregate REJECT regardless of where
// in the sequence it occurred; the pipeline still runs every configured
// scanner so all findings are visible, since a scanner is not itself
// short-circuited by an earlier REJECT (each scanner is independent and
// cheap/bounded).
func Fold(results []ScannerResult) PipelineResult {
	agg := PipelineResult{Verdict: VerdictPass, PerScanner: results}
	for _, r := range results {
		agg.Verdict = MaxVerdict(agg.Verdict, r.Verdict)
		if r.RiskScore > agg.RiskScore {
			agg.RiskScore = r.RiskScore
		}
		agg.Findings = append(agg.Findings, r.Findings...)
	}
	return agg
}

// ThreatType enumerates the Intent Verifier's eight threat categories.
type ThreatType string

const (
	ThreatDataExfiltration   ThreatType = "data_exfiltration"
	ThreatDestructiveAction  ThreatType = "destructive_action"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatCredentialAccess   ThreatType = "credential_access"
	ThreatSupplyChain        ThreatType = "supply_chain"
	ThreatPromptInjection    ThreatType = "prompt_injection"
	ThreatResourceAbuse      ThreatType = "resource_abuse"
	ThreatPolicyEvasion      ThreatType = "policy_evasion"
)

// IntentVerdict is the Intent Verifier's raw classification, before it is
// mapped to a Verdict by the caller (clarify maps to REJECT in strict mode,
// WARN in lenient mode; see service/intentverifier).
type IntentVerdict string

const (
	IntentApprove IntentVerdict = "approve"
	IntentReject  IntentVerdict = "reject"
	IntentWarn    IntentVerdict = "warn"
	IntentClarify IntentVerdict = "clarify"
)

// IntentResponse is the parsed shape of an LLM provider's semantic review.
type IntentResponse struct {
	Verdict         IntentVerdict `json:"verdict"`
	ThreatType      ThreatType    `json:"threat_type,omitempty"`
	Rationale       string        `json:"rationale"`
	Recommendations []string      `json:"recommendations,omitempty"`
}
