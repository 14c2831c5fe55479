package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/imlsys/imlcore/internal/domain/security"
	"github.com/imlsys/imlcore/internal/resilience"
)

// MLScanner wraps an external classifier endpoint. A plan's params are
// posted as JSON; a non-2xx response, a timeout, or a transport error all
// fail open to WARN with a finding attached, never silently to PASS, per
// the pipeline's fail-open-with-visibility contract.
type MLScanner struct {
	endpoint string
	client   *http.Client
	breaker  *resilience.Breaker
}

// mlScannerResponse is the classifier's expected JSON shape.
type mlScannerResponse struct {
	Verdict   security.Verdict   `json:"verdict"`
	RiskScore float64            `json:"risk_score"`
	Findings  []security.Finding `json:"findings"`
}

// NewMLScanner builds a scanner against endpoint with the given timeout and
// breaker. A zero-value endpoint means the caller should not register this
// tier at all.
func NewMLScanner(endpoint string, timeout time.Duration, breaker *resilience.Breaker) *MLScanner {
	return &MLScanner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  breaker,
	}
}

// Scan posts params to the configured classifier and folds its verdict.
func (s *MLScanner) Scan(ctx context.Context, params map[string]any) security.ScannerResult {
	var resp mlScannerResponse
	err := s.breaker.Execute(func() error {
		return s.call(ctx, params, &resp)
	})
	if err != nil {
		return security.ScannerResult{
			Scanner:   "ml_adapter",
			Verdict:   security.VerdictWarn,
			RiskScore: 0.5,
			Findings: []security.Finding{{
				Rule:        "ml_adapter_unavailable",
				Description: fmt.Sprintf("ML classifier call failed: %v", err),
				Severity:    security.VerdictWarn,
			}},
		}
	}
	return security.ScannerResult{
		Scanner:   "ml_adapter",
		Verdict:   resp.Verdict,
		RiskScore: resp.RiskScore,
		Findings:  resp.Findings,
	}
}

func (s *MLScanner) call(ctx context.Context, params map[string]any, out *mlScannerResponse) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode classifier response: %w", err)
	}
	return nil
}
