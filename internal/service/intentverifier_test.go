package service

import (
	"context"
	"testing"
	"time"

	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/domain/security"
	"github.com/imlsys/imlcore/internal/port/intentclient"
	"github.com/imlsys/imlcore/internal/resilience"
)

type fakeIntentClient struct {
	raw string
	err error
}

func (f *fakeIntentClient) Complete(ctx context.Context, req intentclient.Request) (intentclient.Response, error) {
	if f.err != nil {
		return intentclient.Response{}, f.err
	}
	return intentclient.Response{RawText: f.raw}, nil
}

func TestIntentVerifierApprovePassesThrough(t *testing.T) {
	client := &fakeIntentClient{raw: `{"verdict":"approve","rationale":"looks fine"}`}
	svc := NewIntentVerifierService(client, resilience.NewBreaker(5, time.Minute), "test-model", true)

	result, err := svc.Verify(context.Background(), plan.Plan{Description: "copy a file"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verdict != security.VerdictPass {
		t.Errorf("verdict = %s, want PASS", result.Verdict)
	}
}

func TestIntentVerifierRejectMapsThrough(t *testing.T) {
	client := &fakeIntentClient{raw: `{"verdict":"reject","threat_type":"data_exfiltration","rationale":"exfil risk"}`}
	svc := NewIntentVerifierService(client, resilience.NewBreaker(5, time.Minute), "test-model", true)

	result, err := svc.Verify(context.Background(), plan.Plan{Description: "upload everything"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verdict != security.VerdictReject {
		t.Errorf("verdict = %s, want REJECT", result.Verdict)
	}
}

func TestIntentVerifierClarifyStrictMapsToReject(t *testing.T) {
	client := &fakeIntentClient{raw: `{"verdict":"clarify","rationale":"ambiguous target"}`}
	svc := NewIntentVerifierService(client, resilience.NewBreaker(5, time.Minute), "test-model", true)

	result, err := svc.Verify(context.Background(), plan.Plan{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verdict != security.VerdictReject {
		t.Errorf("verdict = %s, want REJECT in strict mode", result.Verdict)
	}
}

func TestIntentVerifierClarifyLenientMapsToWarn(t *testing.T) {
	client := &fakeIntentClient{raw: `{"verdict":"clarify","rationale":"ambiguous target"}`}
	svc := NewIntentVerifierService(client, resilience.NewBreaker(5, time.Minute), "test-model", false)

	result, err := svc.Verify(context.Background(), plan.Plan{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verdict != security.VerdictWarn {
		t.Errorf("verdict = %s, want WARN in lenient mode", result.Verdict)
	}
}

func TestIntentVerifierUnparseableResponseWarnsNotPass(t *testing.T) {
	client := &fakeIntentClient{raw: "not json at all"}
	svc := NewIntentVerifierService(client, resilience.NewBreaker(5, time.Minute), "test-model", true)

	result, err := svc.Verify(context.Background(), plan.Plan{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verdict != security.VerdictWarn {
		t.Errorf("verdict = %s, want WARN on unparseable response", result.Verdict)
	}
}

func TestIntentVerifierProviderErrorWarnsNotPass(t *testing.T) {
	client := &fakeIntentClient{err: context.DeadlineExceeded}
	svc := NewIntentVerifierService(client, resilience.NewBreaker(5, time.Minute), "test-model", true)

	result, err := svc.Verify(context.Background(), plan.Plan{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verdict != security.VerdictWarn {
		t.Errorf("verdict = %s, want WARN on provider error", result.Verdict)
	}
}

func TestIntentVerifierStripsFencedCodeBlock(t *testing.T) {
	client := &fakeIntentClient{raw: "```json\n{\"verdict\":\"approve\",\"rationale\":\"ok\"}\n```"}
	svc := NewIntentVerifierService(client, resilience.NewBreaker(5, time.Minute), "test-model", true)

	result, err := svc.Verify(context.Background(), plan.Plan{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verdict != security.VerdictPass {
		t.Errorf("verdict = %s, want PASS after stripping fenced block", result.Verdict)
	}
}
