package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"golang.org/x/text/unicode/norm"

	"github.com/imlsys/imlcore/internal/domain/security"
)

// heuristicRule is one seed pattern the heuristic tier checks for. The seed
// set here is deliberately small and non-canonical: it is meant to be grown
// with operational coverage data (per-rule hit counters), not treated as an
// exhaustive catalogue of attack motifs.
type heuristicRule struct {
	name        string
	pattern     *regexp.Regexp
	severity    security.Verdict
	description string
}

var promptInjectionRules = []heuristicRule{
	{
		name:        "instruction_override",
		pattern:     regexp.MustCompile(`(?i)ignore (all |any )?(previous|prior|above) instructions`),
		severity:    security.VerdictReject,
		description: "plan text attempts to override prior instructions",
	},
	{
		name:        "instruction_override_disregard",
		pattern:     regexp.MustCompile(`(?i)(disregard|forget) (all |any )?(previous|prior|above) instructions`),
		severity:    security.VerdictReject,
		description: "plan text attempts to override prior instructions",
	},
	{
		name:        "role_switch_token",
		pattern:     regexp.MustCompile(`(?i)(<\|im_start\|>|\[system\]|###\s*system)`),
		severity:    security.VerdictReject,
		description: "plan text embeds a role-switching or fenced-instruction sentinel",
	},
}

var pathPrefixRules = []heuristicRule{
	{
		name:        "sensitive_path_credentials",
		pattern:     regexp.MustCompile(`(/etc/shadow|/etc/passwd|~?/\.ssh/|~?/\.aws/|~?/\.gnupg/)`),
		severity:    security.VerdictWarn,
		description: "plan references a credential-bearing path prefix",
	},
	{
		name:        "sensitive_path_proc",
		pattern:     regexp.MustCompile(`/proc/(self/)?(mem|environ)`),
		severity:    security.VerdictWarn,
		description: "plan references a process memory/environment path",
	},
}

var encodedPayloadRules = []heuristicRule{
	{
		name:        "encoded_payload_blob",
		pattern:     regexp.MustCompile(`[A-Za-z0-9+/]{64,}={0,2}`),
		severity:    security.VerdictWarn,
		description: "plan contains a long base64-shaped blob",
	},
}

var commandInjectionRules = []heuristicRule{
	{
		name:        "destructive_rm",
		pattern:     regexp.MustCompile(`(?i)\brm\s+(-[a-z]*[rf][a-z]*[rf][a-z]*|-[a-z]*[rf][a-z]*\s+-[a-z]*[rf][a-z]*)\s+/(\s|$)`),
		severity:    security.VerdictReject,
		description: "recursive forced delete rooted at /",
	},
	{
		name:        "curl_pipe_shell",
		pattern:     regexp.MustCompile(`(?i)(curl|wget)\b[^|]*\|\s*(sh|bash|zsh)\b`),
		severity:    security.VerdictReject,
		description: "remote script fetched and piped directly into a shell",
	},
	{
		name:        "world_writable_chmod",
		pattern:     regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)?0?777\b`),
		severity:    security.VerdictWarn,
		description: "chmod grants world write/execute permissions",
	},
}

// zeroWidthRunes are Unicode format characters commonly used to hide
// prompt-injection motifs inside otherwise innocuous-looking text.
var zeroWidthRunes = []rune{'\u200b', '\u200c', '\u200d', '\ufeff', '\u2060'}

// HeuristicScanner is the Security Pipeline's first tier: pure pattern
// matching over a plan's canonicalised params JSON, no I/O, sub-millisecond
// on realistic payloads. onHit (if set) is called once per rule match, for
// coverage-tracking metrics.
type HeuristicScanner struct {
	onHit func(rule string)
}

// NewHeuristicScanner creates a scanner. onHit may be nil.
func NewHeuristicScanner(onHit func(rule string)) *HeuristicScanner {
	if onHit == nil {
		onHit = func(string) {}
	}
	return &HeuristicScanner{onHit: onHit}
}

// Scan runs every seed rule against params, canonicalised to JSON and
// NFKC-normalised first so homoglyph/zero-width obfuscation and encoding
// tricks can't slip past a naive byte comparison.
func (s *HeuristicScanner) Scan(params map[string]any) (security.ScannerResult, error) {
	// HTML escaping is off so '<', '>' and '&' stay literal for the rules.
	var canonical strings.Builder
	enc := json.NewEncoder(&canonical)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return security.ScannerResult{}, fmt.Errorf("canonicalize params: %w", err)
	}
	normalized := norm.NFKC.String(canonical.String())

	var findings []security.Finding
	record := func(f security.Finding) {
		findings = append(findings, f)
		s.onHit(f.Rule)
	}

	for _, group := range [][]heuristicRule{promptInjectionRules, pathPrefixRules, encodedPayloadRules} {
		for _, rule := range group {
			for _, loc := range rule.pattern.FindAllStringIndex(normalized, -1) {
				record(security.Finding{
					Rule:         rule.name,
					Description:  rule.description,
					SourceOffset: loc[0],
					Severity:     rule.severity,
				})
			}
		}
	}

	if offset := firstZeroWidthRuneOffset(normalized); offset >= 0 {
		record(security.Finding{
			Rule:         "zero_width_obfuscation",
			Description:  "plan text contains zero-width or format characters",
			SourceOffset: offset,
			Severity:     security.VerdictWarn,
		})
	}

	walkStringLeaves(params, func(leaf string) {
		tokenized := tokenizeCommand(leaf)
		for _, rule := range commandInjectionRules {
			if loc := rule.pattern.FindStringIndex(tokenized); loc != nil {
				record(security.Finding{
					Rule:         rule.name,
					Description:  rule.description,
					SourceOffset: loc[0],
					Severity:     rule.severity,
				})
			}
		}
	})

	verdict := security.VerdictPass
	risk := 0.0
	for _, f := range findings {
		verdict = security.MaxVerdict(verdict, f.Severity)
		if r := riskFor(f.Severity); r > risk {
			risk = r
		}
	}

	return security.ScannerResult{
		Scanner:   "heuristic",
		Verdict:   verdict,
		RiskScore: risk,
		Findings:  findings,
	}, nil
}

func riskFor(v security.Verdict) float64 {
	switch v {
	case security.VerdictReject:
		return 1.0
	case security.VerdictWarn:
		return 0.5
	default:
		return 0.0
	}
}

func firstZeroWidthRuneOffset(s string) int {
	for i, r := range s {
		for _, zw := range zeroWidthRunes {
			if r == zw {
				return i
			}
		}
	}
	return -1
}

// tokenizeCommand splits a string the way a shell would, so chained
// commands joined with `;`/`|`/`&&` are inspected as separate tokens
// rather than one opaque blob. Tokens are rejoined with single spaces;
// rules match against that normalized form.
func tokenizeCommand(s string) string {
	spaced := strings.NewReplacer(";", " ; ", "|", " | ", "&&", " && ").Replace(s)
	tokens, err := shlex.Split(spaced)
	if err != nil {
		return spaced
	}
	return strings.Join(tokens, " ")
}

// walkStringLeaves visits every string value reachable from v, recursing
// through maps and slices.
func walkStringLeaves(v any, visit func(string)) {
	switch val := v.(type) {
	case string:
		visit(val)
	case map[string]any:
		for _, item := range val {
			walkStringLeaves(item, visit)
		}
	case []any:
		for _, item := range val {
			walkStringLeaves(item, visit)
		}
	}
}
