package policy

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// EvaluationResult captures which rule (if any) decided a check, for
// surfacing in PermissionDenied errors and audit events.
type EvaluationResult struct {
	Decision    Decision
	Profile     Profile
	RuleIndex   int // -1 if no rule matched (deny by default)
	MatchedRule string
	Reason      string
}

// Evaluate checks a (module, action) pair against the profile's rules
// using first-match-wins, doublestar-pattern matching. Path predicates (if
// the matched rule declares PathParams) are not checked here; the caller
// checks the path values it has against SandboxPaths via PathAllowed.
func (p *PolicyProfile) Evaluate(module, action string) EvaluationResult {
	for i := range p.Rules {
		rule := &p.Rules[i]
		if !globMatch(rule.ModulePattern, module) {
			continue
		}
		if !globMatch(rule.ActionPattern, action) {
			continue
		}
		return EvaluationResult{
			Decision:    rule.Decision,
			Profile:     p.Name,
			RuleIndex:   i,
			MatchedRule: fmt.Sprintf("%s.%s -> %s", rule.ModulePattern, rule.ActionPattern, rule.Decision),
			Reason:      fmt.Sprintf("matched rule[%d]", i),
		}
	}
	return EvaluationResult{
		Decision:    DecisionDeny,
		Profile:     p.Name,
		RuleIndex:   -1,
		Reason:      "no matching allow-rule; deny by default",
	}
}

// PathParamsFor returns the PathParams declared by the rule that matched
// (module, action), or nil if no rule matched or it declared none.
func (p *PolicyProfile) PathParamsFor(module, action string) []string {
	for i := range p.Rules {
		rule := &p.Rules[i]
		if globMatch(rule.ModulePattern, module) && globMatch(rule.ActionPattern, action) {
			return rule.PathParams
		}
	}
	return nil
}

func globMatch(pattern, name string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	matched, err := doublestar.Match(pattern, name)
	return err == nil && matched
}

// PathAllowed reports whether a resolved path satisfies at least one of
// the profile's sandbox path patterns. An empty SandboxPaths list means
// the profile places no path restriction (e.g. UNRESTRICTED).
func (p *PolicyProfile) PathAllowed(resolvedPath string) bool {
	if len(p.SandboxPaths) == 0 {
		return true
	}
	for _, pattern := range p.SandboxPaths {
		if matched, err := doublestar.Match(pattern, resolvedPath); err == nil && matched {
			return true
		}
	}
	return false
}
