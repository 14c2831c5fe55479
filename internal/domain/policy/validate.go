package policy

import "fmt"

// Validate checks that a PolicyProfile is well-formed.
func (p *PolicyProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy: name is required")
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("policy: rule[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks that an AllowRule is well-formed.
func (r *AllowRule) Validate() error {
	if r.ModulePattern == "" {
		return fmt.Errorf("module_pattern is required")
	}
	if r.ActionPattern == "" {
		return fmt.Errorf("action_pattern is required")
	}
	if !isValidDecision(r.Decision) {
		return fmt.Errorf("invalid decision %q", r.Decision)
	}
	return nil
}

func isValidDecision(d Decision) bool {
	switch d {
	case DecisionAllow, DecisionDeny:
		return true
	}
	return false
}
