package plan

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationError enumerates every structural violation found in a plan.
// Like SchemaError, a ValidationError reports all violations found in a
// single pass so the LLM client can fix them together rather than one
// round trip at a time.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation failed (%d violation(s)): %s", len(e.Violations), strings.Join(e.Violations, "; "))
}

var (
	ErrEmptyPlanID   = errors.New("plan_id is required")
	ErrBadProtocol   = errors.New("protocol_version must be \"2.0\"")
	ErrBadPlanMode   = errors.New("plan_mode must be direct or compiled")
	ErrNoActions     = errors.New("plan must contain at least one action")
	ErrDuplicateID   = errors.New("duplicate action id")
)

// TemplateRefPattern matches a {{result.<action_id>.<path>}} sigil. It is
// exported so the runtime template resolver can reuse the same grammar
// the static validator checks at submission time.
var TemplateRefPattern = regexp.MustCompile(`\{\{\s*result\.([^.}\s]+)\.([^}\s]+)\s*\}\}`)
var memoryRefPattern = regexp.MustCompile(`\{\{\s*memory\.[^.}\s]+\s*\}\}`)
var envRefPattern = regexp.MustCompile(`\{\{\s*env\.[^.}\s]+\s*\}\}`)

// Validate enforces the structural invariants a SchemaError cannot catch:
// unique ids, an acyclic dependency graph, template references resolving
// to transitive dependencies, and compiled-mode trace completeness.
// Unlike Error(), it returns every violation it finds, not just the first.
func Validate(p Plan) error {
	var violations []string

	if p.PlanID == "" {
		violations = append(violations, ErrEmptyPlanID.Error())
	}
	if p.ProtocolVersion != ProtocolVersion {
		violations = append(violations, ErrBadProtocol.Error())
	}
	switch p.PlanMode {
	case ModeDirect, ModeCompiled:
	default:
		violations = append(violations, ErrBadPlanMode.Error())
	}
	if len(p.Actions) == 0 {
		violations = append(violations, ErrNoActions.Error())
	}

	index := make(map[string]int, len(p.Actions))
	for i, a := range p.Actions {
		if _, dup := index[a.ID]; dup {
			violations = append(violations, fmt.Sprintf("%s: %q", ErrDuplicateID, a.ID))
			continue
		}
		index[a.ID] = i
	}

	for i, a := range p.Actions {
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				violations = append(violations, fmt.Sprintf("action %q depends on itself", a.ID))
				continue
			}
			if _, ok := index[dep]; !ok {
				violations = append(violations, fmt.Sprintf("action %q depends_on unresolved id %q (action %d)", a.ID, dep, i))
			}
		}
	}

	if cycle := findCycle(p.Actions, index); cycle != nil {
		violations = append(violations, fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, "→")))
	}

	violations = append(violations, validateTemplateRefs(p.Actions, index)...)

	if p.PlanMode == ModeCompiled {
		violations = append(violations, validateCompilerTrace(p.CompilerTrace)...)
	}

	for _, a := range p.Actions {
		if a.Rollback != nil {
			if a.Rollback.Module == "" || a.Rollback.Action == "" {
				violations = append(violations, fmt.Sprintf("action %q rollback body missing module/action", a.ID))
			}
		}
		if a.Retry != nil && a.Retry.MaxAttempts < 1 {
			violations = append(violations, fmt.Sprintf("action %q retry.max_attempts must be >= 1", a.ID))
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// findCycle runs a depth-first search with gray/black colouring over the
// depends_on graph and returns the first cycle found as an ordered id
// path, or nil if the graph is acyclic.
func findCycle(actions []Action, index map[string]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	n := len(actions)
	color := make([]int, n)
	var path []string
	var cyclePath []string

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		path = append(path, actions[i].ID)
		for _, dep := range actions[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			switch color[j] {
			case white:
				if visit(j) {
					return true
				}
			case gray:
				// back-edge: capture the cycle from dep's first occurrence.
				start := 0
				for k, id := range path {
					if id == dep {
						start = k
						break
					}
				}
				cyclePath = append(append([]string{}, path[start:]...), dep)
				return true
			case black:
				// already fully explored, no cycle through here.
			}
		}
		color[i] = black
		path = path[:len(path)-1]
		return false
	}

	for i := range actions {
		if color[i] == white {
			if visit(i) {
				return cyclePath
			}
		}
	}
	return nil
}

// validateTemplateRefs checks that every {{result.<id>.<path>}} sigil in an
// action's params names an action that is a transitive dependency of the
// referring action. {{memory.*}} and {{env.*}} sigils are not checked
// here; their values are resolved at dispatch time.
func validateTemplateRefs(actions []Action, index map[string]int) []string {
	var violations []string
	ancestors := make(map[string]map[string]bool, len(actions))

	var computeAncestors func(id string, seen map[string]bool) map[string]bool
	computeAncestors = func(id string, seen map[string]bool) map[string]bool {
		if a, ok := ancestors[id]; ok {
			return a
		}
		result := make(map[string]bool)
		if seen[id] {
			return result // cycle already reported elsewhere
		}
		seen[id] = true
		i, ok := index[id]
		if !ok {
			return result
		}
		for _, dep := range actions[i].DependsOn {
			result[dep] = true
			for anc := range computeAncestors(dep, seen) {
				result[anc] = true
			}
		}
		ancestors[id] = result
		return result
	}

	for _, a := range actions {
		anc := computeAncestors(a.ID, map[string]bool{})
		walkStrings(a.Params, func(s string) {
			for _, m := range TemplateRefPattern.FindAllStringSubmatch(s, -1) {
				refID := m[1]
				if refID == a.ID {
					violations = append(violations, fmt.Sprintf("action %q template references itself via %q", a.ID, m[0]))
					continue
				}
				if !anc[refID] {
					violations = append(violations, fmt.Sprintf("action %q template %q does not name a transitive dependency", a.ID, m[0]))
				}
			}
		})
	}
	return violations
}

// walkStrings visits every string leaf reachable in a JSON-shaped value
// (maps, slices, and scalars) depth-first.
func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, child := range t {
			walkStrings(child, fn)
		}
	case []any:
		for _, child := range t {
			walkStrings(child, fn)
		}
	}
}

func validateCompilerTrace(trace *CompilerTrace) []string {
	if trace == nil {
		return []string{"plan_mode=compiled requires a non-empty compiler_trace"}
	}
	var violations []string
	for i, want := range PhaseNames {
		phase := trace.Phases[i]
		if phase.Name == "" {
			violations = append(violations, fmt.Sprintf("compiler_trace.phases[%d] missing name (expected %q)", i, want))
			continue
		}
		if phase.Name != want {
			violations = append(violations, fmt.Sprintf("compiler_trace.phases[%d] name %q, expected %q", i, phase.Name, want))
		}
	}
	return violations
}
