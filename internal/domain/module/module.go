// Package module defines the module contract: a module declares a manifest
// of actions it can perform, and the executor dispatches by
// (module_id, action_name) against a handler with typed, declaratively
// validated params. This package is contract-only; it does not implement
// any module's behaviour.
package module

import (
	"context"
	"fmt"
)

// PermissionClass groups an action under a permission guard pattern, e.g.
// "filesystem.read" or "process.spawn". The guard matches this value
// against policy AllowRules, not the raw module/action pair, so several
// actions can share one class.
type PermissionClass string

// ParamSpec declaratively describes one parameter a module action accepts.
// Validation is spec + coercion, not code-generated from a type lattice:
// the executor walks this slice to check required/type before dispatch.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "string" | "number" | "bool" | "object" | "array"
	Required bool   `json:"required"`
}

// ActionManifest describes one action a module exposes.
type ActionManifest struct {
	Name            string           `json:"name"`
	ParamSpec       []ParamSpec      `json:"param_spec"`
	PermissionClass PermissionClass  `json:"permission_class"`
}

// Manifest is the full contract a module publishes on registration.
type Manifest struct {
	ModuleID        string           `json:"module_id"`
	Version         string           `json:"version"`
	PlatformSupport []string         `json:"platform_support"` // e.g. "linux", "darwin", "windows"
	Actions         []ActionManifest `json:"actions"`
}

// ActionByName looks up an action manifest by name, or reports ok=false.
func (m Manifest) ActionByName(name string) (ActionManifest, bool) {
	for _, a := range m.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionManifest{}, false
}

// SupportsPlatform reports whether the manifest declares support for the
// given GOOS-style platform string. An empty PlatformSupport list means
// "all platforms".
func (m Manifest) SupportsPlatform(platform string) bool {
	if len(m.PlatformSupport) == 0 {
		return true
	}
	for _, p := range m.PlatformSupport {
		if p == platform {
			return true
		}
	}
	return false
}

// Result is the uniform return shape of a dispatched action.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Handler is the uniform signature every module action dispatches
// through. Dispatch is synchronous from the executor's perspective: a
// module may perform async work internally but must honour ctx
// cancellation and return before the executor's timeout elapses.
type Handler func(ctx context.Context, params map[string]any) (Result, error)

// Host is the dispatch transport a registry uses to reach a module's
// handlers. Two concrete hosts exist: an in-process host for local
// handlers, and remote hosts (MCP, A2A) that round-trip the call to
// another process or node.
type Host interface {
	Manifest(ctx context.Context) (Manifest, error)
	Dispatch(ctx context.Context, action string, params map[string]any) (Result, error)
}

// ErrModuleNotFound is returned when dispatch names an unregistered module.
type ErrModuleNotFound struct{ ModuleID string }

func (e ErrModuleNotFound) Error() string {
	return fmt.Sprintf("module not found: %s", e.ModuleID)
}

// ErrActionNotFound is returned when dispatch names an action the
// module's manifest does not declare.
type ErrActionNotFound struct {
	ModuleID string
	Action   string
}

func (e ErrActionNotFound) Error() string {
	return fmt.Sprintf("module %s has no action %q", e.ModuleID, e.Action)
}

// ErrParamValidation is returned when dispatch params fail the action's
// declared ParamSpec.
type ErrParamValidation struct {
	ModuleID string
	Action   string
	Details  []string
}

func (e ErrParamValidation) Error() string {
	return fmt.Sprintf("module %s action %s: invalid params: %v", e.ModuleID, e.Action, e.Details)
}

// ValidateParams checks a dispatch's params map against an action's
// declared ParamSpec, returning every violation found.
func ValidateParams(spec []ParamSpec, params map[string]any) []string {
	var violations []string
	for _, p := range spec {
		v, present := params[p.Name]
		if !present {
			if p.Required {
				violations = append(violations, fmt.Sprintf("missing required param %q", p.Name))
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			violations = append(violations, fmt.Sprintf("param %q: expected type %s", p.Name, p.Type))
		}
	}
	return violations
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
