// Package policy defines the Permission Guard's domain model: profiles
// that declare which (module, action) pairs an action may invoke and
// which filesystem paths it may touch.
package policy

// Decision is the result of checking an action against a profile.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Profile names the four built-in permission tiers.
type Profile string

const (
	ProfileReadonly     Profile = "READONLY"
	ProfileLocalWorker  Profile = "LOCAL_WORKER"
	ProfilePowerUser    Profile = "POWER_USER"
	ProfileUnrestricted Profile = "UNRESTRICTED"
)

// AllowRule grants (or explicitly denies) a (module, action) pattern pair.
// Patterns are doublestar globs: "filesystem" matches exactly,
// "filesystem.*" matches any action on the filesystem module, "*" matches
// any module. PathParams names the keys within an action's params whose
// string value must additionally satisfy the profile's SandboxPaths.
type AllowRule struct {
	ModulePattern string   `json:"module_pattern" yaml:"module_pattern"`
	ActionPattern string   `json:"action_pattern" yaml:"action_pattern"`
	Decision      Decision `json:"decision" yaml:"decision"`
	PathParams    []string `json:"path_params,omitempty" yaml:"path_params,omitempty"`
}

// PolicyProfile is the top-level permission configuration bound to a
// plan's session. Rules are evaluated first-match-wins; an action whose
// (module, action) matches no rule is denied by default.
type PolicyProfile struct {
	Name         Profile     `json:"name" yaml:"name"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	Rules        []AllowRule `json:"rules" yaml:"rules"`
	SandboxPaths []string    `json:"sandbox_paths,omitempty" yaml:"sandbox_paths,omitempty"`
}

// CheckRequest is the unit the guard evaluates: an action's identity plus
// the template-resolved string values of any path-bearing params. Symlink
// resolution against the filesystem happens inside the guard, not here —
// PathValues carries the literal values from the action's params.
type CheckRequest struct {
	Module     string
	Action     string
	PathValues []string // template-resolved path-like param values, not yet symlink-resolved
}
