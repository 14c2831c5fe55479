package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/imlsys/imlcore/internal/domain/policy"
)

// PermissionGuardService evaluates dispatched actions against the profile
// bound to a plan's session and provides access to built-in presets and
// loaded custom profiles.
type PermissionGuardService struct {
	defaultProfile string
	profiles       map[string]policy.PolicyProfile
}

// NewPermissionGuardService creates a PermissionGuardService seeded with
// the four built-in presets plus any custom profiles loaded from config.
// Custom profiles override presets that share a name.
func NewPermissionGuardService(defaultProfile string, custom []policy.PolicyProfile) *PermissionGuardService {
	profiles := make(map[string]policy.PolicyProfile)

	for _, name := range policy.PresetNames() {
		p, _ := policy.PresetByName(name)
		profiles[name] = p
	}

	for i := range custom {
		profiles[string(custom[i].Name)] = custom[i]
	}

	return &PermissionGuardService{
		defaultProfile: defaultProfile,
		profiles:       profiles,
	}
}

// Check evaluates a dispatch request against a named profile: first the
// (module, action) rule match, then — if the matched rule declares
// PathParams — every resolved path value against the profile's
// SandboxPaths. A denial from either step is returned as the same
// EvaluationResult shape so callers don't need to distinguish the cause.
func (s *PermissionGuardService) Check(_ context.Context, profileName string, req policy.CheckRequest) (policy.EvaluationResult, error) {
	p, ok := s.profiles[profileName]
	if !ok {
		return policy.EvaluationResult{}, fmt.Errorf("unknown permission profile %q", profileName)
	}

	result := p.Evaluate(req.Module, req.Action)
	if result.Decision != policy.DecisionAllow {
		return result, nil
	}

	pathParams := p.PathParamsFor(req.Module, req.Action)
	if len(pathParams) == 0 {
		return result, nil
	}

	resolved := make(map[string]string, len(req.PathValues))
	for _, path := range req.PathValues {
		real := s.resolveRealPath(path, resolved)
		if !p.PathAllowed(real) {
			return policy.EvaluationResult{
				Decision: policy.DecisionDeny,
				Profile:  p.Name,
				Reason:   fmt.Sprintf("path %q outside sandbox_paths", path),
			}, nil
		}
	}

	return result, nil
}

// resolveRealPath follows symlinks once per distinct path value within a
// single Check call, caching the result in resolved so a value repeated
// in the request costs one EvalSymlinks syscall. A path that doesn't exist yet (or can't be resolved) is checked
// as-is rather than rejected outright — sandbox enforcement is about
// where a path points, not whether it currently exists.
func (s *PermissionGuardService) resolveRealPath(path string, resolved map[string]string) string {
	if cached, ok := resolved[path]; ok {
		return cached
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}
	resolved[path] = real
	return real
}

// Profile returns a permission profile by name.
func (s *PermissionGuardService) Profile(name string) (policy.PolicyProfile, bool) {
	p, ok := s.profiles[name]
	return p, ok
}

// ProfileNames returns all available profile names, sorted alphabetically.
func (s *PermissionGuardService) ProfileNames() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultProfile returns the name of the profile new sessions are bound
// to when the submission doesn't specify one.
func (s *PermissionGuardService) DefaultProfile() string {
	return s.defaultProfile
}
