package policy

// PresetReadonly returns the READONLY profile: query-shaped actions only,
// no module may mutate state, sandboxed to a single workspace root.
func PresetReadonly() PolicyProfile {
	return PolicyProfile{
		Name:        ProfileReadonly,
		Description: "Read-only: no module may mutate state.",
		Rules: []AllowRule{
			{ModulePattern: "filesystem", ActionPattern: "read_*", Decision: DecisionAllow, PathParams: []string{"path"}},
			{ModulePattern: "filesystem", ActionPattern: "list_*", Decision: DecisionAllow, PathParams: []string{"path"}},
			{ModulePattern: "filesystem", ActionPattern: "stat", Decision: DecisionAllow, PathParams: []string{"path"}},
			{ModulePattern: "shell", ActionPattern: "*", Decision: DecisionDeny},
			{ModulePattern: "*", ActionPattern: "write_*", Decision: DecisionDeny},
			{ModulePattern: "*", ActionPattern: "delete_*", Decision: DecisionDeny},
		},
		SandboxPaths: []string{"/tmp/**", "/workspace/**"},
	}
}

// PresetLocalWorker returns the LOCAL_WORKER profile: filesystem
// read/write and a narrow shell allowlist within the sandbox root.
func PresetLocalWorker() PolicyProfile {
	return PolicyProfile{
		Name:        ProfileLocalWorker,
		Description: "Local automation worker: filesystem read/write plus a narrow shell allowlist.",
		Rules: []AllowRule{
			{ModulePattern: "filesystem", ActionPattern: "*", Decision: DecisionAllow, PathParams: []string{"path"}},
			{ModulePattern: "shell", ActionPattern: "run", Decision: DecisionAllow},
			{ModulePattern: "database", ActionPattern: "query", Decision: DecisionAllow},
			{ModulePattern: "database", ActionPattern: "execute", Decision: DecisionDeny},
		},
		SandboxPaths: []string{"/tmp/**", "/workspace/**", "/var/lib/imlcore/**"},
	}
}

// PresetPowerUser returns the POWER_USER profile: broad module access,
// still sandboxed, browser and database writes permitted.
func PresetPowerUser() PolicyProfile {
	return PolicyProfile{
		Name:        ProfilePowerUser,
		Description: "Power user: broad module access, still sandboxed.",
		Rules: []AllowRule{
			{ModulePattern: "filesystem", ActionPattern: "delete_*", Decision: DecisionDeny, PathParams: []string{"path"}},
			{ModulePattern: "*", ActionPattern: "*", Decision: DecisionAllow, PathParams: []string{"path"}},
		},
		SandboxPaths: []string{"/home/**", "/workspace/**", "/var/lib/imlcore/**", "/tmp/**"},
	}
}

// PresetUnrestricted returns the UNRESTRICTED profile: every module/action
// is allowed and no sandbox path restriction applies. Intended only for
// trusted, fully-mounted deployments.
func PresetUnrestricted() PolicyProfile {
	return PolicyProfile{
		Name:        ProfileUnrestricted,
		Description: "Unrestricted: no module, action, or path restriction.",
		Rules: []AllowRule{
			{ModulePattern: "*", ActionPattern: "*", Decision: DecisionAllow},
		},
	}
}

// PresetNames returns the names of all built-in profiles.
func PresetNames() []string {
	return []string{
		string(ProfileReadonly),
		string(ProfileLocalWorker),
		string(ProfilePowerUser),
		string(ProfileUnrestricted),
	}
}

// IsPreset reports whether name is a built-in profile.
func IsPreset(name string) bool {
	_, ok := PresetByName(name)
	return ok
}

// PresetByName returns a built-in profile by name.
func PresetByName(name string) (PolicyProfile, bool) {
	switch Profile(name) {
	case ProfileReadonly:
		return PresetReadonly(), true
	case ProfileLocalWorker:
		return PresetLocalWorker(), true
	case ProfilePowerUser:
		return PresetPowerUser(), true
	case ProfileUnrestricted:
		return PresetUnrestricted(), true
	default:
		return PolicyProfile{}, false
	}
}
