package policy

import "testing"

func TestPresetReadonly(t *testing.T) {
	p := PresetReadonly()
	if p.Name != ProfileReadonly {
		t.Errorf("expected name READONLY, got %q", p.Name)
	}
	if p.Evaluate("filesystem", "write_file").Decision != DecisionDeny {
		t.Error("expected write_file to be denied under readonly")
	}
	if p.Evaluate("filesystem", "read_file").Decision != DecisionAllow {
		t.Error("expected read_file to be allowed under readonly")
	}
}

func TestPresetLocalWorker(t *testing.T) {
	p := PresetLocalWorker()
	if p.Name != ProfileLocalWorker {
		t.Errorf("expected name LOCAL_WORKER, got %q", p.Name)
	}
	if p.Evaluate("shell", "run").Decision != DecisionAllow {
		t.Error("expected shell.run to be allowed under local worker")
	}
}

func TestPresetPowerUser(t *testing.T) {
	p := PresetPowerUser()
	if p.Name != ProfilePowerUser {
		t.Errorf("expected name POWER_USER, got %q", p.Name)
	}
	if p.Evaluate("database", "execute").Decision != DecisionAllow {
		t.Error("expected database.execute to be allowed under power user")
	}
}

func TestPresetUnrestricted(t *testing.T) {
	p := PresetUnrestricted()
	if p.Name != ProfileUnrestricted {
		t.Errorf("expected name UNRESTRICTED, got %q", p.Name)
	}
	if !p.PathAllowed("/etc/passwd") {
		t.Error("expected unrestricted profile to place no path restriction")
	}
	if p.Evaluate("anything", "goes").Decision != DecisionAllow {
		t.Error("expected unrestricted profile to allow any module/action")
	}
}

func TestPresetNamesAndLookup(t *testing.T) {
	for _, name := range PresetNames() {
		if !IsPreset(name) {
			t.Errorf("expected %q to be a known preset", name)
		}
		if _, ok := PresetByName(name); !ok {
			t.Errorf("expected PresetByName(%q) to succeed", name)
		}
	}
	if IsPreset("does-not-exist") {
		t.Error("expected unknown preset name to report false")
	}
}
