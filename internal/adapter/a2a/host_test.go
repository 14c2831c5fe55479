package a2a_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/imlsys/imlcore/internal/adapter/a2a"
	porta2a "github.com/imlsys/imlcore/internal/port/a2a"
)

func startPeer(t *testing.T, dispatch porta2a.Dispatcher) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	h := porta2a.NewHandler("http://peer.test", dispatch)
	h.MountRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHostManifestListsPeerSkills(t *testing.T) {
	srv := startPeer(t, nil)
	host := a2a.NewHost("peer-module", srv.URL, time.Second)

	manifest, err := host.Manifest(context.Background())
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if manifest.ModuleID != "peer-module" {
		t.Errorf("expected module id peer-module, got %s", manifest.ModuleID)
	}
	if len(manifest.Actions) != 2 {
		t.Fatalf("expected 2 actions from the peer's agent card, got %d", len(manifest.Actions))
	}
}

func TestHostDispatchCompletesThroughDispatcher(t *testing.T) {
	dispatch := func(ctx context.Context, skill string, input map[string]any) (map[string]any, string) {
		return map[string]any{"skill": skill, "echo": input["value"]}, ""
	}
	srv := startPeer(t, dispatch)
	host := a2a.NewHost("peer-module", srv.URL, 2*time.Second)

	result, err := host.Dispatch(context.Background(), "code-task", map[string]any{"value": "hi"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("expected no error, got %s", result.Error)
	}
	if result.Output["skill"] != "code-task" {
		t.Errorf("expected skill code-task, got %v", result.Output["skill"])
	}
	if result.Output["echo"] != "hi" {
		t.Errorf("expected echo hi, got %v", result.Output["echo"])
	}
}

func TestHostDispatchSurfacesFailure(t *testing.T) {
	dispatch := func(ctx context.Context, skill string, input map[string]any) (map[string]any, string) {
		return nil, "deliberate failure"
	}
	srv := startPeer(t, dispatch)
	host := a2a.NewHost("peer-module", srv.URL, 2*time.Second)

	result, err := host.Dispatch(context.Background(), "code-task", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Error != "deliberate failure" {
		t.Errorf("expected deliberate failure, got %q", result.Error)
	}
}

func TestHostDispatchContextCancellation(t *testing.T) {
	srv := startPeer(t, nil) // no dispatcher: task stays queued forever
	host := a2a.NewHost("peer-module", srv.URL, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := host.Dispatch(ctx, "code-task", nil)
	if err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}
