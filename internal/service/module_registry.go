package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/imlsys/imlcore/internal/domain/module"
)

// ModuleRegistryService holds the set of registered module hosts and
// dispatches actions by (module_id, action_name) after declarative
// param validation. Dispatch transports (in-process, MCP, A2A) are all
// hidden behind the module.Host interface; the registry itself is
// transport-agnostic.
type ModuleRegistryService struct {
	mu    sync.RWMutex
	hosts map[string]module.Host
}

// NewModuleRegistryService creates an empty registry.
func NewModuleRegistryService() *ModuleRegistryService {
	return &ModuleRegistryService{hosts: make(map[string]module.Host)}
}

// Register binds a module id to the host that serves its actions. A
// second Register call for the same id replaces the previous host,
// supporting hot-swap of a module's backing transport.
func (s *ModuleRegistryService) Register(moduleID string, host module.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[moduleID] = host
}

// Unregister removes a module id from the registry.
func (s *ModuleRegistryService) Unregister(moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, moduleID)
}

// ListManifests returns every registered module's manifest, sorted by
// module id for stable output.
func (s *ModuleRegistryService) ListManifests(ctx context.Context) ([]module.Manifest, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.hosts))
	hosts := make(map[string]module.Host, len(s.hosts))
	for id, h := range s.hosts {
		ids = append(ids, id)
		hosts[id] = h
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	manifests := make([]module.Manifest, 0, len(ids))
	for _, id := range ids {
		m, err := hosts[id].Manifest(ctx)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", id, err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Dispatch validates params against the target action's declared spec and
// forwards the call to the module's host.
func (s *ModuleRegistryService) Dispatch(ctx context.Context, moduleID, actionName string, params map[string]any) (module.Result, error) {
	s.mu.RLock()
	host, ok := s.hosts[moduleID]
	s.mu.RUnlock()
	if !ok {
		return module.Result{}, module.ErrModuleNotFound{ModuleID: moduleID}
	}

	manifest, err := host.Manifest(ctx)
	if err != nil {
		return module.Result{}, fmt.Errorf("manifest %s: %w", moduleID, err)
	}

	action, ok := manifest.ActionByName(actionName)
	if !ok {
		return module.Result{}, module.ErrActionNotFound{ModuleID: moduleID, Action: actionName}
	}

	if violations := module.ValidateParams(action.ParamSpec, params); len(violations) > 0 {
		return module.Result{}, module.ErrParamValidation{ModuleID: moduleID, Action: actionName, Details: violations}
	}

	return host.Dispatch(ctx, actionName, params)
}
