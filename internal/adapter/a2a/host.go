// Package a2a gives a plan action's target_node a real, if still
// loopback-only, dispatch path: a Host round-trips a module call to
// another imlcore instance over the A2A-shaped task wire protocol the
// port/a2a package already serves, rather than dispatching in-process.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/imlsys/imlcore/internal/domain/module"
	porta2a "github.com/imlsys/imlcore/internal/port/a2a"
)

// Host dispatches a module's actions to a peer imlcore instance's A2A
// task endpoint. One Host per (module_id, peer) pair. It implements
// module.Host.
type Host struct {
	moduleID string
	peerURL  string
	client   *http.Client
}

// NewHost creates a Host that dispatches moduleID's actions against a
// peer's task endpoint at peerURL (e.g. "http://node-2:8080").
func NewHost(moduleID, peerURL string, timeout time.Duration) *Host {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Host{moduleID: moduleID, peerURL: peerURL, client: &http.Client{Timeout: timeout}}
}

// Manifest fetches the peer's static agent card and reports its skills as
// the module's actions. The agent card carries no per-skill param spec,
// so every action accepts unvalidated params — param checking happens
// on the peer's own dispatch instead.
func (h *Host) Manifest(ctx context.Context) (module.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.peerURL+"/.well-known/agent.json", nil)
	if err != nil {
		return module.Manifest{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return module.Manifest{}, fmt.Errorf("a2a host %s: fetch agent card: %w", h.moduleID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return module.Manifest{}, fmt.Errorf("a2a host %s: agent card status %d", h.moduleID, resp.StatusCode)
	}

	var card porta2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return module.Manifest{}, fmt.Errorf("a2a host %s: decode agent card: %w", h.moduleID, err)
	}

	actions := make([]module.ActionManifest, 0, len(card.Skills))
	for _, skill := range card.Skills {
		actions = append(actions, module.ActionManifest{Name: skill.ID})
	}
	return module.Manifest{ModuleID: h.moduleID, Version: card.Version, Actions: actions}, nil
}

// Dispatch submits a task to the peer's /a2a/tasks endpoint and polls its
// status until it leaves "queued"/"running", mapping the terminal task to
// module.Result. action becomes the task's skill; params becomes its input.
func (h *Host) Dispatch(ctx context.Context, action string, params map[string]any) (module.Result, error) {
	taskID := fmt.Sprintf("%s-%d", h.moduleID, time.Now().UnixNano())
	body, err := json.Marshal(porta2a.TaskRequest{ID: taskID, Skill: action, Input: params})
	if err != nil {
		return module.Result{}, fmt.Errorf("a2a host %s: marshal task: %w", h.moduleID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.peerURL+"/a2a/tasks", bytes.NewReader(body))
	if err != nil {
		return module.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return module.Result{}, fmt.Errorf("a2a host %s: create task: %w", h.moduleID, err)
	}
	var created porta2a.TaskResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return module.Result{}, fmt.Errorf("a2a host %s: create task status %d", h.moduleID, resp.StatusCode)
	}
	if decodeErr != nil {
		return module.Result{}, fmt.Errorf("a2a host %s: decode create response: %w", h.moduleID, decodeErr)
	}

	return h.pollTask(ctx, taskID)
}

func (h *Host) pollTask(ctx context.Context, taskID string) (module.Result, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return module.Result{}, ctx.Err()
		case <-ticker.C:
			task, err := h.getTask(ctx, taskID)
			if err != nil {
				return module.Result{}, err
			}
			switch task.Status {
			case "completed":
				return module.Result{Output: task.Output}, nil
			case "failed":
				return module.Result{Error: task.Error}, nil
			}
		}
	}
}

func (h *Host) getTask(ctx context.Context, taskID string) (porta2a.TaskResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.peerURL+"/a2a/tasks/"+taskID, nil)
	if err != nil {
		return porta2a.TaskResponse{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return porta2a.TaskResponse{}, fmt.Errorf("a2a host %s: get task: %w", h.moduleID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return porta2a.TaskResponse{}, fmt.Errorf("a2a host %s: get task status %d", h.moduleID, resp.StatusCode)
	}
	var task porta2a.TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return porta2a.TaskResponse{}, fmt.Errorf("a2a host %s: decode task: %w", h.moduleID, err)
	}
	return task, nil
}

var _ module.Host = (*Host)(nil)
