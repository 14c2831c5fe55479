package a2a

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Dispatcher runs a task's skill against the local module registry,
// mapping an A2A skill id to a (module_id, action) dispatch. Set on
// Handler to give incoming tasks somewhere to actually run; left nil,
// every task stays "queued" (the original stub behavior, still useful
// for agent-card-only deployments).
type Dispatcher func(ctx context.Context, skill string, input map[string]any) (output map[string]any, errMsg string)

// Handler serves the A2A protocol endpoints. Besides the handshake and
// task-shaped endpoints it already served, it is the receiving side of
// the adapter/a2a.Host client: a peer's Dispatch call becomes one
// handleCreateTask + pollTask round trip here.
type Handler struct {
	baseURL  string
	mu       sync.RWMutex
	tasks    map[string]*TaskResponse
	dispatch Dispatcher
}

// NewHandler creates an A2A handler. dispatch may be nil.
func NewHandler(baseURL string, dispatch Dispatcher) *Handler {
	return &Handler{
		baseURL:  baseURL,
		tasks:    make(map[string]*TaskResponse),
		dispatch: dispatch,
	}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a/tasks", h.handleCreateTask)
	r.Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	card := BuildAgentCard(h.baseURL)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, `{"error":"id is required"}`, http.StatusBadRequest)
		return
	}

	resp := &TaskResponse{
		ID:     req.ID,
		Status: "queued",
	}

	h.mu.Lock()
	h.tasks[req.ID] = resp
	h.mu.Unlock()

	slog.Info("a2a task created", "id", req.ID, "skill", req.Skill)

	if h.dispatch != nil {
		go h.runTask(req)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// runTask drives a queued task to completion through the configured
// Dispatcher, detached from the request that created it.
func (h *Handler) runTask(req TaskRequest) {
	h.setStatus(req.ID, "running", nil, "")
	output, errMsg := h.dispatch(context.Background(), req.Skill, req.Input)
	if errMsg != "" {
		h.setStatus(req.ID, "failed", nil, errMsg)
		return
	}
	h.setStatus(req.ID, "completed", output, "")
}

func (h *Handler) setStatus(id, status string, output map[string]any, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	task, ok := h.tasks[id]
	if !ok {
		return
	}
	task.Status = status
	task.Output = output
	task.Error = errMsg
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.RLock()
	resp, ok := h.tasks[id]
	h.mu.RUnlock()

	if !ok {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
