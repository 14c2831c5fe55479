package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages emitted by the plan executor
// and trigger daemon.
const (
	EventActionStateChanged = "action.state_changed"
	EventPlanStatus         = "plan.status"
	EventTriggerFired       = "trigger.fired"
)

// ActionStateChangedEvent is broadcast whenever an action's execution state
// transitions (spec §4.7's state machine).
type ActionStateChangedEvent struct {
	PlanID   string `json:"plan_id"`
	ActionID string `json:"action_id"`
	State    string `json:"state"`
}

// PlanStatusEvent is broadcast when a plan reaches a new aggregate status.
type PlanStatusEvent struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// TriggerFiredEvent is broadcast when a trigger fires and submits a plan.
type TriggerFiredEvent struct {
	TriggerID string `json:"trigger_id"`
	PlanID    string `json:"plan_id"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
