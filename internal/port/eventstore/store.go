// Package eventstore defines the port interface for the append-only
// UniversalEvent log backing the audit trail and trigger observability.
package eventstore

import (
	"context"
	"time"

	"github.com/imlsys/imlcore/internal/domain/event"
)

// TrajectoryFilter controls which events are returned by LoadTrajectory.
type TrajectoryFilter struct {
	Types  []event.Type `json:"types,omitempty"`
	After  *time.Time   `json:"after,omitempty"`
	Before *time.Time   `json:"before,omitempty"`
}

// TrajectoryPage is a cursor-paginated page of events.
type TrajectoryPage struct {
	Events  []event.UniversalEvent `json:"events"`
	Cursor  string                 `json:"cursor"`
	HasMore bool                   `json:"has_more"`
	Total   int                    `json:"total"`
}

// TrajectorySummary contains aggregate stats for a session's event history.
type TrajectorySummary struct {
	TotalEvents int            `json:"total_events"`
	EventCounts map[string]int `json:"event_counts"`
	DurationMS  int64          `json:"duration_ms"`
	ErrorCount  int            `json:"error_count"`
}

// Store is the port interface for appending and loading UniversalEvents.
// It is the sole durable record of causal history: the bus itself (see
// internal/service/eventbus) holds no state beyond transient subscriber
// lists.
type Store interface {
	// Append persists a new event to the store.
	Append(ctx context.Context, ev *event.UniversalEvent) error

	// LoadBySession returns all events for a session, ordered by timestamp.
	LoadBySession(ctx context.Context, sessionID string) ([]event.UniversalEvent, error)

	// LoadByCorrelation returns all events sharing a correlation id.
	LoadByCorrelation(ctx context.Context, correlationID string) ([]event.UniversalEvent, error)

	// LoadTrajectory returns a cursor-paginated page of events for a
	// session with optional filtering.
	LoadTrajectory(ctx context.Context, sessionID string, filter TrajectoryFilter, cursor string, limit int) (*TrajectoryPage, error)

	// TrajectoryStats returns aggregate statistics for a session's event history.
	TrajectoryStats(ctx context.Context, sessionID string) (*TrajectorySummary, error)
}
