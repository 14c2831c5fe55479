package event

import "time"

// ReplayRequest holds the parameters for replaying a session's event
// trajectory, e.g. to reconstruct a plan's causal chain for debugging.
type ReplayRequest struct {
	SessionID string `json:"session_id"`
	FromEvent string `json:"from_event,omitempty"` // event id to start from (empty = beginning)
	ToEvent   string `json:"to_event,omitempty"`    // event id to stop at (empty = end)
}

// ReplayResult contains the outcome of a replay request.
type ReplayResult struct {
	SessionID  string           `json:"session_id"`
	Events     []UniversalEvent `json:"events"`
	EventCount int              `json:"event_count"`
}

// AuditEntry is a single row in the audit trail: a flattened, queryable
// projection of a UniversalEvent.
type AuditEntry struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	Type          Type      `json:"type"`
	Source        string    `json:"source"`
	SessionID     string    `json:"session_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausedBy      string    `json:"caused_by,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditFilter controls which audit entries are returned.
type AuditFilter struct {
	SessionID     string     `json:"session_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	TopicPattern  string     `json:"topic_pattern,omitempty"`
	After         *time.Time `json:"after,omitempty"`
	Before        *time.Time `json:"before,omitempty"`
}

// AuditPage is a cursor-paginated page of audit entries.
type AuditPage struct {
	Entries []AuditEntry `json:"entries"`
	Cursor  string       `json:"cursor"`
	HasMore bool         `json:"has_more"`
	Total   int          `json:"total"`
}

// FromUniversalEvent projects a UniversalEvent into its audit row shape.
func FromUniversalEvent(e UniversalEvent) AuditEntry {
	return AuditEntry{
		ID:            e.ID,
		Topic:         e.Topic,
		Type:          e.Type,
		Source:        e.Source,
		SessionID:     e.SessionID,
		CorrelationID: e.CorrelationID,
		CausedBy:      e.CausedBy,
		Timestamp:     e.Timestamp,
	}
}
