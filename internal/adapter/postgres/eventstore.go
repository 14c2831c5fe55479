package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imlsys/imlcore/internal/domain/event"
	"github.com/imlsys/imlcore/internal/port/eventstore"
)

// EventStore implements eventstore.Store over PostgreSQL (append-only):
// the sole durable record of causal history backing the audit trail and
// trigger observability, per spec's ownership rule ("the event bus owns
// no state beyond transient subscriber lists").
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventColumns = `id, type, topic, "timestamp", source, payload, caused_by, causes, session_id, correlation_id, priority, metadata`

func (s *EventStore) Append(ctx context.Context, ev *event.UniversalEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ev.ID, string(ev.Type), ev.Topic, ev.Timestamp, ev.Source, ev.Payload,
		ev.CausedBy, ev.Causes, ev.SessionID, ev.CorrelationID, int(ev.Priority), ev.Metadata)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

func scanEvent(row interface{ Scan(dest ...any) error }) (event.UniversalEvent, error) {
	var ev event.UniversalEvent
	var typ string
	var priority int
	if err := row.Scan(&ev.ID, &typ, &ev.Topic, &ev.Timestamp, &ev.Source, &ev.Payload,
		&ev.CausedBy, &ev.Causes, &ev.SessionID, &ev.CorrelationID, &priority, &ev.Metadata); err != nil {
		return event.UniversalEvent{}, err
	}
	ev.Type = event.Type(typ)
	ev.Priority = event.Priority(priority)
	return ev, nil
}

func (s *EventStore) LoadBySession(ctx context.Context, sessionID string) ([]event.UniversalEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = $1 ORDER BY "timestamp" ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events by session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *EventStore) LoadByCorrelation(ctx context.Context, correlationID string) ([]event.UniversalEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE correlation_id = $1 ORDER BY "timestamp" ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("load events by correlation %s: %w", correlationID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]event.UniversalEvent, error) {
	var events []event.UniversalEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadTrajectory returns a cursor-paginated page of a session's events,
// optionally filtered by type/time window. The cursor is the last seen
// event id; since ids are ULIDs, string comparison preserves time order.
func (s *EventStore) LoadTrajectory(ctx context.Context, sessionID string, filter eventstore.TrajectoryFilter, cursor string, limit int) (*eventstore.TrajectoryPage, error) {
	if limit <= 0 {
		limit = 50
	}

	args := []any{sessionID}
	conditions := []string{"session_id = $1"}

	if cursor != "" {
		args = append(args, cursor)
		conditions = append(conditions, fmt.Sprintf("id > $%d", len(args)))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		conditions = append(conditions, fmt.Sprintf(`type = ANY($%d)`, len(args)))
	}
	if filter.After != nil {
		args = append(args, *filter.After)
		conditions = append(conditions, fmt.Sprintf(`"timestamp" > $%d`, len(args)))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		conditions = append(conditions, fmt.Sprintf(`"timestamp" < $%d`, len(args)))
	}

	where := conditions[0]
	for _, c := range conditions[1:] {
		where += " AND " + c
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count trajectory events: %w", err)
	}

	limitArgs := append(append([]any{}, args...), limit+1)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT $%d`, eventColumns, where, len(limitArgs)),
		limitArgs...)
	if err != nil {
		return nil, fmt.Errorf("query trajectory: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	page := &eventstore.TrajectoryPage{Events: events, Total: total}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
		page.Cursor = page.Events[len(page.Events)-1].ID
	}
	return page, nil
}

// TrajectoryStats returns aggregate statistics for a session's event history.
func (s *EventStore) TrajectoryStats(ctx context.Context, sessionID string) (*eventstore.TrajectorySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type, COUNT(*) FROM events WHERE session_id = $1 GROUP BY type`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("trajectory stats %s: %w", sessionID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	total := 0
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		counts[typ] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var minTS, maxTS *int64
	if err := s.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM MIN("timestamp"))::bigint, EXTRACT(EPOCH FROM MAX("timestamp"))::bigint
		 FROM events WHERE session_id = $1`, sessionID).Scan(&minTS, &maxTS); err != nil {
		return nil, fmt.Errorf("trajectory duration %s: %w", sessionID, err)
	}
	var durationMS int64
	if minTS != nil && maxTS != nil {
		durationMS = (*maxTS - *minTS) * 1000
	}

	errCount := counts[string(event.TypePlanFailed)] + counts[string(event.TypeActionFailed)] + counts[string(event.TypeTriggerFailed)]

	return &eventstore.TrajectorySummary{
		TotalEvents: total,
		EventCounts: counts,
		DurationMS:  durationMS,
		ErrorCount:  errCount,
	}, nil
}

var _ eventstore.Store = (*EventStore)(nil)
