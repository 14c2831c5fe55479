package service

import (
	"context"
	"fmt"

	"github.com/imlsys/imlcore/internal/domain/event"
	"github.com/imlsys/imlcore/internal/port/eventstore"
)

// ReplayService reconstructs a session's causal event trajectory and
// serves the paginated audit trail over it.
type ReplayService struct {
	events eventstore.Store
}

// NewReplayService creates a new ReplayService.
func NewReplayService(events eventstore.Store) *ReplayService {
	return &ReplayService{events: events}
}

// Replay returns a session's causal event trajectory, optionally bounded
// to an event-ID range.
func (s *ReplayService) Replay(ctx context.Context, req event.ReplayRequest) (*event.ReplayResult, error) {
	events, err := s.events.LoadBySession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("replay load events: %w", err)
	}

	events = sliceEventRange(events, req.FromEvent, req.ToEvent)

	return &event.ReplayResult{
		SessionID:  req.SessionID,
		Events:     events,
		EventCount: len(events),
	}, nil
}

// sliceEventRange trims events to [fromEvent, toEvent] inclusive by ID.
// Empty bounds mean "from the beginning" / "to the end".
func sliceEventRange(events []event.UniversalEvent, fromID, toID string) []event.UniversalEvent {
	start := 0
	end := len(events)
	if fromID != "" {
		for i, e := range events {
			if e.ID == fromID {
				start = i
				break
			}
		}
	}
	if toID != "" {
		for i, e := range events {
			if e.ID == toID {
				end = i + 1
				break
			}
		}
	}
	if start >= end {
		return nil
	}
	return events[start:end]
}

// AuditTrail returns a paginated, filtered projection of a session's event
// history for inspection tooling. It is built directly over LoadTrajectory
// rather than a dedicated audit store method, since an AuditEntry is just
// a flattened UniversalEvent and the trajectory store already paginates.
func (s *ReplayService) AuditTrail(ctx context.Context, sessionID string, filter event.AuditFilter, cursor string, limit int) (*event.AuditPage, error) {
	tf := eventstore.TrajectoryFilter{After: filter.After, Before: filter.Before}
	page, err := s.events.LoadTrajectory(ctx, sessionID, tf, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}

	entries := make([]event.AuditEntry, 0, len(page.Events))
	for _, ev := range page.Events {
		if filter.CorrelationID != "" && ev.CorrelationID != filter.CorrelationID {
			continue
		}
		if filter.TopicPattern != "" && !event.TopicMatches(filter.TopicPattern, ev.Topic) {
			continue
		}
		entries = append(entries, event.FromUniversalEvent(ev))
	}

	return &event.AuditPage{
		Entries: entries,
		Cursor:  page.Cursor,
		HasMore: page.HasMore,
		Total:   page.Total,
	}, nil
}
