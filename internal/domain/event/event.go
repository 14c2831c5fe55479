// Package event defines the UniversalEvent envelope, MQTT-style topic
// pattern matching, and causal linkage (spawn_child) that back the event
// bus, the audit trail, and trigger observability.
package event

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type identifies the kind of event. Topics, not types, drive subscriber
// routing; Type is a coarser label carried alongside for filtering and
// display.
type Type string

const (
	TypePlanSubmitted        Type = "plan.submitted"
	TypePlanRejected         Type = "plan.rejected"
	TypePlanStarted          Type = "plan.started"
	TypePlanSucceeded        Type = "plan.succeeded"
	TypePlanFailed           Type = "plan.failed"
	TypePlanCancelled        Type = "plan.cancelled"
	TypeActionStateChanged   Type = "action.state_changed"
	TypeActionCompleted      Type = "action.completed"
	TypeActionFailed         Type = "action.failed"
	TypeActionApprovalNeeded Type = "action.approval_requested"
	TypeActionApprovalResolved Type = "action.approval_resolved"
	TypeActionPerceptionRequested Type = "action.perception_requested"
	TypeTriggerFired         Type = "trigger.fired"
	TypeTriggerThrottled     Type = "trigger.throttled"
	TypeTriggerFailed        Type = "trigger.failed"
	TypeTriggerStateChanged  Type = "trigger.state_changed"
)

// Priority orders events for consumers that care about urgency (e.g. the
// trigger daemon's own activity feed). Lower value is more urgent,
// mirroring trigger.Priority.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PriorityBackground Priority = 4
)

// UniversalEvent is the single immutable envelope every subsystem emits
// through the bus. Once emitted, an event and its causal links never
// change: `causes` is appended to exactly once, by spawn_child.
type UniversalEvent struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Topic         string          `json:"topic"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CausedBy      string          `json:"caused_by,omitempty"`
	Causes        []string        `json:"causes,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Priority      Priority        `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewID produces a time-ordered, lexically sortable event id. ULIDs keep
// the audit trail roughly insertion-ordered even when two events share the
// same millisecond, which a plain UUIDv4 would not.
func NewID(now time.Time, entropy *ulid.MonotonicEntropy) string {
	if entropy == nil {
		return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// New builds a root event (one with no CausedBy). Root events are the only
// ones permitted to have an empty CausedBy; see invariant in SpawnChild.
func New(now time.Time, typ Type, topic, source string, payload any, priority Priority) (UniversalEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return UniversalEvent{}, err
	}
	return UniversalEvent{
		ID:        NewID(now, nil),
		Type:      typ,
		Topic:     topic,
		Timestamp: now,
		Source:    source,
		Payload:   raw,
		Priority:  priority,
	}, nil
}

// SpawnChild creates a new event causally linked to the receiver: the
// child's CausedBy is set to the parent's id, and the parent's Causes
// slice gains the child's id. The parent is mutated in place because the
// causal link is only meaningful once both sides agree on it.
func (parent *UniversalEvent) SpawnChild(now time.Time, typ Type, topic string, payload any, priority Priority) (UniversalEvent, error) {
	child, err := New(now, typ, topic, parent.Source, payload, priority)
	if err != nil {
		return UniversalEvent{}, err
	}
	child.CausedBy = parent.ID
	child.SessionID = parent.SessionID
	child.CorrelationID = parent.CorrelationID
	parent.Causes = append(parent.Causes, child.ID)
	return child, nil
}

// NormalizeTopic converts a slash-delimited topic into the bus's internal
// dot-delimited form. Both spellings are accepted at the API boundary;
// only dot form is stored and matched internally.
func NormalizeTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// patternCache avoids recompiling the same subscription pattern's regexp
// on every publish; subscriptions are long-lived and reused across many
// published events.
var patternCache = struct {
	m map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

// CompileTopicPattern converts an MQTT-style pattern into a regexp: `*`
// matches exactly one dot-delimited segment, a trailing `#` matches zero
// or more segments.
func CompileTopicPattern(pattern string) (*regexp.Regexp, error) {
	pattern = NormalizeTopic(pattern)
	if re, ok := patternCache.m[pattern]; ok {
		return re, nil
	}

	segments := strings.Split(pattern, ".")
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		if i > 0 {
			b.WriteString(`\.`)
		}
		switch seg {
		case "*":
			b.WriteString(`[^.]+`)
		case "#":
			if i > 0 {
				// trailing # folds the preceding dot into an optional group.
				s := b.String()
				b.Reset()
				b.WriteString(strings.TrimSuffix(s, `\.`))
				b.WriteString(`(\..+)?`)
			} else {
				b.WriteString(`.*`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	patternCache.m[pattern] = re
	return re, nil
}

// TopicMatches reports whether topic satisfies an MQTT-style subscription
// pattern (`*` = one segment, trailing `#` = zero or more segments).
func TopicMatches(pattern, topic string) bool {
	re, err := CompileTopicPattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(NormalizeTopic(topic))
}
