// Package messagequeue defines the message queue port (interface). It is
// the pluggable backend behind the event bus's fan-out contract: an
// in-process implementation satisfies it for a single-host deployment,
// and a NATS-backed implementation satisfies it identically for a
// multi-process one.
package messagequeue

import "context"

// Handler processes a message received from the queue. The context
// carries request-scoped values such as the correlation id.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants used internally between the scheduler, executor,
// trigger daemon, and event bus. These are NATS subjects when the NATS
// backend is configured, and plain topic strings for the in-process bus.
const (
	SubjectPlanSubmitted       = "plans.submitted"
	SubjectPlanSecurityVerdict = "plans.security.verdict"
	SubjectPlanCompleted       = "plans.completed"
	SubjectPlanCancelled       = "plans.cancelled"

	SubjectActionDispatch = "actions.dispatch"
	SubjectActionResult   = "actions.result"

	SubjectApprovalRequest  = "approvals.request"
	SubjectApprovalResponse = "approvals.response"

	SubjectTriggerFire      = "triggers.fire"
	SubjectTriggerHealth    = "triggers.health"
	SubjectTriggerLifecycle = "triggers.lifecycle"
)
