// Package inproc implements the message queue port as an in-process
// fan-out, for single-host daemon deployments that don't need a
// separate NATS broker. Subscriptions use the same MQTT-style topic
// patterns (`*` one segment, trailing `#` zero-or-more) the event bus
// matches against.
package inproc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/imlsys/imlcore/internal/domain/event"
	"github.com/imlsys/imlcore/internal/port/messagequeue"
)

type subscription struct {
	id      uint64
	pattern string
	handler messagequeue.Handler
}

// Queue is an in-process messagequeue.Queue: Publish hands data directly
// to every matching subscriber's handler on its own goroutine, so a slow
// handler never blocks the publisher or other subscribers.
type Queue struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	closed bool
}

// New creates an empty in-process queue.
func New() *Queue {
	return &Queue{subs: make(map[uint64]subscription)}
}

// Publish dispatches data to every subscription whose pattern matches
// subject, each in its own goroutine.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil
	}
	for _, sub := range q.subs {
		if !event.TopicMatches(sub.pattern, subject) {
			continue
		}
		handler := sub.handler
		go func() {
			if err := handler(ctx, subject, data); err != nil {
				slog.Error("inproc queue: handler failed", "subject", subject, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers handler for every subject matching pattern. The
// returned cancel func removes the subscription.
func (q *Queue) Subscribe(ctx context.Context, pattern string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = subscription{id: id, pattern: pattern, handler: handler}
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}, nil
}

// Drain removes every subscription, letting in-flight handlers finish.
func (q *Queue) Drain() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = make(map[uint64]subscription)
	return nil
}

// Close marks the queue closed; subsequent Publish calls are no-ops.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.subs = make(map[uint64]subscription)
	return nil
}

// IsConnected reports true until Close is called: an in-process queue has
// no transport to lose.
func (q *Queue) IsConnected() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return !q.closed
}

var _ messagequeue.Queue = (*Queue)(nil)
