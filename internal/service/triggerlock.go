package service

import (
	"context"
	"sync"
	"time"

	"github.com/imlsys/imlcore/internal/domain/trigger"
)

// ResourceLock arbitrates the Trigger Daemon's resource_lock map: a key
// identifies a physical resource (a device, an external account, a
// document) a fired plan is about to operate on, and the value is the id
// of the plan currently holding it. In-process by default; an optional
// Redis-backed implementation (internal/adapter/redis) gives the same
// contract across multiple daemon instances.
type ResourceLock interface {
	// TryAcquire attempts to bind key to planID, succeeding only if the
	// key is unheld or already held by planID.
	TryAcquire(ctx context.Context, key, planID string) (bool, error)
	// Release unbinds key, but only if it is currently held by planID.
	Release(ctx context.Context, key, planID string) error
	// HolderOf reports the plan id currently holding key, if any.
	HolderOf(ctx context.Context, key string) (string, bool, error)
}

// InProcessResourceLock is the default ResourceLock: a mutex-guarded map,
// sufficient for a single daemon instance.
type InProcessResourceLock struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewInProcessResourceLock creates an InProcessResourceLock.
func NewInProcessResourceLock() *InProcessResourceLock {
	return &InProcessResourceLock{holders: make(map[string]string)}
}

func (l *InProcessResourceLock) TryAcquire(ctx context.Context, key, planID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, held := l.holders[key]; held && holder != planID {
		return false, nil
	}
	l.holders[key] = planID
	return true, nil
}

func (l *InProcessResourceLock) Release(ctx context.Context, key, planID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[key] == planID {
		delete(l.holders, key)
	}
	return nil
}

func (l *InProcessResourceLock) HolderOf(ctx context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, ok := l.holders[key]
	return holder, ok, nil
}

// ConflictResolver applies a trigger's conflict_policy against its
// resource_lock, per spec §4.9: queue waits (up to a configurable
// ceiling) for the lock to free, preempt cancels the current holder and
// takes the lock, reject drops the fire outright.
type ConflictResolver struct {
	lock         ResourceLock
	queueTimeout time.Duration
	cancelPlan   func(planID string) // best-effort; nil-safe no-op if unset
	pollInterval time.Duration
}

// NewConflictResolver creates a ConflictResolver. cancelPlan is invoked
// (if non-nil) to ask the executor to cancel a preempted plan; it is not
// awaited synchronously since plan cancellation is itself cooperative.
func NewConflictResolver(lock ResourceLock, queueTimeout time.Duration, cancelPlan func(planID string)) *ConflictResolver {
	if queueTimeout <= 0 {
		queueTimeout = 60 * time.Second
	}
	return &ConflictResolver{lock: lock, queueTimeout: queueTimeout, cancelPlan: cancelPlan, pollInterval: 200 * time.Millisecond}
}

// Acquire resolves resourceKey's lock for planID under policy, blocking
// only for the "queue" policy. It returns false (no error) when the fire
// should be silently dropped rather than failed.
func (r *ConflictResolver) Acquire(ctx context.Context, resourceKey, planID string, policy trigger.ConflictPolicy) (bool, error) {
	if resourceKey == "" {
		return true, nil // no shared resource declared, nothing to arbitrate
	}

	ok, err := r.lock.TryAcquire(ctx, resourceKey, planID)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	switch policy {
	case trigger.ConflictReject:
		return false, nil
	case trigger.ConflictPreempt:
		if holder, held, err := r.lock.HolderOf(ctx, resourceKey); err == nil && held && r.cancelPlan != nil {
			r.cancelPlan(holder)
		}
		// The cancelled holder releases the lock once its plan reaches a
		// terminal state, so wait for that (bounded by queueTimeout).
		return r.waitAndAcquire(ctx, resourceKey, planID)
	case trigger.ConflictQueue:
		return r.waitAndAcquire(ctx, resourceKey, planID)
	default:
		return false, nil
	}
}

func (r *ConflictResolver) waitAndAcquire(ctx context.Context, resourceKey, planID string) (bool, error) {
	deadline := time.Now().Add(r.queueTimeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			ok, err := r.lock.TryAcquire(ctx, resourceKey, planID)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
			if time.Now().After(deadline) {
				return false, nil // queue wait exhausted, drop the fire
			}
		}
	}
}

// Release hands resourceKey back, nil-safe when resourceKey is empty.
func (r *ConflictResolver) Release(ctx context.Context, resourceKey, planID string) error {
	if resourceKey == "" {
		return nil
	}
	return r.lock.Release(ctx, resourceKey, planID)
}
