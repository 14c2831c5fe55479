package service

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/imlsys/imlcore/internal/domain/trigger"
)

// fireRequest is one trigger's pending dispatch. run is synchronous from
// the scheduler's point of view: it blocks for the lifetime of the fired
// plan, so the scheduler's in-flight bookkeeping is just "is a goroutine
// still running run() for this trigger".
type fireRequest struct {
	triggerID  string
	priority   trigger.Priority
	enqueuedAt time.Time
	run        func(ctx context.Context)
}

type fireHeap []*fireRequest

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority // lower value = more urgent
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}
func (h fireHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x any)        { *h = append(*h, x.(*fireRequest)) }
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type inFlightFire struct {
	priority trigger.Priority
	cancel   func()
}

// PriorityFireScheduler dispatches trigger fires ordered by trigger.Priority
// (CRITICAL first within a tie broken by enqueue order), bounded by a
// global concurrency ceiling. A CRITICAL fire arriving at the ceiling
// preempts the lowest-priority BACKGROUND fire currently running, per
// spec §4.9.
type PriorityFireScheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  fireHeap
	closed bool

	maxConcurrent int
	inFlight      map[string]*inFlightFire // triggerID -> in-flight details
}

// NewPriorityFireScheduler creates a PriorityFireScheduler with the given
// global concurrency ceiling (default 16 when <= 0).
func NewPriorityFireScheduler(maxConcurrent int) *PriorityFireScheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	s := &PriorityFireScheduler{
		maxConcurrent: maxConcurrent,
		inFlight:      make(map[string]*inFlightFire),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// HasInFlight reports whether triggerID already has a fire running — per
// spec §4.9, a trigger with an in-flight plan gets its next fire rejected
// rather than queued.
func (s *PriorityFireScheduler) HasInFlight(triggerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[triggerID]
	return ok
}

// Enqueue submits a fire for dispatch. run is called with a context that
// is cancelled if this fire is later preempted; run must return promptly
// once its context is done. Preemption by a CRITICAL fire only cancels
// that context.
func (s *PriorityFireScheduler) Enqueue(triggerID string, priority trigger.Priority, run func(ctx context.Context)) {
	s.mu.Lock()
	heap.Push(&s.queue, &fireRequest{triggerID: triggerID, priority: priority, enqueuedAt: time.Now(), run: run})
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Run drives the dispatch loop until ctx is cancelled. Call it once, in
// its own goroutine, from the daemon's Start.
func (s *PriorityFireScheduler) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		req := heap.Pop(&s.queue).(*fireRequest)

		if _, running := s.inFlight[req.triggerID]; running {
			s.mu.Unlock()
			continue // a trigger may have at most one in-flight fire
		}

		if len(s.inFlight) >= s.maxConcurrent {
			if req.priority != trigger.PriorityCritical || !s.preemptOneLocked() {
				// No room and nothing preemptable (or req is not urgent
				// enough to preempt): re-queue and let the loop retry once
				// something frees up or a higher-priority arrival wakes it.
				heap.Push(&s.queue, req)
				s.mu.Unlock()
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		runCtx, cancel := context.WithCancel(ctx)
		s.inFlight[req.triggerID] = &inFlightFire{priority: req.priority, cancel: cancel}
		s.mu.Unlock()

		go func(req *fireRequest, runCtx context.Context, cancel func()) {
			defer func() {
				cancel()
				s.mu.Lock()
				delete(s.inFlight, req.triggerID)
				s.cond.Broadcast()
				s.mu.Unlock()
			}()
			req.run(runCtx)
		}(req, runCtx, cancel)
	}
}

// preemptOneLocked cancels one in-flight BACKGROUND fire so a CRITICAL
// arrival can take its slot; fires of any other priority are never
// preempted. Caller must hold s.mu. Returns false if no BACKGROUND fire
// is in flight.
func (s *PriorityFireScheduler) preemptOneLocked() bool {
	var victimID string
	var victim *inFlightFire
	for id, f := range s.inFlight {
		if f.priority != trigger.PriorityBackground {
			continue
		}
		if victim == nil || f.priority > victim.priority {
			victimID, victim = id, f
		}
	}
	if victim == nil {
		return false
	}
	victim.cancel()
	delete(s.inFlight, victimID)
	return true
}
