package inproc

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueuePublishSubscribe(t *testing.T) {
	q := New()
	done := make(chan []byte, 1)

	cancel, err := q.Subscribe(context.Background(), "plans.submitted", func(_ context.Context, subject string, data []byte) error {
		done <- data
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := q.Publish(context.Background(), "plans.submitted", []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != "payload" {
			t.Errorf("got %q, want %q", got, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func TestQueueWildcardPattern(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var received []string
	done := make(chan struct{})

	cancel, err := q.Subscribe(context.Background(), "plans.#", func(_ context.Context, subject string, _ []byte) error {
		mu.Lock()
		received = append(received, subject)
		if len(received) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	_ = q.Publish(context.Background(), "plans.submitted", nil)
	_ = q.Publish(context.Background(), "plans.security.verdict", nil)
	_ = q.Publish(context.Background(), "triggers.fire", nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for both plans.* events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Errorf("got %d matches, want 2: %v", len(received), received)
	}
}

func TestQueueCancelStopsDelivery(t *testing.T) {
	q := New()
	calls := make(chan struct{}, 1)

	cancel, err := q.Subscribe(context.Background(), "triggers.fire", func(_ context.Context, _ string, _ []byte) error {
		calls <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	_ = q.Publish(context.Background(), "triggers.fire", nil)

	select {
	case <-calls:
		t.Fatal("handler invoked after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueCloseStopsPublish(t *testing.T) {
	q := New()
	calls := make(chan struct{}, 1)

	_, err := q.Subscribe(context.Background(), "triggers.fire", func(_ context.Context, _ string, _ []byte) error {
		calls <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if q.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	_ = q.Publish(context.Background(), "triggers.fire", nil)

	select {
	case <-calls:
		t.Fatal("handler invoked after Close")
	case <-time.After(100 * time.Millisecond):
	}
}
