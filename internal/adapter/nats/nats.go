// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/imlsys/imlcore/internal/logger"
	"github.com/imlsys/imlcore/internal/port/messagequeue"
)

const streamName = "IMLCORE"

// idempotencyTTL bounds how long a cached plan-submission response stays
// replayable; a client retrying past this window is treated as a new request.
const idempotencyTTL = 24 * time.Hour

// requestIDHeader carries the request id across process boundaries so a
// subscriber's handler sees the same id a publisher's caller was tagged
// with, keeping log correlation intact through the queue.
const requestIDHeader = "X-Request-Id"

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects matching our topic patterns.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"plans.>", "actions.>", "approvals.>", "triggers.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject, carrying the request id
// from ctx (if any) as a message header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header = nats.Header{requestIDHeader: []string{reqID}}
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. The
// context passed to handler carries the request id from the publishing
// side's message header, if one was set.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		handlerCtx := ctx
		if reqID := msg.Headers().Get(requestIDHeader); reqID != "" {
			handlerCtx = logger.WithRequestID(ctx, reqID)
		}
		if err := handler(handlerCtx, msg.Subject(), msg.Data()); err != nil {
			slog.Error("message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Drain gracefully drains all subscriptions before closing the connection.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is currently up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

const idempotencyBucket = "IMLCORE_IDEMPOTENCY"

// IdempotencyKV returns the JetStream KV bucket backing the HTTP
// idempotency-key middleware, creating it on first use with a TTL so
// replayed responses don't accumulate forever.
func (q *Queue) IdempotencyKV(ctx context.Context) (jetstream.KeyValue, error) {
	kv, err := q.js.KeyValue(ctx, idempotencyBucket)
	if err == nil {
		return kv, nil
	}
	kv, err = q.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: idempotencyBucket,
		TTL:    idempotencyTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency kv bucket: %w", err)
	}
	return kv, nil
}
