package cadence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

// ImportCompleted notifies downstream consumers that an import batch has
// committed: which source delivered rows at which context, what the batch
// did, and every conflict it raised. Messages are gob-encoded.
type ImportCompleted struct {
	Batch   ItemRef
	Source  ItemRef
	Context ItemRef
	Stats   ImportStats

	Conflicts []ConflictRecord

	// The time, in UTC, the batch committed. The information in this
	// message is accurate up to this timestamp, not a moment afterward.
	Timestamp time.Time
}

// NewImportCompleted derives the event from a finished import.
func NewImportCompleted(result ImportResult) ImportCompleted {
	return ImportCompleted{
		Batch:     result.Batch,
		Source:    result.Source,
		Context:   result.Context,
		Stats:     result.Stats,
		Conflicts: result.Conflicts,
		Timestamp: time.Now().UTC(),
	}
}

// Notifier publishes engine events to a pubsub topic.
type Notifier struct {
	topic *pubsub.Topic
}

// NewNotifier returns a Notifier publishing to the given topic. The caller
// keeps ownership of the topic and shuts it down.
func NewNotifier(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

// ImportCompleted publishes the event, fanning a per-conflict message out
// alongside the batch summary so consumers that only care about conflicts
// need not decode whole batches.
func (n *Notifier) ImportCompleted(ctx context.Context, event ImportCompleted) (err error) {
	ctx, span := startSpan(ctx, "cadence.Notifier.ImportCompleted")
	defer span.End()
	span.SetAttributes(attribute.String("cadence.batch", event.Batch.Identifier))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.send(ctx, event, event.Batch.Identifier)
	})
	for _, conflict := range event.Conflicts {
		g.Go(func() error {
			return n.send(ctx, ConflictRaised{
				Conflict:  conflict,
				Batch:     event.Batch,
				Timestamp: event.Timestamp,
			}, conflict.Conflict.Identifier)
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish import events: %w", err)
	}
	return nil
}

// ConflictRaised notifies about a single conflict detected (or reopened) by
// an import batch.
type ConflictRaised struct {
	Conflict  ConflictRecord
	Batch     ItemRef
	Timestamp time.Time
}

// send gob-encodes the event and publishes it. The key ends up in the message
// metadata so a partitioned broker keeps per-entity ordering.
func (n *Notifier) send(ctx context.Context, event any, key string) error {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&event); err != nil {
		return fmt.Errorf("encode gob: %w", err)
	}
	msg := &pubsub.Message{Body: b.Bytes(), Metadata: map[string]string{"key": key}}
	if err := n.topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Register the concrete event types so gob can identify them when decoding
// through the any-typed envelope.
func init() {
	gob.Register(ImportCompleted{})
	gob.Register(ConflictRaised{})
}

// EventHandler processes one decoded engine event. The concrete type of the
// event is one of ImportCompleted or ConflictRaised.
type EventHandler func(ctx context.Context, event any) error

// StreamEvents returns a component.Proc that receives engine events from the
// subscription and hands each to the handler. Messages are acknowledged only
// after the handler succeeds, preserving at-least-once delivery; a handler
// failure stops the Proc so the same message is retried on restart.
func StreamEvents(sub *pubsub.Subscription, handle EventHandler) component.Proc {
	return func(l *component.L) {
		logger := component.Logger(l.Context())
		for l.Continue() {
			msg, err := sub.Receive(l.GraceContext())
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return
				}
				// Receive only fails with a non-retryable driver
				// error, and we have no way to recreate the
				// subscription from here.
				panic("cannot receive messages from the pubsub service")
			}

			var event any
			if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&event); err != nil {
				logger.Error("Couldn't decode engine event, message skipped.",
					slog.Any("error", err),
				)
				// A poisoned message would otherwise be redelivered
				// forever.
				msg.Ack()
				continue
			}

			if err := handle(l.GraceContext(), event); err != nil {
				logger.Error("Couldn't handle engine event.",
					slog.Any("error", err),
				)
				panic("cannot proceed to the next engine event due to failure")
			}
			msg.Ack()
		}
	}
}
