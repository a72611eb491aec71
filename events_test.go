package cadence_test

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"
	"time"

	cadence "github.com/cadence-works/go-cadence"
	"github.com/google/uuid"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"
)

func TestNotifierPublishesImportAndConflictEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	topic := mempubsub.NewTopic()
	t.Cleanup(func() {
		if err := topic.Shutdown(ctx); err != nil {
			t.Error("Encountered an error during cleanup while shutting down the topic:", err)
		}
	})
	sub := mempubsub.NewSubscription(topic, time.Second)
	t.Cleanup(func() {
		if err := sub.Shutdown(ctx); err != nil {
			t.Error("Encountered an error during cleanup while shutting down the subscription:", err)
		}
	})

	batch := cadence.ItemRef{ID: uuid.New(), Type: "import_batch", Identifier: "import A-101 @ design [deadbeef]"}
	conflict := cadence.ConflictRecord{
		Conflict: cadence.ItemRef{ID: uuid.New(), Type: "conflict", Identifier: "W-101 / height"},
		Property: "height",
		Status:   cadence.ConflictDetected,
		Values: []cadence.SourceValue{
			{Source: cadence.ItemRef{Identifier: "A-101"}, Value: cadence.String(`10'-0"`)},
			{Source: cadence.ItemRef{Identifier: "S-201"}, Value: cadence.String(`12'-0"`)},
		},
	}
	event := cadence.NewImportCompleted(cadence.ImportResult{
		Batch:     batch,
		Stats:     cadence.ImportStats{RowsImported: 1, ConflictsDetected: 1},
		Conflicts: []cadence.ConflictRecord{conflict},
	})

	notifier := cadence.NewNotifier(topic)
	if err := notifier.ImportCompleted(ctx, event); err != nil {
		t.Fatalf("ImportCompleted failed: %v", err)
	}

	// One batch summary plus one message per conflict, each keyed for
	// partition ordering.
	keys := make(map[string]bool)
	var imports, conflicts int
	for range 2 {
		msg := receiveEvent(t, ctx, sub)
		keys[msg.Metadata["key"]] = true

		var decoded any
		if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&decoded); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		switch e := decoded.(type) {
		case cadence.ImportCompleted:
			imports++
			if e.Batch != batch || e.Stats.ConflictsDetected != 1 {
				t.Errorf("decoded import event = %+v, want the published one", e)
			}
		case cadence.ConflictRaised:
			conflicts++
			if e.Conflict.Conflict != conflict.Conflict || e.Batch != batch {
				t.Errorf("decoded conflict event = %+v, want the published one", e)
			}
			if got := e.Conflict.Values[0].Value.Text(); got != `10'-0"` {
				t.Errorf("conflict value survived as %q, want the original text", got)
			}
		default:
			t.Errorf("decoded event of unexpected type %T", decoded)
		}
		msg.Ack()
	}
	if imports != 1 || conflicts != 1 {
		t.Errorf("received %d import and %d conflict events, want 1 each", imports, conflicts)
	}
	if !keys[batch.Identifier] || !keys[conflict.Conflict.Identifier] {
		t.Errorf("message keys = %v, want the batch and conflict identifiers", keys)
	}
}

func receiveEvent(t *testing.T, ctx context.Context, sub *pubsub.Subscription) *pubsub.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Failed to receive event: %v", err)
	}
	return msg
}
