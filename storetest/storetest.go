/*
Package storetest provides a suite of tests designed to assess
implementations of cadence.Store (e.g. in-memory, neo4j).

The tests exercise the behaviours the reconciliation engine relies on: the
upsert-on-triple invariant of snapshots, the idempotency of connections, the
merge semantics of property updates, and the deterministic orders of the list
operations.

Call storetest.Run in its own test to invoke the test-suite:

	func TestStore(t *testing.T) {
		storetest.Run(t, func(t *testing.T) cadence.Store {
			return memstore.New()
		})
	}

The factory is called once per subtest and must return an empty store, so
implementations backed by shared infrastructure should isolate each call
(e.g. a fresh database).
*/
package storetest

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	cadence "github.com/cadence-works/go-cadence"
)

// Run invokes the whole contract suite against stores built by the factory.
func Run(t *testing.T, newStore func(t *testing.T) cadence.Store) {
	t.Helper()
	t.Run("Items", func(t *testing.T) { testItems(t, newStore(t)) })
	t.Run("ItemProperties", func(t *testing.T) { testItemProperties(t, newStore(t)) })
	t.Run("SnapshotTriple", func(t *testing.T) { testSnapshotTriple(t, newStore(t)) })
	t.Run("SnapshotFilters", func(t *testing.T) { testSnapshotFilters(t, newStore(t)) })
	t.Run("SnapshotMissingReferences", func(t *testing.T) { testSnapshotMissingReferences(t, newStore(t)) })
	t.Run("Connections", func(t *testing.T) { testConnections(t, newStore(t)) })
	t.Run("Children", func(t *testing.T) { testChildren(t, newStore(t)) })
	t.Run("BatchRollback", func(t *testing.T) { testBatchRollback(t, newStore(t)) })
}

func mustCreate(t *testing.T, store cadence.Store, item cadence.Item) cadence.Item {
	t.Helper()
	if err := store.CreateItem(context.Background(), &item); err != nil {
		t.Fatalf("Failed to create %s %q: %v", item.Type, item.Identifier, err)
	}
	if item.ID == uuid.Nil {
		t.Fatalf("Created %s %q without assigning an ID", item.Type, item.Identifier)
	}
	return item
}

func testItems(t *testing.T, store cadence.Store) {
	ctx := context.Background()

	wall := mustCreate(t, store, cadence.Item{
		Type:       "wall",
		Identifier: "W-101",
		Properties: cadence.PropertyMap{"finish": cadence.String("paint")},
	})
	mustCreate(t, store, cadence.Item{Type: "wall", Identifier: "W-100"})
	mustCreate(t, store, cadence.Item{Type: "door", Identifier: "D-001"})

	got, err := store.Item(ctx, wall.ID)
	if err != nil {
		t.Fatalf("Failed to fetch item by ID: %v", err)
	}
	if diff := cmp.Diff(wall, got); diff != "" {
		t.Errorf("Item round-trip mismatch (-want +got):\n%s", diff)
	}

	got, err = store.ItemByIdentifier(ctx, "wall", "W-101")
	if err != nil {
		t.Fatalf("Failed to fetch item by identifier: %v", err)
	}
	if got.ID != wall.ID {
		t.Errorf("ItemByIdentifier returned %v, want %v", got.ID, wall.ID)
	}

	// The identifier is scoped to the type: the same identifier under
	// another type is a different item.
	if _, err := store.ItemByIdentifier(ctx, "door", "W-101"); !cadence.IsNotFound(err) {
		t.Errorf("ItemByIdentifier across types: got %v, want ErrNotFound", err)
	}
	if _, err := store.Item(ctx, uuid.New()); !cadence.IsNotFound(err) {
		t.Errorf("Item with random ID: got %v, want ErrNotFound", err)
	}

	walls, err := store.ItemsByType(ctx, "wall")
	if err != nil {
		t.Fatalf("Failed to list walls: %v", err)
	}
	want := []string{"W-100", "W-101"}
	var identifiers []string
	for _, item := range walls {
		identifiers = append(identifiers, item.Identifier)
	}
	if diff := cmp.Diff(want, identifiers); diff != "" {
		t.Errorf("ItemsByType order mismatch (-want +got):\n%s", diff)
	}
}

func testItemProperties(t *testing.T, store cadence.Store) {
	ctx := context.Background()

	wall := mustCreate(t, store, cadence.Item{
		Type:       "wall",
		Identifier: "W-101",
		Properties: cadence.PropertyMap{
			"finish": cadence.String("paint"),
			"height": cadence.String(`10'-0"`),
		},
	})

	// Updates merge: untouched properties survive, absent values delete.
	err := store.UpdateItemProperties(ctx, wall.ID, cadence.PropertyMap{
		"finish": cadence.String("tile"),
		"height": cadence.Scalar{},
		"status": cadence.String("approved"),
	})
	if err != nil {
		t.Fatalf("Failed to update properties: %v", err)
	}

	got, err := store.Item(ctx, wall.ID)
	if err != nil {
		t.Fatalf("Failed to refetch item: %v", err)
	}
	want := cadence.PropertyMap{
		"finish": cadence.String("tile"),
		"status": cadence.String("approved"),
	}
	if diff := cmp.Diff(want, got.Properties); diff != "" {
		t.Errorf("Merged properties mismatch (-want +got):\n%s", diff)
	}

	if err := store.UpdateItemProperties(ctx, uuid.New(), want); !cadence.IsNotFound(err) {
		t.Errorf("Update of missing item: got %v, want ErrNotFound", err)
	}
}

func testSnapshotTriple(t *testing.T, store cadence.Store) {
	ctx := context.Background()

	wall := mustCreate(t, store, cadence.Item{Type: "wall", Identifier: "W-101"})
	milestone := mustCreate(t, store, cadence.Item{Type: "milestone", Identifier: "design"})
	drawing := mustCreate(t, store, cadence.Item{Type: "drawing", Identifier: "A-201"})

	first := cadence.Snapshot{
		ItemID:     wall.ID,
		ContextID:  milestone.ID,
		SourceID:   drawing.ID,
		Properties: cadence.PropertyMap{"height": cadence.String(`10'-0"`), "finish": cadence.String("paint")},
	}
	created, err := store.UpsertSnapshot(ctx, &first)
	if err != nil {
		t.Fatalf("Failed to upsert first snapshot: %v", err)
	}
	if !created {
		t.Fatal("First upsert reported an update, want a creation")
	}

	// Re-asserting the same triple replaces the payload wholesale instead
	// of appending a second snapshot; properties missing from the new
	// payload are gone.
	second := cadence.Snapshot{
		ItemID:     wall.ID,
		ContextID:  milestone.ID,
		SourceID:   drawing.ID,
		Properties: cadence.PropertyMap{"height": cadence.String(`12'-0"`)},
	}
	created, err = store.UpsertSnapshot(ctx, &second)
	if err != nil {
		t.Fatalf("Failed to upsert second snapshot: %v", err)
	}
	if created {
		t.Fatal("Second upsert reported a creation, want an update")
	}
	if second.ID != first.ID {
		t.Errorf("Upsert minted a new snapshot ID %v, want %v", second.ID, first.ID)
	}

	all, err := store.Snapshots(ctx, cadence.SnapshotFilter{ItemID: wall.ID})
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("Got %d snapshots for the triple, want exactly 1", len(all))
	}
	want := cadence.PropertyMap{"height": cadence.String(`12'-0"`)}
	if diff := cmp.Diff(want, all[0].Properties); diff != "" {
		t.Errorf("Replaced payload mismatch (-want +got):\n%s", diff)
	}
}

func testSnapshotFilters(t *testing.T, store cadence.Store) {
	ctx := context.Background()

	wall := mustCreate(t, store, cadence.Item{Type: "wall", Identifier: "W-101"})
	door := mustCreate(t, store, cadence.Item{Type: "door", Identifier: "D-001"})
	design := mustCreate(t, store, cadence.Item{Type: "milestone", Identifier: "design"})
	construction := mustCreate(t, store, cadence.Item{Type: "milestone", Identifier: "construction"})
	drawing := mustCreate(t, store, cadence.Item{Type: "drawing", Identifier: "A-201"})
	schedule := mustCreate(t, store, cadence.Item{Type: "schedule", Identifier: "SCH-1"})

	assert := func(item, context_, source cadence.Item) {
		t.Helper()
		snapshot := cadence.Snapshot{
			ItemID:     item.ID,
			ContextID:  context_.ID,
			SourceID:   source.ID,
			Properties: cadence.PropertyMap{"marker": cadence.String(item.Identifier + "/" + context_.Identifier + "/" + source.Identifier)},
		}
		if _, err := store.UpsertSnapshot(ctx, &snapshot); err != nil {
			t.Fatalf("Failed to upsert snapshot: %v", err)
		}
	}
	assert(wall, design, drawing)
	assert(wall, design, schedule)
	assert(wall, construction, drawing)
	assert(door, design, drawing)

	count := func(filter cadence.SnapshotFilter) int {
		t.Helper()
		snapshots, err := store.Snapshots(ctx, filter)
		if err != nil {
			t.Fatalf("Failed to list snapshots with filter %+v: %v", filter, err)
		}
		return len(snapshots)
	}

	if got := count(cadence.SnapshotFilter{}); got != 4 {
		t.Errorf("Unfiltered listing returned %d snapshots, want 4", got)
	}
	if got := count(cadence.SnapshotFilter{ItemID: wall.ID}); got != 3 {
		t.Errorf("Item filter returned %d snapshots, want 3", got)
	}
	if got := count(cadence.SnapshotFilter{ItemID: wall.ID, ContextID: design.ID}); got != 2 {
		t.Errorf("Item+context filter returned %d snapshots, want 2", got)
	}
	if got := count(cadence.SnapshotFilter{ItemID: wall.ID, ContextID: design.ID, SourceID: schedule.ID}); got != 1 {
		t.Errorf("Full triple filter returned %d snapshots, want 1", got)
	}
	if got := count(cadence.SnapshotFilter{SourceID: drawing.ID}); got != 3 {
		t.Errorf("Source filter returned %d snapshots, want 3", got)
	}
}

func testSnapshotMissingReferences(t *testing.T, store cadence.Store) {
	ctx := context.Background()

	wall := mustCreate(t, store, cadence.Item{Type: "wall", Identifier: "W-101"})
	milestone := mustCreate(t, store, cadence.Item{Type: "milestone", Identifier: "design"})

	snapshot := cadence.Snapshot{
		ItemID:    wall.ID,
		ContextID: milestone.ID,
		SourceID:  uuid.New(), // never created
	}
	if _, err := store.UpsertSnapshot(ctx, &snapshot); !cadence.IsNotFound(err) {
		t.Errorf("Upsert with missing source: got %v, want ErrNotFound", err)
	}
}

func testConnections(t *testing.T, store cadence.Store) {
	ctx := context.Background()

	level := mustCreate(t, store, cadence.Item{Type: "level", Identifier: "L1"})
	wall := mustCreate(t, store, cadence.Item{Type: "wall", Identifier: "W-101"})
	door := mustCreate(t, store, cadence.Item{Type: "door", Identifier: "D-001"})

	first := cadence.Connection{FromID: level.ID, ToID: wall.ID, Properties: cadence.PropertyMap{"role": cadence.String("contains")}}
	created, err := store.EnsureConnection(ctx, &first)
	if err != nil {
		t.Fatalf("Failed to ensure connection: %v", err)
	}
	if !created {
		t.Fatal("First ensure reported an existing edge, want a creation")
	}

	// Ensuring the same endpoints again is a no-op that reports the
	// existing edge.
	repeat := cadence.Connection{FromID: level.ID, ToID: wall.ID}
	created, err = store.EnsureConnection(ctx, &repeat)
	if err != nil {
		t.Fatalf("Failed to re-ensure connection: %v", err)
	}
	if created {
		t.Fatal("Second ensure reported a creation, want the existing edge")
	}
	if repeat.ID != first.ID {
		t.Errorf("Re-ensure minted a new edge ID %v, want %v", repeat.ID, first.ID)
	}

	if _, err := store.EnsureConnection(ctx, &cadence.Connection{FromID: level.ID, ToID: door.ID}); err != nil {
		t.Fatalf("Failed to ensure second connection: %v", err)
	}

	outgoing, err := store.Connections(ctx, level.ID, uuid.Nil)
	if err != nil {
		t.Fatalf("Failed to list outgoing connections: %v", err)
	}
	if len(outgoing) != 2 {
		t.Errorf("Got %d outgoing connections, want 2", len(outgoing))
	}
	incoming, err := store.Connections(ctx, uuid.Nil, wall.ID)
	if err != nil {
		t.Fatalf("Failed to list incoming connections: %v", err)
	}
	if len(incoming) != 1 {
		t.Errorf("Got %d incoming connections, want 1", len(incoming))
	}

	missing := cadence.Connection{FromID: level.ID, ToID: uuid.New()}
	if _, err := store.EnsureConnection(ctx, &missing); !cadence.IsNotFound(err) {
		t.Errorf("Ensure with missing endpoint: got %v, want ErrNotFound", err)
	}
}

func testChildren(t *testing.T, store cadence.Store) {
	ctx := context.Background()

	level := mustCreate(t, store, cadence.Item{Type: "level", Identifier: "L1"})
	wall := mustCreate(t, store, cadence.Item{Type: "wall", Identifier: "W-101"})
	door := mustCreate(t, store, cadence.Item{Type: "door", Identifier: "D-001"})
	window := mustCreate(t, store, cadence.Item{Type: "window", Identifier: "WIN-1"})

	for _, child := range []cadence.Item{wall, door, window} {
		conn := cadence.Connection{FromID: level.ID, ToID: child.ID}
		if _, err := store.EnsureConnection(ctx, &conn); err != nil {
			t.Fatalf("Failed to connect %q: %v", child.Identifier, err)
		}
	}

	children, err := store.ChildrenOf(ctx, level.ID)
	if err != nil {
		t.Fatalf("Failed to list children: %v", err)
	}
	// Children come back in connection order.
	want := []uuid.UUID{wall.ID, door.ID, window.ID}
	if diff := cmp.Diff(want, children); diff != "" {
		t.Errorf("Children order mismatch (-want +got):\n%s", diff)
	}

	none, err := store.ChildrenOf(ctx, wall.ID)
	if err != nil {
		t.Fatalf("Failed to list children of a leaf: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Leaf item has %d children, want none", len(none))
	}
}

func testBatchRollback(t *testing.T, store cadence.Store) {
	batcher, ok := store.(cadence.Batcher)
	if !ok {
		t.Skip("Store does not implement batching...")
	}
	ctx := context.Background()

	wall := mustCreate(t, store, cadence.Item{Type: "wall", Identifier: "W-101"})

	failure := context.DeadlineExceeded // any sentinel will do
	err := batcher.Batch(ctx, func(ctx context.Context, tx cadence.Store) error {
		door := cadence.Item{Type: "door", Identifier: "D-001"}
		if err := tx.CreateItem(ctx, &door); err != nil {
			return err
		}
		if err := tx.UpdateItemProperties(ctx, wall.ID, cadence.PropertyMap{"finish": cadence.String("tile")}); err != nil {
			return err
		}
		return failure
	})
	if err == nil {
		t.Fatal("Batch swallowed the failure, want it returned")
	}

	// Every write of the failed batch must have been rolled back.
	if _, err := store.ItemByIdentifier(ctx, "door", "D-001"); !cadence.IsNotFound(err) {
		t.Errorf("Item created by failed batch survived: got %v, want ErrNotFound", err)
	}
	got, err := store.Item(ctx, wall.ID)
	if err != nil {
		t.Fatalf("Failed to refetch item: %v", err)
	}
	if !got.Properties.Get("finish").IsAbsent() {
		t.Errorf("Property update of failed batch survived: %v", got.Properties.Get("finish"))
	}
}
