package cadence

import (
	"context"

	"github.com/google/uuid"
)

// SnapshotFilter selects snapshots by any combination of the triple's legs.
// A zero UUID leaves that leg unconstrained.
type SnapshotFilter struct {
	ItemID    uuid.UUID
	ContextID uuid.UUID
	SourceID  uuid.UUID
}

// Matches reports whether s satisfies every constrained leg of the filter.
func (f SnapshotFilter) Matches(s Snapshot) bool {
	if f.ItemID != uuid.Nil && s.ItemID != f.ItemID {
		return false
	}
	if f.ContextID != uuid.Nil && s.ContextID != f.ContextID {
		return false
	}
	if f.SourceID != uuid.Nil && s.SourceID != f.SourceID {
		return false
	}
	return true
}

// Store is the persistence collaborator of the engine: items, directed
// connections between them, and snapshots keyed by the (item, context,
// source) triple.
//
// Lookup operations return errors satisfying errors.Is(err, ErrNotFound) when
// the referenced record does not exist. List operations return deterministic
// orders: items by identifier then ID, snapshots by CreatedAt then ID,
// connections by CreatedAt then ID. Implementations must be safe for
// concurrent use.
type Store interface {
	// Item returns the item with the given ID.
	Item(ctx context.Context, id uuid.UUID) (Item, error)

	// ItemByIdentifier returns the item of the given type whose Identifier
	// matches exactly.
	ItemByIdentifier(ctx context.Context, itemType, identifier string) (Item, error)

	// ItemsByType returns every item of the given type.
	ItemsByType(ctx context.Context, itemType string) ([]Item, error)

	// CreateItem persists a new item. A zero ID is assigned; CreatedAt and
	// UpdatedAt are stamped by the store.
	CreateItem(ctx context.Context, item *Item) error

	// UpdateItemProperties merges the given properties into the item's
	// map. Absent values delete the property. UpdatedAt is restamped.
	UpdateItemProperties(ctx context.Context, id uuid.UUID, props PropertyMap) error

	// Snapshots returns every snapshot satisfying the filter.
	Snapshots(ctx context.Context, filter SnapshotFilter) ([]Snapshot, error)

	// UpsertSnapshot writes the assertion for the snapshot's (item,
	// context, source) triple. When a snapshot for the triple already
	// exists its properties are replaced wholesale and created reports
	// false; otherwise a new snapshot is created. The argument is updated
	// with the stored ID and CreatedAt.
	UpsertSnapshot(ctx context.Context, snapshot *Snapshot) (created bool, err error)

	// Connections returns the connections matching the given endpoints. A
	// zero UUID leaves that endpoint unconstrained.
	Connections(ctx context.Context, fromID, toID uuid.UUID) ([]Connection, error)

	// EnsureConnection creates the connection unless an edge with the same
	// endpoints already exists, in which case created reports false and
	// the argument is updated with the existing edge's ID and CreatedAt.
	EnsureConnection(ctx context.Context, conn *Connection) (created bool, err error)

	// ChildrenOf returns the IDs of items the given item connects to,
	// in connection order.
	ChildrenOf(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// Batcher is implemented by stores that can run a group of writes atomically.
// The store passed to fn addresses the same data inside the batch; if fn
// returns an error, none of the batch's writes survive.
//
// The import pipeline uses Batch when the store offers it, so a failed import
// leaves no partial rows behind.
type Batcher interface {
	Batch(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// InBatch runs fn atomically when store implements Batcher, and directly
// against store otherwise.
func InBatch(ctx context.Context, store Store, fn func(ctx context.Context, tx Store) error) error {
	if b, ok := store.(Batcher); ok {
		return b.Batch(ctx, fn)
	}
	return fn(ctx, store)
}
