// Package memstore provides an in-memory implementation of cadence.Store.
//
// It exists for unit tests and for small single-process deployments; data
// does not survive the process. The implementation is deliberately plain so
// it can serve as the reference for the Store contract: every ordering and
// error behaviour here is what storetest verifies against both stores.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	cadence "github.com/cadence-works/go-cadence"
)

// Store keeps items, connections and snapshots in process memory. It is safe
// for concurrent use; Batch runs its function under the write lock and rolls
// every write back if the function fails.
type Store struct {
	mu   sync.RWMutex
	now  func() time.Time
	data data
}

type data struct {
	items       map[uuid.UUID]cadence.Item
	snapshots   map[uuid.UUID]cadence.Snapshot
	connections []cadence.Connection
}

// New returns an empty store using the wall clock.
func New() *Store { return NewWithClock(time.Now) }

// NewWithClock returns an empty store stamping CreatedAt and UpdatedAt with
// the given clock. Tests inject a deterministic clock to pin down the
// tie-break behaviour of carry-forward resolution.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now: now,
		data: data{
			items:     make(map[uuid.UUID]cadence.Item),
			snapshots: make(map[uuid.UUID]cadence.Snapshot),
		},
	}
}

// Item implements cadence.Store.
func (s *Store) Item(ctx context.Context, id uuid.UUID) (cadence.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.item(id)
}

// ItemByIdentifier implements cadence.Store.
func (s *Store) ItemByIdentifier(ctx context.Context, itemType, identifier string) (cadence.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.itemByIdentifier(itemType, identifier)
}

// ItemsByType implements cadence.Store.
func (s *Store) ItemsByType(ctx context.Context, itemType string) ([]cadence.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.itemsByType(itemType)
}

// CreateItem implements cadence.Store.
func (s *Store) CreateItem(ctx context.Context, item *cadence.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createItem(item, s.now())
}

// UpdateItemProperties implements cadence.Store.
func (s *Store) UpdateItemProperties(ctx context.Context, id uuid.UUID, props cadence.PropertyMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateItemProperties(id, props, s.now())
}

// Snapshots implements cadence.Store.
func (s *Store) Snapshots(ctx context.Context, filter cadence.SnapshotFilter) ([]cadence.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.snapshotList(filter)
}

// UpsertSnapshot implements cadence.Store.
func (s *Store) UpsertSnapshot(ctx context.Context, snapshot *cadence.Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.upsertSnapshot(snapshot, s.now())
}

// Connections implements cadence.Store.
func (s *Store) Connections(ctx context.Context, fromID, toID uuid.UUID) ([]cadence.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.connectionList(fromID, toID)
}

// EnsureConnection implements cadence.Store.
func (s *Store) EnsureConnection(ctx context.Context, conn *cadence.Connection) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ensureConnection(conn, s.now())
}

// ChildrenOf implements cadence.Store.
func (s *Store) ChildrenOf(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.childrenOf(id)
}

// Batch implements cadence.Batcher: fn runs under the write lock against a
// view of the same data, and a failure restores the state from before the
// batch. Nested batches are not supported; the view fn receives does not
// implement Batcher.
func (s *Store) Batch(ctx context.Context, fn func(ctx context.Context, tx cadence.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint := s.data.clone()
	if err := fn(ctx, &txView{store: s}); err != nil {
		s.data = checkpoint
		return err
	}
	return nil
}

// txView exposes the store inside a batch without re-acquiring the lock the
// batch already holds.
type txView struct {
	store *Store
}

func (v *txView) Item(ctx context.Context, id uuid.UUID) (cadence.Item, error) {
	return v.store.data.item(id)
}

func (v *txView) ItemByIdentifier(ctx context.Context, itemType, identifier string) (cadence.Item, error) {
	return v.store.data.itemByIdentifier(itemType, identifier)
}

func (v *txView) ItemsByType(ctx context.Context, itemType string) ([]cadence.Item, error) {
	return v.store.data.itemsByType(itemType)
}

func (v *txView) CreateItem(ctx context.Context, item *cadence.Item) error {
	return v.store.data.createItem(item, v.store.now())
}

func (v *txView) UpdateItemProperties(ctx context.Context, id uuid.UUID, props cadence.PropertyMap) error {
	return v.store.data.updateItemProperties(id, props, v.store.now())
}

func (v *txView) Snapshots(ctx context.Context, filter cadence.SnapshotFilter) ([]cadence.Snapshot, error) {
	return v.store.data.snapshotList(filter)
}

func (v *txView) UpsertSnapshot(ctx context.Context, snapshot *cadence.Snapshot) (bool, error) {
	return v.store.data.upsertSnapshot(snapshot, v.store.now())
}

func (v *txView) Connections(ctx context.Context, fromID, toID uuid.UUID) ([]cadence.Connection, error) {
	return v.store.data.connectionList(fromID, toID)
}

func (v *txView) EnsureConnection(ctx context.Context, conn *cadence.Connection) (bool, error) {
	return v.store.data.ensureConnection(conn, v.store.now())
}

func (v *txView) ChildrenOf(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return v.store.data.childrenOf(id)
}

func (d *data) item(id uuid.UUID) (cadence.Item, error) {
	item, ok := d.items[id]
	if !ok {
		return cadence.Item{}, fmt.Errorf("item %v: %w", id, cadence.ErrNotFound)
	}
	item.Properties = item.Properties.Clone()
	return item, nil
}

func (d *data) itemByIdentifier(itemType, identifier string) (cadence.Item, error) {
	for _, item := range d.items {
		if item.Type == itemType && item.Identifier == identifier {
			item.Properties = item.Properties.Clone()
			return item, nil
		}
	}
	return cadence.Item{}, fmt.Errorf("item %s %q: %w", itemType, identifier, cadence.ErrNotFound)
}

func (d *data) itemsByType(itemType string) ([]cadence.Item, error) {
	var out []cadence.Item
	for _, item := range d.items {
		if item.Type == itemType {
			item.Properties = item.Properties.Clone()
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identifier != out[j].Identifier {
			return out[i].Identifier < out[j].Identifier
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (d *data) createItem(item *cadence.Item, now time.Time) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if _, exists := d.items[item.ID]; exists {
		return fmt.Errorf("item %v already exists", item.ID)
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	stored := *item
	stored.Properties = item.Properties.Clone()
	d.items[item.ID] = stored
	return nil
}

func (d *data) updateItemProperties(id uuid.UUID, props cadence.PropertyMap, now time.Time) error {
	item, ok := d.items[id]
	if !ok {
		return fmt.Errorf("item %v: %w", id, cadence.ErrNotFound)
	}
	item.Properties = item.Properties.Merge(props)
	item.UpdatedAt = now
	d.items[id] = item
	return nil
}

func (d *data) snapshotList(filter cadence.SnapshotFilter) ([]cadence.Snapshot, error) {
	var out []cadence.Snapshot
	for _, snapshot := range d.snapshots {
		if !filter.Matches(snapshot) {
			continue
		}
		snapshot.Properties = snapshot.Properties.Clone()
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (d *data) upsertSnapshot(snapshot *cadence.Snapshot, now time.Time) (bool, error) {
	for _, leg := range []uuid.UUID{snapshot.ItemID, snapshot.ContextID, snapshot.SourceID} {
		if _, ok := d.items[leg]; !ok {
			return false, fmt.Errorf("snapshot references item %v: %w", leg, cadence.ErrNotFound)
		}
	}
	for id, existing := range d.snapshots {
		if existing.ItemID == snapshot.ItemID &&
			existing.ContextID == snapshot.ContextID &&
			existing.SourceID == snapshot.SourceID {
			existing.Properties = snapshot.Properties.Clone()
			d.snapshots[id] = existing
			snapshot.ID = existing.ID
			snapshot.CreatedAt = existing.CreatedAt
			return false, nil
		}
	}
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	snapshot.CreatedAt = now
	stored := *snapshot
	stored.Properties = snapshot.Properties.Clone()
	d.snapshots[snapshot.ID] = stored
	return true, nil
}

func (d *data) connectionList(fromID, toID uuid.UUID) ([]cadence.Connection, error) {
	var out []cadence.Connection
	for _, conn := range d.connections {
		if fromID != uuid.Nil && conn.FromID != fromID {
			continue
		}
		if toID != uuid.Nil && conn.ToID != toID {
			continue
		}
		conn.Properties = conn.Properties.Clone()
		out = append(out, conn)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (d *data) ensureConnection(conn *cadence.Connection, now time.Time) (bool, error) {
	for _, endpoint := range []uuid.UUID{conn.FromID, conn.ToID} {
		if _, ok := d.items[endpoint]; !ok {
			return false, fmt.Errorf("connection references item %v: %w", endpoint, cadence.ErrNotFound)
		}
	}
	for _, existing := range d.connections {
		if existing.FromID == conn.FromID && existing.ToID == conn.ToID {
			conn.ID = existing.ID
			conn.CreatedAt = existing.CreatedAt
			return false, nil
		}
	}
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	conn.CreatedAt = now
	stored := *conn
	stored.Properties = conn.Properties.Clone()
	d.connections = append(d.connections, stored)
	return true, nil
}

func (d *data) childrenOf(id uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, conn := range d.connections {
		if conn.FromID == id {
			out = append(out, conn.ToID)
		}
	}
	return out, nil
}

// clone takes a checkpoint of the whole state for batch rollback. Property
// maps are never mutated in place after being stored, so copying the
// containers is enough.
func (d *data) clone() data {
	items := make(map[uuid.UUID]cadence.Item, len(d.items))
	for id, item := range d.items {
		items[id] = item
	}
	snapshots := make(map[uuid.UUID]cadence.Snapshot, len(d.snapshots))
	for id, snapshot := range d.snapshots {
		snapshots[id] = snapshot
	}
	connections := make([]cadence.Connection, len(d.connections))
	copy(connections, d.connections)
	return data{items: items, snapshots: snapshots, connections: connections}
}
