// Package neo4jstore implements cadence.Store on a Neo4j graph database.
//
// Items become (:Item) nodes, connections become [:CONNECTS] relationships,
// and snapshots become (:Snapshot) nodes linked to their triple by [:OF]
// (item), [:AT] (context) and [:BY] (source) relationships, which keeps the
// reconciliation graph explorable in the Neo4j browser. Property values are
// stored in their canonical scalar text form under prefixed keys, so the
// exact-decimal semantics of the engine survive the round trip.
package neo4jstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cadence "github.com/cadence-works/go-cadence"
	"github.com/google/uuid"
)

// Store implements cadence.Store and cadence.Batcher on a Neo4j database.
//
// Every operation opens its own session, which keeps session-specific errors
// and resources contained. Import batches run in a single ExecuteWrite
// transaction, so a failed import rolls back wholesale.
type Store struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name.

	// We have observed that Neo4j's default isolation lets a read
	// transaction see the middle of a concurrent write batch. The engine's
	// discipline is one writer at a time with readers excluded while a
	// batch runs, which is exactly sync.RWMutex: writes take the exclusive
	// lock, reads share.
	mu sync.RWMutex
}

// New returns a Store over the given database. Call Bootstrap once per
// database before first use.
func New(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database}
}

// A errPropertyNotFound occurs when an expected column or property of a query
// result is missing. It most likely means a Cypher query was changed without
// modifying the surrounding code. Expect a panic eventually.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a query result property has a
// runtime type different from the expected type. Like errPropertyNotFound, it
// indicates query/code drift and eventually panics.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	return "unexpected property type: " + e.Type.String()
}

// escalate separates the errors a caller can act on from developer errors. A
// missing result property means a Cypher query drifted from the code around
// it; nothing at runtime can fix that, so we stop loudly.
func escalate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{}) {
		component.Logger(ctx).ErrorContext(ctx, "A Cypher query was modified without care.", "error", err)
		panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
	}
	return err
}

// read runs fn in a read transaction on a fresh session, sharing the lock
// with other readers.
func (s *Store) read(ctx context.Context, op string, fn func(ctx context.Context, tx neo4j.ManagedTransaction) error) error {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
	))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(ctx, tx)
	})
	return escalate(ctx, err)
}

// write runs fn in a write transaction on a fresh session, holding the
// exclusive lock.
func (s *Store) write(ctx context.Context, op string, fn func(ctx context.Context, tx neo4j.ManagedTransaction) error) error {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	// Write transactions go through the SDK's transaction functions so we
	// get its retry and deadlock handling for free.
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(ctx, tx)
	})
	return escalate(ctx, err)
}

// Item implements cadence.Store.
func (s *Store) Item(ctx context.Context, id uuid.UUID) (item cadence.Item, err error) {
	err = s.read(ctx, "neo4jstore.Item", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		item, err = itemByID(ctx, tx, id)
		return err
	})
	return item, err
}

// ItemByIdentifier implements cadence.Store.
func (s *Store) ItemByIdentifier(ctx context.Context, itemType, identifier string) (item cadence.Item, err error) {
	err = s.read(ctx, "neo4jstore.ItemByIdentifier", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		item, err = itemByIdentifier(ctx, tx, itemType, identifier)
		return err
	})
	return item, err
}

// ItemsByType implements cadence.Store.
func (s *Store) ItemsByType(ctx context.Context, itemType string) (items []cadence.Item, err error) {
	err = s.read(ctx, "neo4jstore.ItemsByType", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		items, err = itemsByType(ctx, tx, itemType)
		return err
	})
	return items, err
}

// CreateItem implements cadence.Store.
func (s *Store) CreateItem(ctx context.Context, item *cadence.Item) error {
	return s.write(ctx, "neo4jstore.CreateItem", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		return createItem(ctx, tx, item)
	})
}

// UpdateItemProperties implements cadence.Store.
func (s *Store) UpdateItemProperties(ctx context.Context, id uuid.UUID, props cadence.PropertyMap) error {
	return s.write(ctx, "neo4jstore.UpdateItemProperties", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		return updateItemProperties(ctx, tx, id, props)
	})
}

// Snapshots implements cadence.Store.
func (s *Store) Snapshots(ctx context.Context, filter cadence.SnapshotFilter) (snapshots []cadence.Snapshot, err error) {
	err = s.read(ctx, "neo4jstore.Snapshots", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		snapshots, err = snapshotList(ctx, tx, filter)
		return err
	})
	return snapshots, err
}

// UpsertSnapshot implements cadence.Store.
func (s *Store) UpsertSnapshot(ctx context.Context, snapshot *cadence.Snapshot) (created bool, err error) {
	err = s.write(ctx, "neo4jstore.UpsertSnapshot", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		created, err = upsertSnapshot(ctx, tx, snapshot)
		return err
	})
	return created, err
}

// Connections implements cadence.Store.
func (s *Store) Connections(ctx context.Context, fromID, toID uuid.UUID) (conns []cadence.Connection, err error) {
	err = s.read(ctx, "neo4jstore.Connections", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		conns, err = connectionList(ctx, tx, fromID, toID)
		return err
	})
	return conns, err
}

// EnsureConnection implements cadence.Store.
func (s *Store) EnsureConnection(ctx context.Context, conn *cadence.Connection) (created bool, err error) {
	err = s.write(ctx, "neo4jstore.EnsureConnection", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		created, err = ensureConnection(ctx, tx, conn)
		return err
	})
	return created, err
}

// ChildrenOf implements cadence.Store.
func (s *Store) ChildrenOf(ctx context.Context, id uuid.UUID) (children []uuid.UUID, err error) {
	err = s.read(ctx, "neo4jstore.ChildrenOf", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		children, err = childrenOf(ctx, tx, id)
		return err
	})
	return children, err
}

// Batch implements cadence.Batcher: the whole function runs inside one write
// transaction, so either every write in the batch commits or none do. The
// store handed to fn addresses that transaction directly and must not be
// retained after fn returns.
func (s *Store) Batch(ctx context.Context, fn func(ctx context.Context, tx cadence.Store) error) error {
	return s.write(ctx, "neo4jstore.Batch", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

// txStore exposes the Store operations bound to one managed transaction.
type txStore struct {
	tx neo4j.ManagedTransaction
}

func (t *txStore) Item(ctx context.Context, id uuid.UUID) (cadence.Item, error) {
	return itemByID(ctx, t.tx, id)
}

func (t *txStore) ItemByIdentifier(ctx context.Context, itemType, identifier string) (cadence.Item, error) {
	return itemByIdentifier(ctx, t.tx, itemType, identifier)
}

func (t *txStore) ItemsByType(ctx context.Context, itemType string) ([]cadence.Item, error) {
	return itemsByType(ctx, t.tx, itemType)
}

func (t *txStore) CreateItem(ctx context.Context, item *cadence.Item) error {
	return createItem(ctx, t.tx, item)
}

func (t *txStore) UpdateItemProperties(ctx context.Context, id uuid.UUID, props cadence.PropertyMap) error {
	return updateItemProperties(ctx, t.tx, id, props)
}

func (t *txStore) Snapshots(ctx context.Context, filter cadence.SnapshotFilter) ([]cadence.Snapshot, error) {
	return snapshotList(ctx, t.tx, filter)
}

func (t *txStore) UpsertSnapshot(ctx context.Context, snapshot *cadence.Snapshot) (bool, error) {
	return upsertSnapshot(ctx, t.tx, snapshot)
}

func (t *txStore) Connections(ctx context.Context, fromID, toID uuid.UUID) ([]cadence.Connection, error) {
	return connectionList(ctx, t.tx, fromID, toID)
}

func (t *txStore) EnsureConnection(ctx context.Context, conn *cadence.Connection) (bool, error) {
	return ensureConnection(ctx, t.tx, conn)
}

func (t *txStore) ChildrenOf(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return childrenOf(ctx, t.tx, id)
}
