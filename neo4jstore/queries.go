package neo4jstore

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cadence "github.com/cadence-works/go-cadence"
)

// Payload properties live under this prefix so they can never collide with
// the bookkeeping properties (id, type, identifier, timestamps).
const propPrefix = "p_"

// Timestamps are stamped by this package, not by the database clock, and
// stored as RFC 3339 strings. This keeps the values round-trippable without
// juggling the driver's temporal types and makes the two store
// implementations agree on ordering semantics.
const timeLayout = time.RFC3339Nano

func itemByID(ctx context.Context, tx neo4j.ManagedTransaction, id uuid.UUID) (cadence.Item, error) {
	result, err := tx.Run(ctx, `
		MATCH (n:Item {id: $id})
		RETURN n
	`, map[string]any{"id": id.String()})
	if err != nil {
		return cadence.Item{}, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return cadence.Item{}, fmt.Errorf("collect records: %w", err)
	}
	switch len(records) {
	case 0:
		return cadence.Item{}, fmt.Errorf("item %v: %w", id, cadence.ErrNotFound)
	case 1:
		return parseItemRecord(records[0])
	default:
		panicWithCorruptedStore(ctx, fmt.Sprintf("%d items share the id %v", len(records), id))
		panic("unreachable")
	}
}

func itemByIdentifier(ctx context.Context, tx neo4j.ManagedTransaction, itemType, identifier string) (cadence.Item, error) {
	result, err := tx.Run(ctx, `
		MATCH (n:Item {type: $type, identifier: $identifier})
		RETURN n
	`, map[string]any{"type": itemType, "identifier": identifier})
	if err != nil {
		return cadence.Item{}, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return cadence.Item{}, fmt.Errorf("collect records: %w", err)
	}
	switch len(records) {
	case 0:
		return cadence.Item{}, fmt.Errorf("item %s %q: %w", itemType, identifier, cadence.ErrNotFound)
	case 1:
		return parseItemRecord(records[0])
	default:
		// Identifiers are unique within a type; several matches mean
		// the import pipeline's invariant has been violated externally.
		panicWithCorruptedStore(ctx, fmt.Sprintf("%d %s items share the identifier %q", len(records), itemType, identifier))
		panic("unreachable")
	}
}

func itemsByType(ctx context.Context, tx neo4j.ManagedTransaction, itemType string) ([]cadence.Item, error) {
	result, err := tx.Run(ctx, `
		MATCH (n:Item {type: $type})
		RETURN n
		ORDER BY n.identifier, n.id
	`, map[string]any{"type": itemType})
	if err != nil {
		return nil, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect records: %w", err)
	}
	items := make([]cadence.Item, 0, len(records))
	for _, record := range records {
		item, err := parseItemRecord(record)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func createItem(ctx context.Context, tx neo4j.ManagedTransaction, item *cadence.Item) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now().UTC()
	props, err := formatProperties(item.Properties)
	if err != nil {
		return fmt.Errorf("format properties: %w", err)
	}
	result, err := tx.Run(ctx, `
		CREATE (n:Item {id: $id, type: $type, identifier: $identifier, created_at: $now, updated_at: $now})
		SET n += $props
		RETURN count(n) AS nodes
	`, map[string]any{
		"id":         item.ID.String(),
		"type":       item.Type,
		"identifier": item.Identifier,
		"now":        now.Format(timeLayout),
		"props":      props,
	})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}
	nodes, err := getRecordProperty[int64](record, "nodes")
	if err != nil {
		return fmt.Errorf("get nodes: %w", err)
	}
	if nodes != 1 {
		panicWithCorruptedStore(ctx, fmt.Sprintf("create-item created %v nodes instead of 1", nodes))
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

func updateItemProperties(ctx context.Context, tx neo4j.ManagedTransaction, id uuid.UUID, props cadence.PropertyMap) error {
	formatted, err := formatProperties(props)
	if err != nil {
		return fmt.Errorf("format properties: %w", err)
	}
	// Cypher's += treats null map values as property removals, which is
	// exactly the merge semantics of PropertyMap: absent deletes.
	result, err := tx.Run(ctx, `
		MATCH (n:Item {id: $id})
		SET n += $props, n.updated_at = $now
		RETURN count(n) AS nodes
	`, map[string]any{
		"id":    id.String(),
		"props": formatted,
		"now":   time.Now().UTC().Format(timeLayout),
	})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}
	nodes, err := getRecordProperty[int64](record, "nodes")
	if err != nil {
		return fmt.Errorf("get nodes: %w", err)
	}
	switch nodes {
	case 0:
		return fmt.Errorf("item %v: %w", id, cadence.ErrNotFound)
	case 1:
		return nil
	default:
		panicWithCorruptedStore(ctx, fmt.Sprintf("update-item modified %v nodes instead of 1", nodes))
		panic("unreachable")
	}
}

func snapshotList(ctx context.Context, tx neo4j.ManagedTransaction, filter cadence.SnapshotFilter) ([]cadence.Snapshot, error) {
	// Unconstrained legs of the triple are passed as empty strings; the
	// query treats those as wildcards.
	result, err := tx.Run(ctx, `
		MATCH (sn:Snapshot)
		WHERE ($item_id = '' OR sn.item_id = $item_id)
		  AND ($context_id = '' OR sn.context_id = $context_id)
		  AND ($source_id = '' OR sn.source_id = $source_id)
		RETURN sn
		ORDER BY sn.created_at, sn.id
	`, map[string]any{
		"item_id":    optionalID(filter.ItemID),
		"context_id": optionalID(filter.ContextID),
		"source_id":  optionalID(filter.SourceID),
	})
	if err != nil {
		return nil, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect records: %w", err)
	}
	snapshots := make([]cadence.Snapshot, 0, len(records))
	for _, record := range records {
		snapshot, err := parseSnapshotRecord(record)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func upsertSnapshot(ctx context.Context, tx neo4j.ManagedTransaction, snapshot *cadence.Snapshot) (bool, error) {
	candidate := uuid.New()
	props, err := formatProperties(snapshot.Properties)
	if err != nil {
		return false, fmt.Errorf("format properties: %w", err)
	}
	// The MERGE key is the (item, context, source) triple, which is what
	// makes upsert-on-triple atomic under the uniqueness constraint. The
	// full SET wipes the previous payload so retracted properties do not
	// linger. The relationships mirror the triple for graph browsing.
	result, err := tx.Run(ctx, `
		MATCH (i:Item {id: $item_id})
		MATCH (c:Item {id: $context_id})
		MATCH (src:Item {id: $source_id})
		MERGE (sn:Snapshot {item_id: $item_id, context_id: $context_id, source_id: $source_id})
		ON CREATE SET sn.id = $id, sn.created_at = $now
		WITH sn, (sn.id = $id) AS created, i, c, src
		SET sn = {id: sn.id, item_id: $item_id, context_id: $context_id, source_id: $source_id, created_at: sn.created_at}
		SET sn += $props
		MERGE (sn)-[:OF]->(i)
		MERGE (sn)-[:AT]->(c)
		MERGE (sn)-[:BY]->(src)
		RETURN sn.id AS id, sn.created_at AS created_at, created
	`, map[string]any{
		"item_id":    snapshot.ItemID.String(),
		"context_id": snapshot.ContextID.String(),
		"source_id":  snapshot.SourceID.String(),
		"id":         candidate.String(),
		"now":        time.Now().UTC().Format(timeLayout),
		"props":      props,
	})
	if err != nil {
		return false, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return false, fmt.Errorf("collect records: %w", err)
	}
	if len(records) == 0 {
		// One of the MATCH clauses found nothing.
		return false, fmt.Errorf("snapshot references a missing item, context or source: %w", cadence.ErrNotFound)
	}
	record := records[0]

	id, err := getRecordProperty[string](record, "id")
	if err != nil {
		return false, fmt.Errorf("get id: %w", err)
	}
	storedID, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("parse snapshot id %q: %w", id, err)
	}
	createdAt, err := getRecordProperty[string](record, "created_at")
	if err != nil {
		return false, fmt.Errorf("get created_at: %w", err)
	}
	stamp, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return false, fmt.Errorf("parse snapshot created_at %q: %w", createdAt, err)
	}
	created, err := getRecordProperty[bool](record, "created")
	if err != nil {
		return false, fmt.Errorf("get created: %w", err)
	}

	snapshot.ID = storedID
	snapshot.CreatedAt = stamp
	return created, nil
}

func connectionList(ctx context.Context, tx neo4j.ManagedTransaction, fromID, toID uuid.UUID) ([]cadence.Connection, error) {
	result, err := tx.Run(ctx, `
		MATCH (a:Item)-[e:CONNECTS]->(b:Item)
		WHERE ($from_id = '' OR a.id = $from_id)
		  AND ($to_id = '' OR b.id = $to_id)
		RETURN e, a.id AS from_id, b.id AS to_id
		ORDER BY e.created_at, e.id
	`, map[string]any{
		"from_id": optionalID(fromID),
		"to_id":   optionalID(toID),
	})
	if err != nil {
		return nil, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect records: %w", err)
	}
	conns := make([]cadence.Connection, 0, len(records))
	for _, record := range records {
		conn, err := parseConnectionRecord(record)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func ensureConnection(ctx context.Context, tx neo4j.ManagedTransaction, conn *cadence.Connection) (bool, error) {
	candidate := uuid.New()
	props, err := formatProperties(conn.Properties)
	if err != nil {
		return false, fmt.Errorf("format properties: %w", err)
	}
	result, err := tx.Run(ctx, `
		MATCH (a:Item {id: $from_id})
		MATCH (b:Item {id: $to_id})
		MERGE (a)-[e:CONNECTS]->(b)
		ON CREATE SET e.id = $id, e.created_at = $now, e += $props
		RETURN e.id AS id, e.created_at AS created_at, (e.id = $id) AS created
	`, map[string]any{
		"from_id": conn.FromID.String(),
		"to_id":   conn.ToID.String(),
		"id":      candidate.String(),
		"now":     time.Now().UTC().Format(timeLayout),
		"props":   props,
	})
	if err != nil {
		return false, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return false, fmt.Errorf("collect records: %w", err)
	}
	if len(records) == 0 {
		return false, fmt.Errorf("connection references a missing endpoint: %w", cadence.ErrNotFound)
	}
	record := records[0]

	id, err := getRecordProperty[string](record, "id")
	if err != nil {
		return false, fmt.Errorf("get id: %w", err)
	}
	storedID, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("parse connection id %q: %w", id, err)
	}
	createdAt, err := getRecordProperty[string](record, "created_at")
	if err != nil {
		return false, fmt.Errorf("get created_at: %w", err)
	}
	stamp, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return false, fmt.Errorf("parse connection created_at %q: %w", createdAt, err)
	}
	created, err := getRecordProperty[bool](record, "created")
	if err != nil {
		return false, fmt.Errorf("get created: %w", err)
	}

	conn.ID = storedID
	conn.CreatedAt = stamp
	return created, nil
}

func childrenOf(ctx context.Context, tx neo4j.ManagedTransaction, id uuid.UUID) ([]uuid.UUID, error) {
	result, err := tx.Run(ctx, `
		MATCH (:Item {id: $id})-[e:CONNECTS]->(b:Item)
		RETURN b.id AS id
		ORDER BY e.created_at, e.id
	`, map[string]any{"id": id.String()})
	if err != nil {
		return nil, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect records: %w", err)
	}
	children := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		raw, err := getRecordProperty[string](record, "id")
		if err != nil {
			return nil, fmt.Errorf("get id: %w", err)
		}
		child, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse child id %q: %w", raw, err)
		}
		children = append(children, child)
	}
	return children, nil
}

func optionalID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// formatProperties flattens a PropertyMap into prefixed scalar-text database
// properties. Absent values become nulls, which Cypher's += turns into
// removals.
func formatProperties(props cadence.PropertyMap) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for _, name := range props.Keys() {
		value := props.Get(name)
		if value.IsAbsent() {
			out[propPrefix+name] = nil
			continue
		}
		text, err := value.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		out[propPrefix+name] = string(text)
	}
	return out, nil
}

// parseProperties is the inverse of formatProperties.
func parseProperties(node neo4j.Node) (cadence.PropertyMap, error) {
	props := make(cadence.PropertyMap)
	for key, raw := range node.Props {
		name, ok := strings.CutPrefix(key, propPrefix)
		if !ok {
			continue
		}
		text, ok := raw.(string)
		if !ok {
			return nil, unexpectedPropertyTypeError{Type: reflect.TypeOf(raw)}
		}
		var value cadence.Scalar
		if err := value.UnmarshalText([]byte(text)); err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		props[name] = value
	}
	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}

func parseItemRecord(record *neo4j.Record) (cadence.Item, error) {
	node, err := getRecordProperty[neo4j.Node](record, "n")
	if err != nil {
		return cadence.Item{}, fmt.Errorf("get n: %w", err)
	}
	return parseItemNode(node)
}

func parseItemNode(node neo4j.Node) (cadence.Item, error) {
	id, err := nodeID(node, "id")
	if err != nil {
		return cadence.Item{}, err
	}
	itemType, err := nodeString(node, "type")
	if err != nil {
		return cadence.Item{}, err
	}
	identifier, err := nodeString(node, "identifier")
	if err != nil {
		return cadence.Item{}, err
	}
	createdAt, err := nodeTime(node, "created_at")
	if err != nil {
		return cadence.Item{}, err
	}
	updatedAt, err := nodeTime(node, "updated_at")
	if err != nil {
		return cadence.Item{}, err
	}
	props, err := parseProperties(node)
	if err != nil {
		return cadence.Item{}, err
	}
	return cadence.Item{
		ID:         id,
		Type:       itemType,
		Identifier: identifier,
		Properties: props,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

func parseSnapshotRecord(record *neo4j.Record) (cadence.Snapshot, error) {
	node, err := getRecordProperty[neo4j.Node](record, "sn")
	if err != nil {
		return cadence.Snapshot{}, fmt.Errorf("get sn: %w", err)
	}
	id, err := nodeID(node, "id")
	if err != nil {
		return cadence.Snapshot{}, err
	}
	itemID, err := nodeID(node, "item_id")
	if err != nil {
		return cadence.Snapshot{}, err
	}
	contextID, err := nodeID(node, "context_id")
	if err != nil {
		return cadence.Snapshot{}, err
	}
	sourceID, err := nodeID(node, "source_id")
	if err != nil {
		return cadence.Snapshot{}, err
	}
	createdAt, err := nodeTime(node, "created_at")
	if err != nil {
		return cadence.Snapshot{}, err
	}
	props, err := parseProperties(node)
	if err != nil {
		return cadence.Snapshot{}, err
	}
	return cadence.Snapshot{
		ID:         id,
		ItemID:     itemID,
		ContextID:  contextID,
		SourceID:   sourceID,
		Properties: props,
		CreatedAt:  createdAt,
	}, nil
}

func parseConnectionRecord(record *neo4j.Record) (cadence.Connection, error) {
	edge, err := getRecordProperty[neo4j.Relationship](record, "e")
	if err != nil {
		return cadence.Connection{}, fmt.Errorf("get e: %w", err)
	}
	fromRaw, err := getRecordProperty[string](record, "from_id")
	if err != nil {
		return cadence.Connection{}, fmt.Errorf("get from_id: %w", err)
	}
	fromID, err := uuid.Parse(fromRaw)
	if err != nil {
		return cadence.Connection{}, fmt.Errorf("parse from_id %q: %w", fromRaw, err)
	}
	toRaw, err := getRecordProperty[string](record, "to_id")
	if err != nil {
		return cadence.Connection{}, fmt.Errorf("get to_id: %w", err)
	}
	toID, err := uuid.Parse(toRaw)
	if err != nil {
		return cadence.Connection{}, fmt.Errorf("parse to_id %q: %w", toRaw, err)
	}

	id, err := edgeID(edge, "id")
	if err != nil {
		return cadence.Connection{}, err
	}
	createdAt, err := edgeTime(edge, "created_at")
	if err != nil {
		return cadence.Connection{}, err
	}
	props := make(cadence.PropertyMap)
	for key, raw := range edge.Props {
		name, ok := strings.CutPrefix(key, propPrefix)
		if !ok {
			continue
		}
		text, ok := raw.(string)
		if !ok {
			return cadence.Connection{}, unexpectedPropertyTypeError{Type: reflect.TypeOf(raw)}
		}
		var value cadence.Scalar
		if err := value.UnmarshalText([]byte(text)); err != nil {
			return cadence.Connection{}, fmt.Errorf("property %q: %w", name, err)
		}
		props[name] = value
	}
	if len(props) == 0 {
		props = nil
	}
	return cadence.Connection{
		ID:         id,
		FromID:     fromID,
		ToID:       toID,
		Properties: props,
		CreatedAt:  createdAt,
	}, nil
}

func nodeString(node neo4j.Node, key string) (string, error) {
	raw, ok := node.Props[key]
	if !ok {
		return "", fmt.Errorf("node property %q: %w", key, errPropertyNotFound)
	}
	s, ok := raw.(string)
	if !ok {
		return "", unexpectedPropertyTypeError{Type: reflect.TypeOf(raw)}
	}
	return s, nil
}

func nodeID(node neo4j.Node, key string) (uuid.UUID, error) {
	raw, err := nodeString(node, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse node property %q (%q): %w", key, raw, err)
	}
	return id, nil
}

func nodeTime(node neo4j.Node, key string) (time.Time, error) {
	raw, err := nodeString(node, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse node property %q (%q): %w", key, raw, err)
	}
	return t, nil
}

func edgeID(edge neo4j.Relationship, key string) (uuid.UUID, error) {
	raw, ok := edge.Props[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("edge property %q: %w", key, errPropertyNotFound)
	}
	s, ok := raw.(string)
	if !ok {
		return uuid.Nil, unexpectedPropertyTypeError{Type: reflect.TypeOf(raw)}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse edge property %q (%q): %w", key, s, err)
	}
	return id, nil
}

func edgeTime(edge neo4j.Relationship, key string) (time.Time, error) {
	raw, ok := edge.Props[key]
	if !ok {
		return time.Time{}, fmt.Errorf("edge property %q: %w", key, errPropertyNotFound)
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, unexpectedPropertyTypeError{Type: reflect.TypeOf(raw)}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse edge property %q (%q): %w", key, s, err)
	}
	return t, nil
}

// getRecordProperty extracts a typed column from a query result record.
func getRecordProperty[T any](record *neo4j.Record, key string) (T, error) {
	var zero T
	raw, ok := record.Get(key)
	if !ok {
		return zero, fmt.Errorf("record column %q: %w", key, errPropertyNotFound)
	}
	value, ok := raw.(T)
	if !ok {
		return zero, unexpectedPropertyTypeError{Type: reflect.TypeOf(raw)}
	}
	return value, nil
}

// We operate the underlying graph in a way that surfaces violations of our
// basic invariants. When the graph has lost its integrity we may no longer
// operate on it, so we stop immediately, preceded by telemetry signals to
// bring the situation to our attention.
func panicWithCorruptedStore(ctx context.Context, reason string) {
	component.Logger(ctx).ErrorContext(ctx, "Encountered corrupted neo4j graph that violates reconciliation axioms", "error", reason)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, reason)
	panic(fmt.Errorf("neo4j graph violates reconciliation axioms: %v", reason))
}
