package cadence

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// PropertyMap holds the named property assertions of an item or snapshot.
//
// Missing keys and explicitly absent Scalars are indistinguishable through
// Get, which is deliberate: "no assertion" has exactly one representation.
type PropertyMap map[string]Scalar

// Get returns the value asserted for name, or the absent Scalar when the map
// holds no such property. Get is nil-safe.
func (m PropertyMap) Get(name string) Scalar { return m[name] }

// Keys returns the property names in ascending order. Every iteration of a
// PropertyMap in the engine goes through Keys so that resolution, diffing and
// persistence are deterministic.
func (m PropertyMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy of the map. A nil map clones to nil.
func (m PropertyMap) Clone() PropertyMap {
	if m == nil {
		return nil
	}
	out := make(PropertyMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with the entries of overlay applied on top.
// Absent overlay values delete the property.
func (m PropertyMap) Merge(overlay PropertyMap) PropertyMap {
	out := m.Clone()
	if out == nil {
		out = make(PropertyMap, len(overlay))
	}
	for k, v := range overlay {
		if v.IsAbsent() {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Item is any node of the project graph: a physical element (wall, window), a
// timeline milestone, a document source, or a workflow record (change,
// conflict, decision). The Type names an entry of the Registry, which supplies
// the item's semantics.
type Item struct {
	ID         uuid.UUID
	Type       string
	Identifier string
	Properties PropertyMap
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Ref returns the lightweight reference used in views and events.
func (it Item) Ref() ItemRef {
	return ItemRef{ID: it.ID, Type: it.Type, Identifier: it.Identifier}
}

// ItemRef identifies an item without carrying its property map.
type ItemRef struct {
	ID         uuid.UUID
	Type       string
	Identifier string
}

// Connection is a directed edge between two items, e.g. containment
// (building→level→room) or provenance (change→source).
type Connection struct {
	ID         uuid.UUID
	FromID     uuid.UUID
	ToID       uuid.UUID
	Properties PropertyMap
	CreatedAt  time.Time
}

// Snapshot records one assertion triple: source said that item has these
// property values, effective from the given time context onwards. At most one
// snapshot exists per (item, context, source) triple; re-imports overwrite it
// in place rather than appending.
type Snapshot struct {
	ID         uuid.UUID
	ItemID     uuid.UUID
	ContextID  uuid.UUID
	SourceID   uuid.UUID
	Properties PropertyMap
	CreatedAt  time.Time
}
