package cadence

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Resolver answers the central temporal question of the engine: which
// snapshot of an item is in effect, per source, at a given point on the
// project timeline.
//
// Values carry forward. A source that asserted a wall's height at the
// "design" milestone and said nothing since is still asserting that height at
// "construction": for each source, the effective snapshot is the one whose
// context has the greatest ordinal not exceeding the target context's
// ordinal. Sources with no snapshot at or before the target contribute
// nothing.
type Resolver struct {
	store    Store
	registry *Registry
}

// NewResolver returns a Resolver reading through the given store with type
// semantics from the given registry.
func NewResolver(store Store, registry *Registry) *Resolver {
	return &Resolver{store: store, registry: registry}
}

// EffectiveValue is one source's standing assertion about an item at a point
// in time: the winning snapshot together with the source that made it and the
// context it was made at.
type EffectiveValue struct {
	Snapshot Snapshot
	Source   Item
	Context  Item
	Ordinal  int64
}

// RequireTimeContext loads the item with the given ID and verifies it is a
// time context according to the registry.
func (r *Resolver) RequireTimeContext(ctx context.Context, id uuid.UUID) (Item, error) {
	item, err := r.store.Item(ctx, id)
	if err != nil {
		return Item{}, fmt.Errorf("load time context %v: %w", id, err)
	}
	if !r.registry.IsTimeContext(item.Type) {
		return Item{}, &InvalidContextError{ID: item.ID, Type: item.Type}
	}
	return item, nil
}

// ContextOrdinal extracts the timeline position of a time-context item from
// its ordinal property.
func (r *Resolver) ContextOrdinal(item Item) (int64, error) {
	value := item.Properties.Get("ordinal")
	d, ok := value.Decimal()
	if !ok {
		return 0, fmt.Errorf("time context %q (%v) has no numeric ordinal property", item.Identifier, item.ID)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("time context %q (%v) has non-integer ordinal %v", item.Identifier, item.ID, d)
	}
	return d.IntPart(), nil
}

// Effective computes the per-source effective snapshots of an item as of the
// given time context. The sourceID narrows resolution to one source when
// non-zero. The result maps source ID to that source's standing assertion; a
// source absent from the map has asserted nothing at or before the context.
//
// Within a source, ties on context ordinal are broken by the latest snapshot
// CreatedAt and then by the lexicographically greatest snapshot ID, giving
// resolution a deterministic total order.
func (r *Resolver) Effective(ctx context.Context, itemID, asOfContextID, sourceID uuid.UUID) (map[uuid.UUID]EffectiveValue, error) {
	if _, err := r.store.Item(ctx, itemID); err != nil {
		return nil, fmt.Errorf("load item %v: %w", itemID, err)
	}
	asOf, err := r.RequireTimeContext(ctx, asOfContextID)
	if err != nil {
		return nil, err
	}
	cutoff, err := r.ContextOrdinal(asOf)
	if err != nil {
		return nil, err
	}

	return r.winners(ctx, itemID, sourceID, cutoff, false)
}

// PriorEffective computes the source's standing assertion about an item
// strictly before the given time context: the winner among snapshots at
// contexts with a lower ordinal. found reports whether the source asserted
// anything at all before the context.
func (r *Resolver) PriorEffective(ctx context.Context, itemID, beforeContextID, sourceID uuid.UUID) (EffectiveValue, bool, error) {
	before, err := r.RequireTimeContext(ctx, beforeContextID)
	if err != nil {
		return EffectiveValue{}, false, err
	}
	cutoff, err := r.ContextOrdinal(before)
	if err != nil {
		return EffectiveValue{}, false, err
	}
	winners, err := r.winners(ctx, itemID, sourceID, cutoff, true)
	if err != nil {
		return EffectiveValue{}, false, err
	}
	winner, found := winners[sourceID]
	return winner, found, nil
}

// winners runs the carry-forward scan shared by Effective and
// PriorEffective: per source, keep the best snapshot whose context ordinal is
// at most (or, when strict, strictly below) the cutoff.
func (r *Resolver) winners(ctx context.Context, itemID, sourceID uuid.UUID, cutoff int64, strict bool) (map[uuid.UUID]EffectiveValue, error) {
	snapshots, err := r.store.Snapshots(ctx, SnapshotFilter{ItemID: itemID, SourceID: sourceID})
	if err != nil {
		return nil, fmt.Errorf("load snapshots of item %v: %w", itemID, err)
	}

	// Resolve each snapshot's context to its timeline ordinal once.
	contexts := make(map[uuid.UUID]Item)
	ordinals := make(map[uuid.UUID]int64)
	for _, s := range snapshots {
		if _, seen := contexts[s.ContextID]; seen {
			continue
		}
		contextItem, err := r.RequireTimeContext(ctx, s.ContextID)
		if err != nil {
			return nil, fmt.Errorf("snapshot %v: %w", s.ID, err)
		}
		ordinal, err := r.ContextOrdinal(contextItem)
		if err != nil {
			return nil, fmt.Errorf("snapshot %v: %w", s.ID, err)
		}
		contexts[s.ContextID] = contextItem
		ordinals[s.ContextID] = ordinal
	}

	winners := make(map[uuid.UUID]EffectiveValue)
	for _, s := range snapshots {
		ordinal := ordinals[s.ContextID]
		if ordinal > cutoff || (strict && ordinal == cutoff) {
			continue
		}
		candidate := EffectiveValue{Snapshot: s, Context: contexts[s.ContextID], Ordinal: ordinal}
		current, held := winners[s.SourceID]
		if !held || supersedes(candidate, current) {
			winners[s.SourceID] = candidate
		}
	}

	// Attach the source items so callers can reason about source types and
	// identifiers without further lookups.
	for id, winner := range winners {
		source, err := r.store.Item(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load source %v of snapshot %v: %w", id, winner.Snapshot.ID, err)
		}
		winner.Source = source
		winners[id] = winner
	}
	return winners, nil
}

// supersedes reports whether candidate beats current for the same source:
// greater ordinal first, then later CreatedAt, then greater snapshot ID.
func supersedes(candidate, current EffectiveValue) bool {
	if candidate.Ordinal != current.Ordinal {
		return candidate.Ordinal > current.Ordinal
	}
	if !candidate.Snapshot.CreatedAt.Equal(current.Snapshot.CreatedAt) {
		return candidate.Snapshot.CreatedAt.After(current.Snapshot.CreatedAt)
	}
	return candidate.Snapshot.ID.String() > current.Snapshot.ID.String()
}

// MergedEffective flattens the per-source effective values of an item into a
// single property map. Ordinary sources apply in ascending identifier order
// with later sources overwriting earlier ones per property; resolution
// sources (decisions) apply last and therefore always win the properties they
// assert.
func (r *Resolver) MergedEffective(ctx context.Context, itemID, asOfContextID uuid.UUID) (PropertyMap, error) {
	effective, err := r.Effective(ctx, itemID, asOfContextID, uuid.Nil)
	if err != nil {
		return nil, err
	}
	merged := make(PropertyMap)
	for _, value := range orderedValues(effective, r.registry) {
		for name, v := range value.Snapshot.Properties {
			if v.IsAbsent() {
				continue
			}
			merged[name] = v
		}
	}
	return merged, nil
}

// orderedValues sorts effective values into the deterministic merge order:
// ordinary sources before resolution sources, ascending source identifier
// within each group, source ID as the final tie-break.
func orderedValues(effective map[uuid.UUID]EffectiveValue, registry *Registry) []EffectiveValue {
	out := make([]EffectiveValue, 0, len(effective))
	for _, v := range effective {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ar, br := registry.IsResolutionSource(a.Source.Type), registry.IsResolutionSource(b.Source.Type)
		if ar != br {
			return !ar
		}
		if a.Source.Identifier != b.Source.Identifier {
			return a.Source.Identifier < b.Source.Identifier
		}
		return a.Source.ID.String() < b.Source.ID.String()
	})
	return out
}
