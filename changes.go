package cadence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// A change records one source revising its own story: the same document
// asserting different values for an item at a later milestone than it did
// before. Changes are ordinary items of type "change" so they travel through
// the same store, carry their detection metadata as a self-sourced snapshot,
// and link to their participants with provenance connections.

// PropertyDiff is one property whose value differs between two assertions.
type PropertyDiff struct {
	Property string
	Old      Scalar
	New      Scalar
}

// DiffNewProperties diffs the newly asserted properties against the prior
// map: every property of new whose value fails ValuesMatch against the prior
// value (including properties the prior map lacks) yields a diff. Properties
// the new map stays silent about are not diffed, because silence is not a
// retraction. Diffs come back in property-name order.
func DiffNewProperties(prior, new PropertyMap) []PropertyDiff {
	var diffs []PropertyDiff
	for _, name := range new.Keys() {
		newValue := new.Get(name)
		if newValue.IsAbsent() {
			continue
		}
		oldValue := prior.Get(name)
		if !ValuesMatch(name, oldValue, newValue) {
			diffs = append(diffs, PropertyDiff{Property: name, Old: oldValue, New: newValue})
		}
	}
	return diffs
}

// DiffAllProperties diffs the union of both maps' properties, so values
// present on either side only are reported as diffs too. Used by the temporal
// comparator, where both sides are complete resolved states.
func DiffAllProperties(before, after PropertyMap) []PropertyDiff {
	names := make(map[string]bool, len(before)+len(after))
	for name := range before {
		names[name] = true
	}
	for name := range after {
		names[name] = true
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var diffs []PropertyDiff
	for _, name := range ordered {
		oldValue, newValue := before.Get(name), after.Get(name)
		if !ValuesMatch(name, oldValue, newValue) {
			diffs = append(diffs, PropertyDiff{Property: name, Old: oldValue, New: newValue})
		}
	}
	return diffs
}

// ChangeRecord is the caller-facing account of one change item written during
// an import.
type ChangeRecord struct {
	Change       ItemRef
	AffectedItem ItemRef
	Source       ItemRef
	FromContext  ItemRef
	ToContext    ItemRef
	Diffs        []PropertyDiff
}

// Provenance roles carried on the connections of workflow items.
const (
	roleAffectedItem = "affected_item"
	roleSource       = "source"
	roleFromContext  = "from_context"
	roleToContext    = "to_context"
	roleContext      = "context"
	roleDecision     = "decision"
)

// Property names of workflow item metadata. Old/new values of a change and
// per-source values of a conflict are stored under prefixed property names so
// the metadata survives as an ordinary property map.
const (
	propStatus      = "status"
	propProperty    = "property"
	propAgreedValue = "agreed_value"
	propProperties  = "properties"
	propOldPrefix   = "old:"
	propNewPrefix   = "new:"
	propValuePrefix = "value:"
	propRole        = "role"
	propRationale   = "rationale"
)

// changeIdentifier derives the stable identity of a change from its key
// (source, item, from context, to context), so re-importing the same rows
// updates the existing change record instead of minting another.
func changeIdentifier(source, item, from, to Item) string {
	return fmt.Sprintf("%s / %s: %s -> %s", source.Identifier, item.Identifier, from.Identifier, to.Identifier)
}

// changeProperties flattens the diffs into the change item's property map.
func changeProperties(diffs []PropertyDiff) PropertyMap {
	props := PropertyMap{propStatus: String("detected")}
	names := make([]string, 0, len(diffs))
	for _, d := range diffs {
		names = append(names, d.Property)
		if !d.Old.IsAbsent() {
			props[propOldPrefix+d.Property] = d.Old
		}
		props[propNewPrefix+d.Property] = d.New
	}
	props[propProperties] = String(strings.Join(names, ","))
	return props
}

// recordChange upserts the change item for the given key, refreshes its
// self-sourced metadata snapshot at the destination context, and ensures the
// four provenance connections (source, both contexts, affected item).
func recordChange(ctx context.Context, store Store, source, item, from, to Item, diffs []PropertyDiff) (ChangeRecord, error) {
	identifier := changeIdentifier(source, item, from, to)
	props := changeProperties(diffs)

	change, err := store.ItemByIdentifier(ctx, TypeChange, identifier)
	switch {
	case err == nil:
		if err := store.UpdateItemProperties(ctx, change.ID, props); err != nil {
			return ChangeRecord{}, fmt.Errorf("update change %q: %w", identifier, err)
		}
	case IsNotFound(err):
		change = Item{Type: TypeChange, Identifier: identifier, Properties: props}
		if err := store.CreateItem(ctx, &change); err != nil {
			return ChangeRecord{}, fmt.Errorf("create change %q: %w", identifier, err)
		}
	default:
		return ChangeRecord{}, fmt.Errorf("look up change %q: %w", identifier, err)
	}

	// The metadata also lives as a snapshot (change, to-context, change),
	// subject to the same resolution machinery as any other assertion.
	snapshot := Snapshot{ItemID: change.ID, ContextID: to.ID, SourceID: change.ID, Properties: props}
	if _, err := store.UpsertSnapshot(ctx, &snapshot); err != nil {
		return ChangeRecord{}, fmt.Errorf("snapshot change %q: %w", identifier, err)
	}

	edges := []struct {
		to   uuid.UUID
		role string
	}{
		{source.ID, roleSource},
		{to.ID, roleToContext},
		{from.ID, roleFromContext},
		{item.ID, roleAffectedItem},
	}
	for _, edge := range edges {
		conn := Connection{FromID: change.ID, ToID: edge.to, Properties: PropertyMap{propRole: String(edge.role)}}
		if _, err := store.EnsureConnection(ctx, &conn); err != nil {
			return ChangeRecord{}, fmt.Errorf("connect change %q to its %s: %w", identifier, edge.role, err)
		}
	}

	return ChangeRecord{
		Change:       change.Ref(),
		AffectedItem: item.Ref(),
		Source:       source.Ref(),
		FromContext:  from.Ref(),
		ToContext:    to.Ref(),
		Diffs:        diffs,
	}, nil
}
