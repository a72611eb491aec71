package cadence

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Comparator diffs the resolved state of a population of items between two
// points on the project timeline: what appeared, what disappeared, and what
// changed in between.
type Comparator struct {
	store    Store
	resolver *Resolver
	registry *Registry
}

// NewComparator returns a Comparator over the given store.
func NewComparator(store Store, registry *Registry) *Comparator {
	return &Comparator{store: store, resolver: NewResolver(store, registry), registry: registry}
}

// CompareCategory classifies one item's fate between the two contexts.
type CompareCategory string

const (
	CompareAdded     CompareCategory = "added"
	CompareRemoved   CompareCategory = "removed"
	CompareModified  CompareCategory = "modified"
	CompareUnchanged CompareCategory = "unchanged"
)

// CompareRequest selects the population and the two timeline points.
//
// Exactly one of ItemIDs and ParentID must be given: either an explicit list
// of items, or every item the parent connects to. A non-zero SourceID narrows
// both sides to that single source's assertions; otherwise each side is the
// merged effective state across all sources.
type CompareRequest struct {
	ItemIDs  []uuid.UUID
	ParentID uuid.UUID

	FromContextID uuid.UUID
	ToContextID   uuid.UUID

	SourceID uuid.UUID

	// Limit and Offset page through the comparison items after
	// classification, so the summary always covers the whole population.
	// A zero Limit returns everything.
	Limit  int
	Offset int
}

// ItemComparison is the fate of one item between the two contexts. Diffs
// lists the differing properties; for added and removed items every asserted
// property appears as a diff against absence.
type ItemComparison struct {
	Item     ItemRef
	Category CompareCategory
	Diffs    []PropertyDiff
}

// CompareSummary counts the whole population by category. Total is the sum of
// the four counts.
type CompareSummary struct {
	Added     int
	Removed   int
	Modified  int
	Unchanged int
	Total     int
}

// CompareResult is the outcome of one comparison.
type CompareResult struct {
	FromContext ItemRef
	ToContext   ItemRef
	Items       []ItemComparison
	Summary     CompareSummary
	Limit       int
	Offset      int
}

// Compare resolves each item of the population at both contexts and
// classifies it. An item with no standing assertion on either side is skipped
// entirely; it exists in neither world, so there is nothing to say about it.
func (c *Comparator) Compare(ctx context.Context, req CompareRequest) (CompareResult, error) {
	if (len(req.ItemIDs) == 0) == (req.ParentID == uuid.Nil) {
		return CompareResult{}, &ValidationError{Reason: "exactly one of an item list or a parent must be given"}
	}
	if req.Limit < 0 || req.Offset < 0 {
		return CompareResult{}, &ValidationError{Reason: "limit and offset must not be negative"}
	}

	from, err := c.resolver.RequireTimeContext(ctx, req.FromContextID)
	if err != nil {
		return CompareResult{}, err
	}
	to, err := c.resolver.RequireTimeContext(ctx, req.ToContextID)
	if err != nil {
		return CompareResult{}, err
	}
	if req.SourceID != uuid.Nil {
		source, err := c.store.Item(ctx, req.SourceID)
		if err != nil {
			return CompareResult{}, fmt.Errorf("load source %v: %w", req.SourceID, err)
		}
		if !c.registry.IsSourceType(source.Type) {
			return CompareResult{}, &ValidationError{Reason: fmt.Sprintf(
				"item %q of type %s is not a source", source.Identifier, source.Type)}
		}
	}

	population, err := c.population(ctx, req)
	if err != nil {
		return CompareResult{}, err
	}

	var items []ItemComparison
	var summary CompareSummary
	for _, item := range population {
		before, beforeExists, err := c.sideState(ctx, item.ID, req.FromContextID, req.SourceID)
		if err != nil {
			return CompareResult{}, fmt.Errorf("resolve %q at %q: %w", item.Identifier, from.Identifier, err)
		}
		after, afterExists, err := c.sideState(ctx, item.ID, req.ToContextID, req.SourceID)
		if err != nil {
			return CompareResult{}, fmt.Errorf("resolve %q at %q: %w", item.Identifier, to.Identifier, err)
		}

		var comparison ItemComparison
		switch {
		case !beforeExists && !afterExists:
			continue
		case !beforeExists:
			summary.Added++
			comparison = ItemComparison{Item: item.Ref(), Category: CompareAdded, Diffs: DiffAllProperties(nil, after)}
		case !afterExists:
			summary.Removed++
			comparison = ItemComparison{Item: item.Ref(), Category: CompareRemoved, Diffs: DiffAllProperties(before, nil)}
		default:
			diffs := DiffAllProperties(before, after)
			if len(diffs) == 0 {
				summary.Unchanged++
				comparison = ItemComparison{Item: item.Ref(), Category: CompareUnchanged}
			} else {
				summary.Modified++
				comparison = ItemComparison{Item: item.Ref(), Category: CompareModified, Diffs: diffs}
			}
		}
		items = append(items, comparison)
	}
	summary.Total = summary.Added + summary.Removed + summary.Modified + summary.Unchanged

	sort.Slice(items, func(i, j int) bool {
		if items[i].Item.Identifier != items[j].Item.Identifier {
			return items[i].Item.Identifier < items[j].Item.Identifier
		}
		return items[i].Item.ID.String() < items[j].Item.ID.String()
	})
	items = paginate(items, req.Limit, req.Offset)

	return CompareResult{
		FromContext: from.Ref(),
		ToContext:   to.Ref(),
		Items:       items,
		Summary:     summary,
		Limit:       req.Limit,
		Offset:      req.Offset,
	}, nil
}

// population loads the items under comparison, in request order for explicit
// lists and in connection order for a parent.
func (c *Comparator) population(ctx context.Context, req CompareRequest) ([]Item, error) {
	var ids []uuid.UUID
	if len(req.ItemIDs) > 0 {
		ids = req.ItemIDs
	} else {
		children, err := c.store.ChildrenOf(ctx, req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load children of %v: %w", req.ParentID, err)
		}
		ids = children
	}
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		item, err := c.store.Item(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load item %v: %w", id, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// sideState resolves one side of the comparison: a single source's effective
// assertion when sourceID is set, the merged state of all sources otherwise.
// exists reports whether any assertion stands at the context at all.
func (c *Comparator) sideState(ctx context.Context, itemID, contextID, sourceID uuid.UUID) (props PropertyMap, exists bool, err error) {
	effective, err := c.resolver.Effective(ctx, itemID, contextID, sourceID)
	if err != nil {
		return nil, false, err
	}
	if len(effective) == 0 {
		return nil, false, nil
	}
	if sourceID != uuid.Nil {
		return effective[sourceID].Snapshot.Properties, true, nil
	}
	merged := make(PropertyMap)
	for _, value := range orderedValues(effective, c.registry) {
		for name, v := range value.Snapshot.Properties {
			if v.IsAbsent() {
				continue
			}
			merged[name] = v
		}
	}
	return merged, true, nil
}

func paginate(items []ItemComparison, limit, offset int) []ItemComparison {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
