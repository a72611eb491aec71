package cadence

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// PropertyStatus classifies how the sources of record relate on one property
// of a resolved view.
type PropertyStatus string

const (
	// PropertySingleSource: exactly one source asserts the property.
	PropertySingleSource PropertyStatus = "single_source"
	// PropertyAgreed: several sources assert the property and all values
	// match.
	PropertyAgreed PropertyStatus = "agreed"
	// PropertyConflicted: sources assert the property with values that do
	// not match, and no decision settles it.
	PropertyConflicted PropertyStatus = "conflicted"
	// PropertyResolved: a decision settles the property, whatever the
	// documents say.
	PropertyResolved PropertyStatus = "resolved"
)

// SourceValue is one source's effective assertion of a property, kept in the
// view so clients can show who said what.
type SourceValue struct {
	Source  ItemRef
	Context ItemRef
	Value   Scalar
}

// PropertyResolution is the reconciled state of one property in a view.
// Value is the absent Scalar when the property is conflicted.
type PropertyResolution struct {
	Property string
	Status   PropertyStatus
	Value    Scalar
	Values   []SourceValue
}

// ResolvedView is the full reconciled state of an item at a time context:
// every asserted property classified by source agreement.
type ResolvedView struct {
	Item       ItemRef
	Context    ItemRef
	Properties []PropertyResolution

	// SourceCount is the number of sources with a standing assertion at
	// the context; SnapshotCount is the total number of snapshots stored
	// for the item across all contexts.
	SourceCount   int
	SnapshotCount int
}

// ResolvedView builds the reconciled state of an item as of a time context.
//
// Per property, the classification rules apply in precedence order: a
// decision source asserting the property makes it resolved; otherwise one
// asserting source makes it single_source; otherwise matching values make it
// agreed and anything else conflicted. Matching defers to ValuesMatch, so
// `8'-6"` and `102"` agree on a width.
func (r *Resolver) ResolvedView(ctx context.Context, itemID, contextID uuid.UUID) (ResolvedView, error) {
	item, err := r.store.Item(ctx, itemID)
	if err != nil {
		return ResolvedView{}, fmt.Errorf("load item %v: %w", itemID, err)
	}

	effective, err := r.Effective(ctx, itemID, contextID, uuid.Nil)
	if err != nil {
		return ResolvedView{}, err
	}
	contextItem, err := r.store.Item(ctx, contextID)
	if err != nil {
		return ResolvedView{}, fmt.Errorf("load time context %v: %w", contextID, err)
	}

	// Documents state facts; decisions settle disputes. The merge order
	// puts decisions last, so the final decision asserting a property is
	// the one that wins it.
	ordered := orderedValues(effective, r.registry)
	var documents, decisions []EffectiveValue
	for _, v := range ordered {
		if r.registry.IsResolutionSource(v.Source.Type) {
			decisions = append(decisions, v)
		} else {
			documents = append(documents, v)
		}
	}

	// The view covers what the documents assert. A decision can only settle
	// a property some document raised; decision-only properties stay out.
	names := make(map[string]bool)
	for _, v := range documents {
		for name := range v.Snapshot.Properties {
			if !v.Snapshot.Properties.Get(name).IsAbsent() {
				names[name] = true
			}
		}
	}

	var properties []PropertyResolution
	for name := range names {
		resolution := resolveProperty(name, documents, decisions)
		properties = append(properties, resolution)
	}
	sort.Slice(properties, func(i, j int) bool { return properties[i].Property < properties[j].Property })

	all, err := r.store.Snapshots(ctx, SnapshotFilter{ItemID: itemID})
	if err != nil {
		return ResolvedView{}, fmt.Errorf("count snapshots of item %v: %w", itemID, err)
	}

	return ResolvedView{
		Item:          item.Ref(),
		Context:       contextItem.Ref(),
		Properties:    properties,
		SourceCount:   len(effective),
		SnapshotCount: len(all),
	}, nil
}

func resolveProperty(name string, documents, decisions []EffectiveValue) PropertyResolution {
	resolution := PropertyResolution{Property: name}

	for _, doc := range documents {
		value := doc.Snapshot.Properties.Get(name)
		if value.IsAbsent() {
			continue
		}
		resolution.Values = append(resolution.Values, SourceValue{
			Source:  doc.Source.Ref(),
			Context: doc.Context.Ref(),
			Value:   value,
		})
	}

	// The last decision asserting the property settles it.
	for i := len(decisions) - 1; i >= 0; i-- {
		if value := decisions[i].Snapshot.Properties.Get(name); !value.IsAbsent() {
			resolution.Status = PropertyResolved
			resolution.Value = value
			resolution.Values = append(resolution.Values, SourceValue{
				Source:  decisions[i].Source.Ref(),
				Context: decisions[i].Context.Ref(),
				Value:   value,
			})
			return resolution
		}
	}

	switch len(resolution.Values) {
	case 0:
		// Unreachable: the property name came from some snapshot.
		panic("property " + name + " resolved with no asserting source")
	case 1:
		resolution.Status = PropertySingleSource
		resolution.Value = resolution.Values[0].Value
	default:
		first := resolution.Values[0].Value
		agreed := true
		for _, sv := range resolution.Values[1:] {
			if !ValuesMatch(name, first, sv.Value) {
				agreed = false
				break
			}
		}
		if agreed {
			resolution.Status = PropertyAgreed
			resolution.Value = first
		} else {
			resolution.Status = PropertyConflicted
		}
	}
	return resolution
}
