package cadence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// A conflict records two or more sources disagreeing about one property of
// one item at the same point in time. Like changes, conflicts are ordinary
// items (type "conflict") with a self-sourced metadata snapshot and
// provenance connections to the affected item, every disagreeing source, and
// the context of detection.
//
// At most one conflict item exists per (item, property) pair for its whole
// lifecycle; later imports move it through the status machine rather than
// duplicating it.

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

const (
	// ConflictDetected: the sources currently disagree.
	ConflictDetected ConflictStatus = "detected"
	// ConflictAcknowledged: a person has seen the conflict; the sources
	// still disagree.
	ConflictAcknowledged ConflictStatus = "acknowledged"
	// ConflictResolved: a decision settled the property.
	ConflictResolved ConflictStatus = "resolved"
	// ConflictResolvedByAgreement: a later import brought the sources back
	// into agreement without anyone deciding anything.
	ConflictResolvedByAgreement ConflictStatus = "resolved_by_agreement"
)

// conflictTransitions is the full transition table of the lifecycle. An
// auto-resolved conflict reopens when sources later disagree again; a
// decision-resolved conflict stays resolved, because the decision outranks
// whatever the documents say next.
var conflictTransitions = map[ConflictStatus]map[ConflictStatus]bool{
	ConflictDetected: {
		ConflictAcknowledged:        true,
		ConflictResolved:            true,
		ConflictResolvedByAgreement: true,
	},
	ConflictAcknowledged: {
		ConflictResolved:            true,
		ConflictResolvedByAgreement: true,
	},
	ConflictResolvedByAgreement: {
		ConflictDetected: true,
	},
	ConflictResolved: {},
}

// CanTransition reports whether the lifecycle permits moving from s to next.
func (s ConflictStatus) CanTransition(next ConflictStatus) bool {
	return conflictTransitions[s][next]
}

func parseConflictStatus(s string) (ConflictStatus, error) {
	switch status := ConflictStatus(s); status {
	case ConflictDetected, ConflictAcknowledged, ConflictResolved, ConflictResolvedByAgreement:
		return status, nil
	default:
		return "", fmt.Errorf("unknown conflict status %q", s)
	}
}

// ConflictRecord is the caller-facing account of one conflict item touched
// during an import or lifecycle operation.
type ConflictRecord struct {
	Conflict     ItemRef
	AffectedItem ItemRef
	Property     string
	Status       ConflictStatus
	Values       []SourceValue
}

// conflictIdentifier derives the stable identity of a conflict from its
// (item, property) key.
func conflictIdentifier(item Item, property string) string {
	return item.Identifier + " / " + property
}

// Conflicts exposes the conflict lifecycle: manual status transitions and
// decision-backed resolution. Detection itself happens inside the import
// pipeline.
type Conflicts struct {
	store    Store
	registry *Registry
}

// NewConflicts returns lifecycle operations over the given store.
func NewConflicts(store Store, registry *Registry) *Conflicts {
	return &Conflicts{store: store, registry: registry}
}

// Open returns every conflict currently in a non-resolved status, in
// identifier order.
func (c *Conflicts) Open(ctx context.Context) ([]Item, error) {
	all, err := c.store.ItemsByType(ctx, TypeConflict)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	var open []Item
	for _, conflict := range all {
		status, err := parseConflictStatus(conflict.Properties.Get(propStatus).Text())
		if err != nil {
			return nil, fmt.Errorf("conflict %q: %w", conflict.Identifier, err)
		}
		if status == ConflictDetected || status == ConflictAcknowledged {
			open = append(open, conflict)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Identifier < open[j].Identifier })
	return open, nil
}

// Transition moves a conflict to the given status, enforcing the lifecycle
// table. Illegal moves return a *ValidationError.
func (c *Conflicts) Transition(ctx context.Context, conflictID uuid.UUID, next ConflictStatus) error {
	conflict, err := c.conflict(ctx, conflictID)
	if err != nil {
		return err
	}
	current, err := parseConflictStatus(conflict.Properties.Get(propStatus).Text())
	if err != nil {
		return fmt.Errorf("conflict %q: %w", conflict.Identifier, err)
	}
	if !current.CanTransition(next) {
		return &ValidationError{Reason: fmt.Sprintf(
			"conflict %q cannot move from %s to %s", conflict.Identifier, current, next)}
	}
	props := PropertyMap{propStatus: String(string(next))}
	if err := c.store.UpdateItemProperties(ctx, conflict.ID, props); err != nil {
		return fmt.Errorf("update conflict %q: %w", conflict.Identifier, err)
	}
	return nil
}

// Decide settles a conflict with an explicit decision: it creates a decision
// item asserting the chosen value for the conflicted property at the given
// time context, links it to the conflict, and marks the conflict resolved.
// The decision's assertion wins the property in every resolved view from that
// context onward.
func (c *Conflicts) Decide(ctx context.Context, conflictID, contextID uuid.UUID, value Scalar, rationale string) (Item, error) {
	conflict, err := c.conflict(ctx, conflictID)
	if err != nil {
		return Item{}, err
	}
	current, err := parseConflictStatus(conflict.Properties.Get(propStatus).Text())
	if err != nil {
		return Item{}, fmt.Errorf("conflict %q: %w", conflict.Identifier, err)
	}
	if !current.CanTransition(ConflictResolved) {
		return Item{}, &ValidationError{Reason: fmt.Sprintf(
			"conflict %q cannot be decided from status %s", conflict.Identifier, current)}
	}

	property := conflict.Properties.Get(propProperty).Text()
	if property == "" {
		return Item{}, fmt.Errorf("conflict %q has no property metadata", conflict.Identifier)
	}
	affectedID, err := c.affectedItem(ctx, conflict)
	if err != nil {
		return Item{}, err
	}
	timeContext, err := c.store.Item(ctx, contextID)
	if err != nil {
		return Item{}, fmt.Errorf("load time context %v: %w", contextID, err)
	}
	if !c.registry.IsTimeContext(timeContext.Type) {
		return Item{}, &InvalidContextError{ID: timeContext.ID, Type: timeContext.Type}
	}

	decision := Item{
		Type:       TypeDecision,
		Identifier: "decision: " + conflict.Identifier,
		Properties: PropertyMap{
			propProperty:  String(property),
			propRationale: String(rationale),
		},
	}
	if err := c.store.CreateItem(ctx, &decision); err != nil {
		return Item{}, fmt.Errorf("create decision for conflict %q: %w", conflict.Identifier, err)
	}

	// The decision asserts the chosen value like any other source would,
	// which is exactly what makes it outrank the documents at resolution.
	snapshot := Snapshot{
		ItemID:     affectedID,
		ContextID:  timeContext.ID,
		SourceID:   decision.ID,
		Properties: PropertyMap{property: value},
	}
	if _, err := c.store.UpsertSnapshot(ctx, &snapshot); err != nil {
		return Item{}, fmt.Errorf("snapshot decision %q: %w", decision.Identifier, err)
	}

	for _, edge := range []struct {
		to   uuid.UUID
		role string
	}{
		{conflict.ID, roleDecision},
		{affectedID, roleAffectedItem},
		{timeContext.ID, roleContext},
	} {
		conn := Connection{FromID: decision.ID, ToID: edge.to, Properties: PropertyMap{propRole: String(edge.role)}}
		if _, err := c.store.EnsureConnection(ctx, &conn); err != nil {
			return Item{}, fmt.Errorf("connect decision %q to its %s: %w", decision.Identifier, edge.role, err)
		}
	}

	props := PropertyMap{propStatus: String(string(ConflictResolved))}
	if err := c.store.UpdateItemProperties(ctx, conflict.ID, props); err != nil {
		return Item{}, fmt.Errorf("update conflict %q: %w", conflict.Identifier, err)
	}
	return decision, nil
}

func (c *Conflicts) conflict(ctx context.Context, id uuid.UUID) (Item, error) {
	conflict, err := c.store.Item(ctx, id)
	if err != nil {
		return Item{}, fmt.Errorf("load conflict %v: %w", id, err)
	}
	if conflict.Type != TypeConflict {
		return Item{}, &ValidationError{Reason: fmt.Sprintf(
			"item %q is a %s, not a conflict", conflict.Identifier, conflict.Type)}
	}
	return conflict, nil
}

// affectedItem follows the provenance connection carrying the affected_item
// role.
func (c *Conflicts) affectedItem(ctx context.Context, conflict Item) (uuid.UUID, error) {
	conns, err := c.store.Connections(ctx, conflict.ID, uuid.Nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load connections of conflict %q: %w", conflict.Identifier, err)
	}
	for _, conn := range conns {
		if conn.Properties.Get(propRole).Text() == roleAffectedItem {
			return conn.ToID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("conflict %q has no affected item connection: %w", conflict.Identifier, ErrNotFound)
}

// conflictProperties flattens the disagreement into the conflict item's
// property map: the status, the disputed property, and each source's value
// under a per-source key.
func conflictProperties(status ConflictStatus, property string, values []SourceValue) PropertyMap {
	props := PropertyMap{
		propStatus:   String(string(status)),
		propProperty: String(property),
	}
	var identifiers []string
	for _, sv := range values {
		identifiers = append(identifiers, sv.Source.Identifier)
		props[propValuePrefix+sv.Source.Identifier] = sv.Value
	}
	props["sources"] = String(strings.Join(identifiers, ","))
	return props
}

// recordConflict upserts the conflict item for (item, property), applying the
// lifecycle rules: a fresh disagreement creates it as detected; a repeated
// disagreement leaves the status alone but refreshes the values; a
// disagreement after resolved_by_agreement reopens it. reopened distinguishes
// a reopen from a fresh detection for counting.
func recordConflict(ctx context.Context, store Store, item Item, property string, values []SourceValue, detectedAt Item) (record ConflictRecord, isNew bool, err error) {
	identifier := conflictIdentifier(item, property)

	conflict, err := store.ItemByIdentifier(ctx, TypeConflict, identifier)
	status := ConflictDetected
	switch {
	case err == nil:
		current, perr := parseConflictStatus(conflict.Properties.Get(propStatus).Text())
		if perr != nil {
			return ConflictRecord{}, false, fmt.Errorf("conflict %q: %w", identifier, perr)
		}
		switch current {
		case ConflictResolved:
			// A decided conflict does not reopen; the decision
			// already outranks the disagreeing documents.
			return ConflictRecord{}, false, nil
		case ConflictResolvedByAgreement:
			isNew = true // reopening counts as a new detection
		default:
			status = current
		}
		props := conflictProperties(status, property, values)
		// A live disagreement has no agreed value; drop any left over from a
		// previous settlement.
		props[propAgreedValue] = Scalar{}
		if err := store.UpdateItemProperties(ctx, conflict.ID, props); err != nil {
			return ConflictRecord{}, false, fmt.Errorf("update conflict %q: %w", identifier, err)
		}
		conflict.Properties = conflict.Properties.Merge(props)
	case IsNotFound(err):
		isNew = true
		conflict = Item{
			Type:       TypeConflict,
			Identifier: identifier,
			Properties: conflictProperties(status, property, values),
		}
		if err := store.CreateItem(ctx, &conflict); err != nil {
			return ConflictRecord{}, false, fmt.Errorf("create conflict %q: %w", identifier, err)
		}
	default:
		return ConflictRecord{}, false, fmt.Errorf("look up conflict %q: %w", identifier, err)
	}

	snapshot := Snapshot{
		ItemID:     conflict.ID,
		ContextID:  detectedAt.ID,
		SourceID:   conflict.ID,
		Properties: conflict.Properties.Clone(),
	}
	if _, err := store.UpsertSnapshot(ctx, &snapshot); err != nil {
		return ConflictRecord{}, false, fmt.Errorf("snapshot conflict %q: %w", identifier, err)
	}

	edges := []struct {
		to   uuid.UUID
		role string
	}{
		{item.ID, roleAffectedItem},
		{detectedAt.ID, roleContext},
	}
	for _, sv := range values {
		edges = append(edges, struct {
			to   uuid.UUID
			role string
		}{sv.Source.ID, roleSource})
	}
	for _, edge := range edges {
		conn := Connection{FromID: conflict.ID, ToID: edge.to, Properties: PropertyMap{propRole: String(edge.role)}}
		if _, err := store.EnsureConnection(ctx, &conn); err != nil {
			return ConflictRecord{}, false, fmt.Errorf("connect conflict %q to its %s: %w", identifier, edge.role, err)
		}
	}

	return ConflictRecord{
		Conflict:     conflict.Ref(),
		AffectedItem: item.Ref(),
		Property:     property,
		Status:       status,
		Values:       values,
	}, isNew, nil
}

// settleConflictByAgreement moves an open conflict on (item, property) to
// resolved_by_agreement if one exists, recording the value the sources now
// agree on. It reports whether a conflict was settled.
func settleConflictByAgreement(ctx context.Context, store Store, item Item, property string, agreed Scalar, settledAt Item) (bool, error) {
	identifier := conflictIdentifier(item, property)
	conflict, err := store.ItemByIdentifier(ctx, TypeConflict, identifier)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up conflict %q: %w", identifier, err)
	}
	current, err := parseConflictStatus(conflict.Properties.Get(propStatus).Text())
	if err != nil {
		return false, fmt.Errorf("conflict %q: %w", identifier, err)
	}
	if !current.CanTransition(ConflictResolvedByAgreement) {
		return false, nil
	}
	props := PropertyMap{
		propStatus:      String(string(ConflictResolvedByAgreement)),
		propAgreedValue: agreed,
	}
	if err := store.UpdateItemProperties(ctx, conflict.ID, props); err != nil {
		return false, fmt.Errorf("update conflict %q: %w", identifier, err)
	}
	conflict.Properties = conflict.Properties.Merge(props)

	// The settlement refreshes the conflict's self-sourced metadata snapshot
	// too, so the snapshot never contradicts the item it describes.
	snapshot := Snapshot{
		ItemID:     conflict.ID,
		ContextID:  settledAt.ID,
		SourceID:   conflict.ID,
		Properties: conflict.Properties.Clone(),
	}
	if _, err := store.UpsertSnapshot(ctx, &snapshot); err != nil {
		return false, fmt.Errorf("snapshot conflict %q: %w", identifier, err)
	}
	return true, nil
}
