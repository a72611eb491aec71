package cadence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Importer runs the ingestion pipeline: a batch of rows extracted from one
// document lands as snapshots at one time context, and the reconciliation
// machinery reacts — matching rows to items, recording changes where the
// source revised its own story, and raising or settling conflicts against the
// other sources.
//
// When the store supports batching the whole run is atomic: a failed import
// leaves nothing behind.
type Importer struct {
	store    Store
	registry *Registry
	notifier *Notifier
}

// NewImporter returns an Importer over the given store. notifier may be nil,
// in which case no events are published.
func NewImporter(store Store, registry *Registry, notifier *Notifier) *Importer {
	return &Importer{store: store, registry: registry, notifier: notifier}
}

// Row is one pre-parsed record of an imported document. Number is the
// 1-based position in the document, used in error reporting.
type Row struct {
	Number     int
	Identifier string
	Properties PropertyMap
}

// ImportStats counts what one import batch did.
type ImportStats struct {
	RowsImported      int
	ItemsCreated      int
	MatchedExact      int
	MatchedNormalized int
	MatchedByAlias    int

	SnapshotsCreated int
	SnapshotsUpdated int

	ConnectionsCreated  int
	ConnectionsExisting int

	// ChangesDetected counts change records (items the source revised);
	// PropertiesChanged counts the individual property revisions behind them.
	ChangesDetected   int
	PropertiesChanged int

	ConflictsDetected int
	ConflictsSettled  int
}

// ImportResult is the full account of one import batch.
type ImportResult struct {
	Batch   ItemRef
	Source  ItemRef
	Context ItemRef
	Stats   ImportStats

	Changes   []ChangeRecord
	Conflicts []ConflictRecord
}

// Run imports the rows as assertions of the given source at the given time
// context, creating items of itemType for rows that match nothing.
//
// The pipeline per row: match the identifier to an existing item (exactly,
// then by confirmed alias, then by alphanumeric normalisation), or create the
// item; upsert the (item, context, source) snapshot; ensure the provenance
// connection from the source to the item; detect a change against the
// source's assertion at its previous delivery; and detect or settle conflicts
// against the other sources' effective values at this context.
func (imp *Importer) Run(ctx context.Context, sourceID, contextID uuid.UUID, itemType string, rows []Row) (ImportResult, error) {
	ctx, span := startSpan(ctx, "cadence.Import")
	defer span.End()
	span.SetAttributes(
		attribute.String("cadence.import.item_type", itemType),
		attribute.Int("cadence.import.rows", len(rows)),
	)
	started := time.Now()

	if err := imp.validate(ctx, itemType, rows); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ImportResult{}, err
	}

	var result ImportResult
	err := InBatch(ctx, imp.store, func(ctx context.Context, tx Store) error {
		var err error
		result, err = imp.run(ctx, tx, sourceID, contextID, itemType, rows)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ImportResult{}, err
	}

	source, err := imp.store.Item(ctx, sourceID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("reload source %v: %w", sourceID, err)
	}
	measureImport(ctx, source, result.Stats, time.Since(started))

	component.Logger(ctx).InfoContext(ctx, "Import batch completed.",
		"batch", result.Batch.Identifier,
		"source", result.Source.Identifier,
		"context", result.Context.Identifier,
		"rows", result.Stats.RowsImported,
		"changes", result.Stats.ChangesDetected,
		"conflicts", result.Stats.ConflictsDetected,
	)

	// Events are best-effort: a broken broker must not fail an import that
	// has already committed.
	if imp.notifier != nil {
		if err := imp.notifier.ImportCompleted(ctx, NewImportCompleted(result)); err != nil {
			component.Logger(ctx).WarnContext(ctx, "Failed to publish import event.", "error", err)
		}
	}
	return result, nil
}

// validate rejects the batch before any write happens.
func (imp *Importer) validate(ctx context.Context, itemType string, rows []Row) error {
	tc, known := imp.registry.Lookup(itemType)
	if !known {
		return &ValidationError{Reason: fmt.Sprintf("unknown item type %q", itemType)}
	}
	if tc.Category == CategoryWorkflow {
		return &ValidationError{Reason: fmt.Sprintf("cannot import items of workflow type %q", itemType)}
	}
	for _, row := range rows {
		if strings.TrimSpace(row.Identifier) == "" {
			return &ParseError{Row: row.Number, Reason: "missing identifier"}
		}
		if err := imp.registry.ValidateProperties(itemType, row.Properties); err != nil {
			return &ParseError{Row: row.Number, Reason: err.Error()}
		}
	}
	return nil
}

func (imp *Importer) run(ctx context.Context, tx Store, sourceID, contextID uuid.UUID, itemType string, rows []Row) (ImportResult, error) {
	resolver := NewResolver(tx, imp.registry)

	source, err := tx.Item(ctx, sourceID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("load source %v: %w", sourceID, err)
	}
	if !imp.registry.IsSourceType(source.Type) {
		return ImportResult{}, &ValidationError{Reason: fmt.Sprintf(
			"item %q of type %s is not a source", source.Identifier, source.Type)}
	}
	timeContext, err := resolver.RequireTimeContext(ctx, contextID)
	if err != nil {
		return ImportResult{}, err
	}
	cutoff, err := resolver.ContextOrdinal(timeContext)
	if err != nil {
		return ImportResult{}, err
	}

	// The change-detection baseline is the source's previous delivery: the
	// greatest-ordinal context strictly before this one where the source
	// asserted anything at all. Computed once for the whole batch.
	priorContext, hasPrior, err := priorDeliveryContext(ctx, tx, resolver, source, cutoff)
	if err != nil {
		return ImportResult{}, err
	}

	batch, err := imp.openBatch(ctx, tx, source, timeContext, itemType)
	if err != nil {
		return ImportResult{}, err
	}

	matcher, err := newMatcher(ctx, tx, itemType)
	if err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{
		Batch:   batch.Ref(),
		Source:  source.Ref(),
		Context: timeContext.Ref(),
	}
	for _, row := range rows {
		if err := imp.importRow(ctx, tx, resolver, matcher, source, timeContext, priorContext, hasPrior, row, &result); err != nil {
			return ImportResult{}, fmt.Errorf("row %d (%q): %w", row.Number, row.Identifier, err)
		}
	}

	// The source's own record of this import is a snapshot like any other:
	// the source asserting, about itself, what it delivered and when.
	receipt := Snapshot{
		ItemID:    source.ID,
		ContextID: timeContext.ID,
		SourceID:  source.ID,
		Properties: PropertyMap{
			"batch":     String(batch.Identifier),
			"item_type": String(itemType),
			"rows":      Number(decimal.NewFromInt(int64(len(rows)))),
		},
	}
	if _, err := tx.UpsertSnapshot(ctx, &receipt); err != nil {
		return ImportResult{}, fmt.Errorf("record import receipt: %w", err)
	}

	if err := imp.closeBatch(ctx, tx, batch, result.Stats); err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

func (imp *Importer) importRow(ctx context.Context, tx Store, resolver *Resolver, matcher *matcher, source, timeContext, priorContext Item, hasPrior bool, row Row, result *ImportResult) error {
	item, how, err := matcher.match(ctx, tx, row.Identifier)
	if err != nil {
		return err
	}
	switch how {
	case matchedExact:
		result.Stats.MatchedExact++
	case matchedAlias:
		result.Stats.MatchedByAlias++
	case matchedNormalized:
		result.Stats.MatchedNormalized++
	case matchedCreated:
		result.Stats.ItemsCreated++
	}

	// Change detection diffs against the source's assertion at its previous
	// delivery, exactly. An item the source skipped in that delivery has no
	// baseline to diff against, even if an older assertion still carries
	// forward into the effective view.
	var baseline Snapshot
	hasBaseline := false
	if hasPrior {
		priorSnapshots, err := tx.Snapshots(ctx, SnapshotFilter{ItemID: item.ID, ContextID: priorContext.ID, SourceID: source.ID})
		if err != nil {
			return fmt.Errorf("load change baseline: %w", err)
		}
		if len(priorSnapshots) == 1 {
			baseline = priorSnapshots[0]
			hasBaseline = true
		}
	}

	snapshot := Snapshot{
		ItemID:     item.ID,
		ContextID:  timeContext.ID,
		SourceID:   source.ID,
		Properties: row.Properties.Clone(),
	}
	created, err := tx.UpsertSnapshot(ctx, &snapshot)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	if created {
		result.Stats.SnapshotsCreated++
	} else {
		result.Stats.SnapshotsUpdated++
	}

	conn := Connection{FromID: source.ID, ToID: item.ID, Properties: PropertyMap{propRole: String("asserts")}}
	connCreated, err := tx.EnsureConnection(ctx, &conn)
	if err != nil {
		return fmt.Errorf("connect source to item: %w", err)
	}
	if connCreated {
		result.Stats.ConnectionsCreated++
	} else {
		result.Stats.ConnectionsExisting++
	}

	if hasBaseline {
		diffs := DiffNewProperties(baseline.Properties, row.Properties)
		if len(diffs) > 0 {
			change, err := recordChange(ctx, tx, source, item, priorContext, timeContext, diffs)
			if err != nil {
				return err
			}
			result.Stats.ChangesDetected++
			result.Stats.PropertiesChanged += len(diffs)
			result.Changes = append(result.Changes, change)
		}
	}

	if err := imp.reconcile(ctx, tx, resolver, item, timeContext, row.Properties, result); err != nil {
		return err
	}

	result.Stats.RowsImported++
	return nil
}

// priorDeliveryContext finds the source's previous delivery on the timeline:
// the greatest-ordinal time context strictly below cutoff at which the source
// asserted any snapshot. found reports false for a source's first delivery.
// Equal ordinals break on the greater context identifier, matching the later
// milestone under the resolver's ordering.
func priorDeliveryContext(ctx context.Context, tx Store, resolver *Resolver, source Item, cutoff int64) (prior Item, found bool, err error) {
	snapshots, err := tx.Snapshots(ctx, SnapshotFilter{SourceID: source.ID})
	if err != nil {
		return Item{}, false, fmt.Errorf("load snapshots of source %q: %w", source.Identifier, err)
	}
	var bestOrdinal int64
	seen := make(map[uuid.UUID]bool)
	for _, snapshot := range snapshots {
		if seen[snapshot.ContextID] {
			continue
		}
		seen[snapshot.ContextID] = true
		timeContext, err := resolver.RequireTimeContext(ctx, snapshot.ContextID)
		if err != nil {
			return Item{}, false, fmt.Errorf("snapshot %v: %w", snapshot.ID, err)
		}
		ordinal, err := resolver.ContextOrdinal(timeContext)
		if err != nil {
			return Item{}, false, fmt.Errorf("snapshot %v: %w", snapshot.ID, err)
		}
		if ordinal >= cutoff {
			continue
		}
		if !found || ordinal > bestOrdinal || (ordinal == bestOrdinal && timeContext.Identifier > prior.Identifier) {
			prior, bestOrdinal, found = timeContext, ordinal, true
		}
	}
	return prior, found, nil
}

// reconcile checks every property the row asserted against the other
// sources' effective values at this context, raising conflicts on
// disagreement and settling open ones on agreement.
func (imp *Importer) reconcile(ctx context.Context, tx Store, resolver *Resolver, item Item, timeContext Item, asserted PropertyMap, result *ImportResult) error {
	if imp.registry.ExcludedFromConflicts(item.Type) {
		return nil
	}

	effective, err := resolver.Effective(ctx, item.ID, timeContext.ID, uuid.Nil)
	if err != nil {
		return fmt.Errorf("resolve effective values: %w", err)
	}

	// Workflow sources (decisions, the engine's own metadata snapshots)
	// never count as disagreeing documents.
	var documents []EffectiveValue
	for _, value := range orderedValues(effective, imp.registry) {
		if imp.registry.ExcludedFromConflicts(value.Source.Type) {
			continue
		}
		documents = append(documents, value)
	}

	for _, property := range asserted.Keys() {
		if asserted.Get(property).IsAbsent() {
			continue
		}
		var values []SourceValue
		for _, doc := range documents {
			value := doc.Snapshot.Properties.Get(property)
			if value.IsAbsent() {
				continue
			}
			values = append(values, SourceValue{
				Source:  doc.Source.Ref(),
				Context: doc.Context.Ref(),
				Value:   value,
			})
		}
		if len(values) < 2 {
			continue
		}

		agreed := true
		for _, sv := range values[1:] {
			if !ValuesMatch(property, values[0].Value, sv.Value) {
				agreed = false
				break
			}
		}
		if agreed {
			settled, err := settleConflictByAgreement(ctx, tx, item, property, values[0].Value, timeContext)
			if err != nil {
				return err
			}
			if settled {
				result.Stats.ConflictsSettled++
			}
			continue
		}

		record, isNew, err := recordConflict(ctx, tx, item, property, values, timeContext)
		if err != nil {
			return err
		}
		if record.Conflict.ID == uuid.Nil {
			continue // decided conflicts stay decided
		}
		if isNew {
			result.Stats.ConflictsDetected++
			result.Conflicts = append(result.Conflicts, record)
		}
	}
	return nil
}

// openBatch creates the import_batch item in the processing status and links
// it to the source and the context.
func (imp *Importer) openBatch(ctx context.Context, tx Store, source, timeContext Item, itemType string) (Item, error) {
	batch := Item{
		Type:       TypeImportBatch,
		Identifier: fmt.Sprintf("import %s @ %s [%s]", source.Identifier, timeContext.Identifier, uuid.NewString()[:8]),
		Properties: PropertyMap{
			propStatus:  String("processing"),
			"item_type": String(itemType),
		},
	}
	if err := tx.CreateItem(ctx, &batch); err != nil {
		return Item{}, fmt.Errorf("create import batch: %w", err)
	}
	for _, edge := range []struct {
		to   uuid.UUID
		role string
	}{
		{source.ID, roleSource},
		{timeContext.ID, roleContext},
	} {
		conn := Connection{FromID: batch.ID, ToID: edge.to, Properties: PropertyMap{propRole: String(edge.role)}}
		if _, err := tx.EnsureConnection(ctx, &conn); err != nil {
			return Item{}, fmt.Errorf("connect import batch to its %s: %w", edge.role, err)
		}
	}
	return batch, nil
}

func (imp *Importer) closeBatch(ctx context.Context, tx Store, batch Item, stats ImportStats) error {
	count := func(n int) Scalar { return Number(decimal.NewFromInt(int64(n))) }
	props := PropertyMap{
		propStatus:           String("completed"),
		"rows_imported":      count(stats.RowsImported),
		"items_created":      count(stats.ItemsCreated),
		"changes_detected":   count(stats.ChangesDetected),
		"properties_changed": count(stats.PropertiesChanged),
		"conflicts_detected": count(stats.ConflictsDetected),
	}
	if err := tx.UpdateItemProperties(ctx, batch.ID, props); err != nil {
		return fmt.Errorf("complete import batch: %w", err)
	}
	return nil
}

// How a row found its item.
type matchKind int

const (
	matchedExact matchKind = iota
	matchedAlias
	matchedNormalized
	matchedCreated
)

// matcher resolves row identifiers to items of one type. It preloads the
// existing population once per batch; items it creates join the indexes so
// later rows of the same batch match them.
type matcher struct {
	itemType   string
	exact      map[string]Item
	aliases    map[string]Item
	normalized map[string][]Item
}

func newMatcher(ctx context.Context, tx Store, itemType string) (*matcher, error) {
	population, err := tx.ItemsByType(ctx, itemType)
	if err != nil {
		return nil, fmt.Errorf("load %s items: %w", itemType, err)
	}
	m := &matcher{
		itemType:   itemType,
		exact:      make(map[string]Item, len(population)),
		aliases:    make(map[string]Item),
		normalized: make(map[string][]Item),
	}
	for _, item := range population {
		m.index(item)
	}
	return m, nil
}

func (m *matcher) index(item Item) {
	m.exact[item.Identifier] = item
	m.normalized[NormalizeIdentifier(item.Identifier)] = append(m.normalized[NormalizeIdentifier(item.Identifier)], item)
	for _, alias := range strings.Split(item.Properties.Get(propAliases).Text(), ",") {
		if alias = strings.TrimSpace(alias); alias != "" {
			m.aliases[alias] = item
		}
	}
}

func (m *matcher) match(ctx context.Context, tx Store, identifier string) (Item, matchKind, error) {
	identifier = strings.TrimSpace(identifier)
	if item, ok := m.exact[identifier]; ok {
		return item, matchedExact, nil
	}
	normalized := NormalizeIdentifier(identifier)
	if item, ok := m.aliases[normalized]; ok {
		return item, matchedAlias, nil
	}
	// Normalised matching only applies when unambiguous; an identifier
	// whose skeleton matches several items is treated as unmatched rather
	// than guessed at.
	if candidates := m.normalized[normalized]; len(candidates) == 1 {
		return candidates[0], matchedNormalized, nil
	}

	item := Item{Type: m.itemType, Identifier: identifier}
	if err := tx.CreateItem(ctx, &item); err != nil {
		return Item{}, 0, fmt.Errorf("create item %q: %w", identifier, err)
	}
	m.index(item)
	return item, matchedCreated, nil
}

// propAliases holds the comma-separated normalised identifiers a user has
// confirmed as referring to an item.
const propAliases = "aliases"

// ConfirmMatch records that rows bearing the given identifier refer to the
// item: future imports match it by alias instead of creating a duplicate.
func (imp *Importer) ConfirmMatch(ctx context.Context, itemID uuid.UUID, rowIdentifier string) error {
	normalized := NormalizeIdentifier(rowIdentifier)
	if normalized == "" {
		return &ValidationError{Reason: fmt.Sprintf("identifier %q normalises to nothing", rowIdentifier)}
	}
	item, err := imp.store.Item(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load item %v: %w", itemID, err)
	}
	existing := item.Properties.Get(propAliases).Text()
	aliases := []string{}
	for _, alias := range strings.Split(existing, ",") {
		if alias = strings.TrimSpace(alias); alias != "" {
			if alias == normalized {
				return nil // already confirmed
			}
			aliases = append(aliases, alias)
		}
	}
	aliases = append(aliases, normalized)
	sort.Strings(aliases)
	props := PropertyMap{propAliases: String(strings.Join(aliases, ","))}
	if err := imp.store.UpdateItemProperties(ctx, item.ID, props); err != nil {
		return fmt.Errorf("record alias on item %q: %w", item.Identifier, err)
	}
	return nil
}
