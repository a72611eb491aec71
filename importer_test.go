package cadence_test

import (
	"context"
	"errors"
	"testing"

	cadence "github.com/cadence-works/go-cadence"
)

func TestImportCreatesItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	drawing := f.createItem("drawing", "A-101", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)

	rows := []cadence.Row{
		{Number: 1, Identifier: "W-101", Properties: cadence.PropertyMap{"height": cadence.String(`10'-0"`)}},
		{Number: 2, Identifier: "W-102", Properties: cadence.PropertyMap{"height": cadence.String(`9'-0"`)}},
	}
	result, err := importer.Run(ctx, drawing.ID, design.ID, "wall", rows)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stats := result.Stats
	if stats.RowsImported != 2 || stats.ItemsCreated != 2 || stats.SnapshotsCreated != 2 || stats.ConnectionsCreated != 2 {
		t.Errorf("stats = %+v, want 2 rows, items, snapshots and connections", stats)
	}
	if stats.ChangesDetected != 0 || stats.ConflictsDetected != 0 {
		t.Errorf("first import raised changes or conflicts: %+v", stats)
	}

	wall, err := f.store.ItemByIdentifier(ctx, "wall", "W-101")
	if err != nil {
		t.Fatalf("imported wall missing: %v", err)
	}
	snapshots, err := f.store.Snapshots(ctx, cadence.SnapshotFilter{ItemID: wall.ID})
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].SourceID != drawing.ID || snapshots[0].ContextID != design.ID {
		t.Errorf("snapshots of W-101 = %+v, want one by the drawing at design", snapshots)
	}

	batch, err := f.store.Item(ctx, result.Batch.ID)
	if err != nil {
		t.Fatalf("import batch missing: %v", err)
	}
	if got := batch.Properties.Get("status").Text(); got != "completed" {
		t.Errorf("batch status = %q, want completed", got)
	}
	if got := batch.Properties.Get("rows_imported").Text(); got != "2" {
		t.Errorf("batch rows_imported = %q, want 2", got)
	}
}

func TestImportUpsertsOnTriple(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	drawing := f.createItem("drawing", "A-101", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)

	rows := []cadence.Row{
		{Number: 1, Identifier: "W-101", Properties: cadence.PropertyMap{"height": cadence.String(`10'-0"`)}},
	}
	if _, err := importer.Run(ctx, drawing.ID, design.ID, "wall", rows); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	result, err := importer.Run(ctx, drawing.ID, design.ID, "wall", rows)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	stats := result.Stats
	if stats.MatchedExact != 1 || stats.ItemsCreated != 0 {
		t.Errorf("re-import should match exactly, got %+v", stats)
	}
	if stats.SnapshotsUpdated != 1 || stats.SnapshotsCreated != 0 {
		t.Errorf("re-import should update the existing snapshot, got %+v", stats)
	}
	if stats.ConnectionsExisting != 1 || stats.ConnectionsCreated != 0 {
		t.Errorf("re-import should find the existing connection, got %+v", stats)
	}
	// Same context, so there is no prior assertion to change against.
	if stats.ChangesDetected != 0 {
		t.Errorf("re-import at the same context detected a change: %+v", stats)
	}
}

func TestImportDetectsChanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	permit := f.milestone("permit", 2)
	drawing := f.createItem("drawing", "A-101", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)

	if _, err := importer.Run(ctx, drawing.ID, design.ID, "wall", []cadence.Row{
		{Number: 1, Identifier: "W-101", Properties: cadence.PropertyMap{
			"height": cadence.String(`10'-0"`),
			"finish": cadence.String("paint"),
		}},
	}); err != nil {
		t.Fatalf("design import failed: %v", err)
	}

	result, err := importer.Run(ctx, drawing.ID, permit.ID, "wall", []cadence.Row{
		{Number: 1, Identifier: "W-101", Properties: cadence.PropertyMap{
			"height":      cadence.String(`12'-0"`), // revised
			"finish":      cadence.String("paint"),  // unchanged
			"fire_rating": cadence.String("2hr"),    // newly asserted
		}},
	})
	if err != nil {
		t.Fatalf("permit import failed: %v", err)
	}

	// One revised item, two revised properties.
	if result.Stats.ChangesDetected != 1 || len(result.Changes) != 1 {
		t.Fatalf("stats = %+v with %d change records, want exactly one change", result.Stats, len(result.Changes))
	}
	if result.Stats.PropertiesChanged != 2 {
		t.Errorf("PropertiesChanged = %d, want 2", result.Stats.PropertiesChanged)
	}
	change := result.Changes[0]
	if change.FromContext.ID != design.ID || change.ToContext.ID != permit.ID {
		t.Errorf("change spans %q -> %q, want design -> permit", change.FromContext.Identifier, change.ToContext.Identifier)
	}
	if len(change.Diffs) != 2 || change.Diffs[0].Property != "fire_rating" || change.Diffs[1].Property != "height" {
		t.Fatalf("change diffs = %+v, want fire_rating and height", change.Diffs)
	}
	if !change.Diffs[0].Old.IsAbsent() || change.Diffs[0].New.Text() != "2hr" {
		t.Errorf("fire_rating diff = %+v, want absent -> 2hr", change.Diffs[0])
	}
	if old, new := change.Diffs[1].Old.Text(), change.Diffs[1].New.Text(); old != `10'-0"` || new != `12'-0"` {
		t.Errorf("height diff = %q -> %q, want 10'-0\" -> 12'-0\"", old, new)
	}

	// The change is itself an item with a metadata snapshot.
	recorded, err := f.store.Item(ctx, change.Change.ID)
	if err != nil {
		t.Fatalf("change item missing: %v", err)
	}
	if got := recorded.Properties.Get("new:height").Text(); got != `12'-0"` {
		t.Errorf("change item new:height = %q, want the revised value", got)
	}

	// A notational re-spelling at a later context is not a change.
	construction := f.milestone("construction", 3)
	result, err = importer.Run(ctx, drawing.ID, construction.ID, "wall", []cadence.Row{
		{Number: 1, Identifier: "W-101", Properties: cadence.PropertyMap{"height": cadence.String(`144"`)}},
	})
	if err != nil {
		t.Fatalf("construction import failed: %v", err)
	}
	if result.Stats.ChangesDetected != 0 || result.Stats.PropertiesChanged != 0 {
		t.Errorf("re-spelled height detected as a change: %+v", result.Stats)
	}
}

func TestImportChangeBaselineIsPriorDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 100)
	interim := f.milestone("interim", 150)
	permit := f.milestone("permit", 200)
	closing := f.milestone("closing", 250)
	drawing := f.createItem("drawing", "A-101", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)

	finishRow := func(identifier, finish string) []cadence.Row {
		return []cadence.Row{{Number: 1, Identifier: identifier, Properties: cadence.PropertyMap{
			"finish": cadence.String(finish),
		}}}
	}

	if _, err := importer.Run(ctx, drawing.ID, design.ID, "wall", finishRow("W-101", "wood")); err != nil {
		t.Fatalf("design import failed: %v", err)
	}
	// The interim delivery covers a different wall entirely.
	if _, err := importer.Run(ctx, drawing.ID, interim.ID, "wall", finishRow("W-200", "steel")); err != nil {
		t.Fatalf("interim import failed: %v", err)
	}

	// The previous delivery (interim) said nothing about W-101, so there is
	// no baseline to diff the permit assertion against. The older design
	// assertion still carries forward, but is not the baseline.
	result, err := importer.Run(ctx, drawing.ID, permit.ID, "wall", finishRow("W-101", "stain"))
	if err != nil {
		t.Fatalf("permit import failed: %v", err)
	}
	if result.Stats.ChangesDetected != 0 || result.Stats.PropertiesChanged != 0 {
		t.Errorf("stats = %+v, want no change without a prior-delivery baseline", result.Stats)
	}

	// Once the previous delivery does cover the wall, a revision diffs
	// against it.
	result, err = importer.Run(ctx, drawing.ID, closing.ID, "wall", finishRow("W-101", "varnish"))
	if err != nil {
		t.Fatalf("closing import failed: %v", err)
	}
	if result.Stats.ChangesDetected != 1 || len(result.Changes) != 1 {
		t.Fatalf("stats = %+v with %d change records, want one change", result.Stats, len(result.Changes))
	}
	change := result.Changes[0]
	if change.FromContext.ID != permit.ID || change.ToContext.ID != closing.ID {
		t.Errorf("change spans %q -> %q, want permit -> closing", change.FromContext.Identifier, change.ToContext.Identifier)
	}
	if len(change.Diffs) != 1 || change.Diffs[0].Old.Text() != "stain" || change.Diffs[0].New.Text() != "varnish" {
		t.Errorf("change diffs = %+v, want stain -> varnish", change.Diffs)
	}
}

func TestImportConflictLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	drawing := f.createItem("drawing", "A-101", nil)
	schedule := f.createItem("schedule", "S-201", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)

	rowWith := func(height string) []cadence.Row {
		return []cadence.Row{{Number: 1, Identifier: "W-101", Properties: cadence.PropertyMap{
			"height": cadence.String(height),
		}}}
	}

	if _, err := importer.Run(ctx, drawing.ID, design.ID, "wall", rowWith(`10'-0"`)); err != nil {
		t.Fatalf("drawing import failed: %v", err)
	}

	// The schedule disagrees: a conflict is raised.
	result, err := importer.Run(ctx, schedule.ID, design.ID, "wall", rowWith(`12'-0"`))
	if err != nil {
		t.Fatalf("schedule import failed: %v", err)
	}
	if result.Stats.ConflictsDetected != 1 || len(result.Conflicts) != 1 {
		t.Fatalf("stats = %+v with %d conflict records, want exactly one conflict", result.Stats, len(result.Conflicts))
	}
	record := result.Conflicts[0]
	if record.Conflict.Identifier != "W-101 / height" {
		t.Errorf("conflict identifier = %q, want %q", record.Conflict.Identifier, "W-101 / height")
	}
	if record.Status != cadence.ConflictDetected || len(record.Values) != 2 {
		t.Errorf("conflict = %+v, want detected with both source values", record)
	}

	// Repeating the same disagreement does not raise it again.
	result, err = importer.Run(ctx, schedule.ID, design.ID, "wall", rowWith(`12'-0"`))
	if err != nil {
		t.Fatalf("repeat import failed: %v", err)
	}
	if result.Stats.ConflictsDetected != 0 {
		t.Errorf("repeated disagreement raised a second conflict: %+v", result.Stats)
	}

	// The schedule coming back into line settles the conflict by agreement.
	result, err = importer.Run(ctx, schedule.ID, design.ID, "wall", rowWith(`120"`))
	if err != nil {
		t.Fatalf("agreeing import failed: %v", err)
	}
	if result.Stats.ConflictsSettled != 1 {
		t.Errorf("agreement did not settle the conflict: %+v", result.Stats)
	}
	conflict, err := f.store.Item(ctx, record.Conflict.ID)
	if err != nil {
		t.Fatalf("conflict item missing: %v", err)
	}
	if got := conflict.Properties.Get("status").Text(); got != string(cadence.ConflictResolvedByAgreement) {
		t.Errorf("conflict status = %q, want resolved_by_agreement", got)
	}
	if got := conflict.Properties.Get("agreed_value").Text(); got != `10'-0"` {
		t.Errorf("conflict agreed_value = %q, want the agreed height", got)
	}

	// The settlement also lands on the conflict's self-sourced metadata
	// snapshot, so the logged state matches the item.
	selfSnapshots, err := f.store.Snapshots(ctx, cadence.SnapshotFilter{ItemID: record.Conflict.ID, SourceID: record.Conflict.ID})
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(selfSnapshots) != 1 {
		t.Fatalf("conflict has %d self-sourced snapshots, want 1", len(selfSnapshots))
	}
	logged := selfSnapshots[0].Properties
	if got := logged.Get("status").Text(); got != string(cadence.ConflictResolvedByAgreement) {
		t.Errorf("logged conflict status = %q, want resolved_by_agreement", got)
	}
	if got := logged.Get("agreed_value").Text(); got != `10'-0"` {
		t.Errorf("logged agreed_value = %q, want the agreed height", got)
	}

	// Disagreeing again reopens the same conflict as a fresh detection.
	result, err = importer.Run(ctx, schedule.ID, design.ID, "wall", rowWith(`12'-0"`))
	if err != nil {
		t.Fatalf("reopening import failed: %v", err)
	}
	if result.Stats.ConflictsDetected != 1 {
		t.Errorf("renewed disagreement did not reopen the conflict: %+v", result.Stats)
	}
	if got := result.Conflicts[0].Conflict.ID; got != record.Conflict.ID {
		t.Errorf("reopened conflict ID = %v, want the original %v", got, record.Conflict.ID)
	}
	reopened, err := f.store.Item(ctx, record.Conflict.ID)
	if err != nil {
		t.Fatalf("conflict item missing: %v", err)
	}
	if got := reopened.Properties.Get("agreed_value"); !got.IsAbsent() {
		t.Errorf("reopened conflict still carries agreed_value %q", got.Text())
	}
}

func TestImportRespectsDecidedConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	drawing := f.createItem("drawing", "A-101", nil)
	schedule := f.createItem("schedule", "S-201", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)
	conflicts := cadence.NewConflicts(f.store, f.registry)

	rowWith := func(height string) []cadence.Row {
		return []cadence.Row{{Number: 1, Identifier: "W-101", Properties: cadence.PropertyMap{
			"height": cadence.String(height),
		}}}
	}
	if _, err := importer.Run(ctx, drawing.ID, design.ID, "wall", rowWith(`10'-0"`)); err != nil {
		t.Fatalf("drawing import failed: %v", err)
	}
	result, err := importer.Run(ctx, schedule.ID, design.ID, "wall", rowWith(`12'-0"`))
	if err != nil {
		t.Fatalf("schedule import failed: %v", err)
	}
	conflictID := result.Conflicts[0].Conflict.ID

	if _, err := conflicts.Decide(ctx, conflictID, design.ID, cadence.String(`11'-0"`), "field measurement"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	// The documents still disagree, but the decision outranks them: no new
	// conflict, and the decided one stays resolved.
	result, err = importer.Run(ctx, schedule.ID, design.ID, "wall", rowWith(`12'-0"`))
	if err != nil {
		t.Fatalf("post-decision import failed: %v", err)
	}
	if result.Stats.ConflictsDetected != 0 || result.Stats.ConflictsSettled != 0 {
		t.Errorf("decided conflict was disturbed: %+v", result.Stats)
	}
	conflict, err := f.store.Item(ctx, conflictID)
	if err != nil {
		t.Fatalf("conflict item missing: %v", err)
	}
	if got := conflict.Properties.Get("status").Text(); got != string(cadence.ConflictResolved) {
		t.Errorf("conflict status = %q, want resolved", got)
	}
}

func TestImportMatchingTiers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	drawing := f.createItem("drawing", "A-101", nil)
	schedule := f.createItem("schedule", "S-201", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)

	wall := f.createItem("wall", "W-101", nil)

	// The schedule spells the identifier differently; the alphanumeric
	// skeleton still matches uniquely.
	result, err := importer.Run(ctx, schedule.ID, design.ID, "wall", []cadence.Row{
		{Number: 1, Identifier: "w101", Properties: cadence.PropertyMap{"finish": cadence.String("paint")}},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Stats.MatchedNormalized != 1 || result.Stats.ItemsCreated != 0 {
		t.Errorf("stats = %+v, want one normalised match", result.Stats)
	}

	// A confirmed alias matches even when the skeletons differ.
	if err := importer.ConfirmMatch(ctx, wall.ID, "CORRIDOR-WALL-1"); err != nil {
		t.Fatalf("ConfirmMatch failed: %v", err)
	}
	result, err = importer.Run(ctx, drawing.ID, design.ID, "wall", []cadence.Row{
		{Number: 1, Identifier: "corridor wall 1", Properties: cadence.PropertyMap{"finish": cadence.String("paint")}},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Stats.MatchedByAlias != 1 || result.Stats.ItemsCreated != 0 {
		t.Errorf("stats = %+v, want one alias match", result.Stats)
	}

	// An ambiguous skeleton is never guessed at: W-101 and W.10.1 share the
	// skeleton W101, so a third spelling creates a new item.
	f.createItem("wall", "W.10.1", nil)
	result, err = importer.Run(ctx, schedule.ID, design.ID, "wall", []cadence.Row{
		{Number: 1, Identifier: "w-10-1", Properties: cadence.PropertyMap{"finish": cadence.String("paint")}},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Stats.ItemsCreated != 1 || result.Stats.MatchedNormalized != 0 {
		t.Errorf("stats = %+v, want the ambiguous identifier to create a new item", result.Stats)
	}
}

func TestImportValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	drawing := f.createItem("drawing", "A-101", nil)
	wall := f.createItem("wall", "W-900", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)

	goodRow := []cadence.Row{{Number: 1, Identifier: "W-101", Properties: nil}}

	var validation *cadence.ValidationError
	if _, err := importer.Run(ctx, drawing.ID, design.ID, "spaceship", goodRow); !errors.As(err, &validation) {
		t.Errorf("unknown item type returned %v, want ValidationError", err)
	}
	if _, err := importer.Run(ctx, drawing.ID, design.ID, "change", goodRow); !errors.As(err, &validation) {
		t.Errorf("workflow item type returned %v, want ValidationError", err)
	}
	if _, err := importer.Run(ctx, wall.ID, design.ID, "wall", goodRow); !errors.As(err, &validation) {
		t.Errorf("non-source source returned %v, want ValidationError", err)
	}

	var invalidContext *cadence.InvalidContextError
	if _, err := importer.Run(ctx, drawing.ID, wall.ID, "wall", goodRow); !errors.As(err, &invalidContext) {
		t.Errorf("non-milestone context returned %v, want InvalidContextError", err)
	}

	var parse *cadence.ParseError
	if _, err := importer.Run(ctx, drawing.ID, design.ID, "wall", []cadence.Row{
		{Number: 7, Identifier: "   "},
	}); !errors.As(err, &parse) {
		t.Fatalf("blank identifier returned %v, want ParseError", err)
	}
	if parse.Row != 7 {
		t.Errorf("ParseError.Row = %d, want 7", parse.Row)
	}
	if _, err := importer.Run(ctx, drawing.ID, design.ID, "wall", []cadence.Row{
		{Number: 2, Identifier: "W-101", Properties: cadence.PropertyMap{"height": cadence.String("tall")}},
	}); !errors.As(err, &parse) {
		t.Errorf("unparsable dimension returned %v, want ParseError", err)
	}
}

func TestImportRejectsBatchBeforeWriting(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	drawing := f.createItem("drawing", "A-101", nil)
	importer := cadence.NewImporter(f.store, f.registry, nil)

	// One bad row rejects the whole batch, and the valid rows around it
	// leave no trace.
	_, err := importer.Run(ctx, drawing.ID, design.ID, "wall", []cadence.Row{
		{Number: 1, Identifier: "W-101", Properties: cadence.PropertyMap{"height": cadence.String(`10'`)}},
		{Number: 2, Identifier: "W-102", Properties: cadence.PropertyMap{"height": cadence.String("not a height")}},
	})
	if err == nil {
		t.Fatal("import with an invalid row succeeded")
	}
	if _, err := f.store.ItemByIdentifier(ctx, "wall", "W-101"); !cadence.IsNotFound(err) {
		t.Errorf("W-101 survived a failed import: %v", err)
	}
}
