package cadence_test

import (
	"context"
	"testing"

	cadence "github.com/cadence-works/go-cadence"
)

func TestResolvedViewClassifiesProperties(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	wall := f.createItem("wall", "W-101", nil)
	drawing := f.createItem("drawing", "A-101", nil)
	schedule := f.createItem("schedule", "S-201", nil)
	decision := f.createItem("decision", "RFI-007", nil)

	f.assert(wall, design, drawing, cadence.PropertyMap{
		"height":      cadence.String(`10'-0"`),
		"finish":      cadence.String("paint"),
		"fire_rating": cadence.String("1hr"),
		"thickness":   cadence.String(`8"`),
	})
	f.assert(wall, design, schedule, cadence.PropertyMap{
		"height":      cadence.String(`120"`), // same length, different notation
		"fire_rating": cadence.String("2hr"),  // disputes the drawing
		"thickness":   cadence.String(`10"`),  // disputed, but settled below
	})
	f.assert(wall, design, decision, cadence.PropertyMap{
		"thickness": cadence.String(`10"`),
	})

	view, err := f.resolver.ResolvedView(ctx, wall.ID, design.ID)
	if err != nil {
		t.Fatalf("ResolvedView failed: %v", err)
	}

	if view.Item.ID != wall.ID || view.Context.ID != design.ID {
		t.Errorf("view is about %v at %v, want the wall at design", view.Item.ID, view.Context.ID)
	}
	if view.SourceCount != 3 {
		t.Errorf("SourceCount = %d, want 3", view.SourceCount)
	}
	if view.SnapshotCount != 3 {
		t.Errorf("SnapshotCount = %d, want 3", view.SnapshotCount)
	}

	byName := make(map[string]cadence.PropertyResolution, len(view.Properties))
	for _, p := range view.Properties {
		byName[p.Property] = p
	}

	tests := []struct {
		property string
		status   cadence.PropertyStatus
		value    string
		sources  int
	}{
		{"finish", cadence.PropertySingleSource, "paint", 1},
		{"height", cadence.PropertyAgreed, `10'-0"`, 2},
		{"fire_rating", cadence.PropertyConflicted, "", 2},
		{"thickness", cadence.PropertyResolved, `10"`, 3},
	}
	for _, tt := range tests {
		got, ok := byName[tt.property]
		if !ok {
			t.Errorf("property %q missing from the view", tt.property)
			continue
		}
		if got.Status != tt.status {
			t.Errorf("%s status = %q, want %q", tt.property, got.Status, tt.status)
		}
		if got.Value.Text() != tt.value {
			t.Errorf("%s value = %q, want %q", tt.property, got.Value.Text(), tt.value)
		}
		if len(got.Values) != tt.sources {
			t.Errorf("%s carries %d source values, want %d", tt.property, len(got.Values), tt.sources)
		}
	}

	// Conflicted properties resolve to no value at all.
	if !byName["fire_rating"].Value.IsAbsent() {
		t.Error("conflicted property should carry the absent value")
	}
}

func TestResolvedViewCoversDocumentPropertiesOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	wall := f.createItem("wall", "W-101", nil)
	drawing := f.createItem("drawing", "A-101", nil)
	decision := f.createItem("decision", "RFI-007", nil)

	f.assert(wall, design, drawing, cadence.PropertyMap{"height": cadence.String(`10'`)})
	// The decision settles the height and volunteers a finish no document
	// ever asserted. Decisions settle disputes; they do not open topics.
	f.assert(wall, design, decision, cadence.PropertyMap{
		"height": cadence.String(`12'`),
		"finish": cadence.String("paint"),
	})

	view, err := f.resolver.ResolvedView(ctx, wall.ID, design.ID)
	if err != nil {
		t.Fatalf("ResolvedView failed: %v", err)
	}
	if len(view.Properties) != 1 {
		t.Fatalf("got %d properties, want the height only: %+v", len(view.Properties), view.Properties)
	}
	p := view.Properties[0]
	if p.Property != "height" || p.Status != cadence.PropertyResolved || p.Value.Text() != `12'` {
		t.Errorf("property = %+v, want the height resolved to 12'", p)
	}
}

func TestResolvedViewReflectsCarryForward(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	construction := f.milestone("construction", 3)

	wall := f.createItem("wall", "W-101", nil)
	drawing := f.createItem("drawing", "A-101", nil)

	f.assert(wall, design, drawing, cadence.PropertyMap{"height": cadence.String(`10'`)})

	view, err := f.resolver.ResolvedView(ctx, wall.ID, construction.ID)
	if err != nil {
		t.Fatalf("ResolvedView failed: %v", err)
	}
	if len(view.Properties) != 1 {
		t.Fatalf("got %d properties, want the carried-forward height only", len(view.Properties))
	}
	p := view.Properties[0]
	if p.Property != "height" || p.Status != cadence.PropertySingleSource {
		t.Errorf("property = %q (%q), want single-source height", p.Property, p.Status)
	}
	if got := p.Values[0].Context.ID; got != design.ID {
		t.Errorf("value attributed to context %v, want the design milestone it was asserted at", got)
	}
}

func TestResolvedViewOfSilentItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	design := f.milestone("design", 1)
	wall := f.createItem("wall", "W-101", nil)

	view, err := f.resolver.ResolvedView(ctx, wall.ID, design.ID)
	if err != nil {
		t.Fatalf("ResolvedView failed: %v", err)
	}
	if len(view.Properties) != 0 || view.SourceCount != 0 || view.SnapshotCount != 0 {
		t.Errorf("view of an unasserted item should be empty, got %+v", view)
	}
}
