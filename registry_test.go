package cadence

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultRegistrySemantics(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()

	if !registry.IsTimeContext("milestone") {
		t.Error("milestone should be a time context")
	}
	if registry.IsTimeContext("wall") {
		t.Error("wall should not be a time context")
	}

	for _, source := range []string{"drawing", "specification", "schedule"} {
		if !registry.IsSourceType(source) {
			t.Errorf("%s should be a source type", source)
		}
	}
	if registry.IsSourceType("wall") {
		t.Error("wall should not be a source type")
	}

	// Workflow items assert their own metadata snapshots but never settle
	// conflicts; only decisions resolve.
	if !registry.IsResolutionSource(TypeDecision) {
		t.Error("decision should be a resolution source")
	}
	for _, name := range []string{TypeChange, TypeConflict, TypeImportBatch, "drawing"} {
		if registry.IsResolutionSource(name) {
			t.Errorf("%s should not be a resolution source", name)
		}
	}
	for _, name := range []string{TypeChange, TypeConflict, TypeDecision, TypeImportBatch, "note"} {
		if !registry.ExcludedFromConflicts(name) {
			t.Errorf("%s should be excluded from conflict detection", name)
		}
	}
	if registry.ExcludedFromConflicts("wall") {
		t.Error("wall should participate in conflict detection")
	}
}

func TestRegistryValidTarget(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()

	if !registry.ValidTarget("building", "level") {
		t.Error("building -> level should be a valid connection")
	}
	if registry.ValidTarget("building", "door") {
		t.Error("building -> door should not be a valid connection")
	}
	// Types without declared targets accept anything.
	if !registry.ValidTarget("wall", "note") {
		t.Error("wall declares no targets and should accept any")
	}
	if registry.ValidTarget("spaceship", "wall") {
		t.Error("unknown types have no valid targets")
	}
}

func TestRegistryValidateProperties(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()

	tests := []struct {
		name     string
		itemType string
		props    PropertyMap
		wantErr  bool
	}{
		{"dimension in document notation", "door", PropertyMap{"width": String(`3'-0"`)}, false},
		{"dimension as number", "door", PropertyMap{"width": Number(decimal.NewFromInt(36))}, false},
		{"dimension gibberish", "door", PropertyMap{"width": String("wide")}, true},
		{"enum value", "door", PropertyMap{"fire_rating": String("90min")}, false},
		{"enum case folded", "door", PropertyMap{"fire_rating": String("90MIN")}, false},
		{"enum out of range", "door", PropertyMap{"fire_rating": String("120min")}, true},
		{"undeclared property passes", "door", PropertyMap{"swing": String("left")}, false},
		{"absent value passes", "door", PropertyMap{"width": {}}, false},
		{"unknown type", "spaceship", PropertyMap{"width": String("36")}, true},
		{"numeric string for number", "room", PropertyMap{"occupancy": String("40")}, false},
		{"non-numeric string for number", "room", PropertyMap{"occupancy": String("lots")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.ValidateProperties(tt.itemType, tt.props)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProperties(%s, %v) error = %v, wantErr %v", tt.itemType, tt.props, err, tt.wantErr)
			}
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	t.Parallel()

	doc := `
types:
  - name: pipe
    label: Pipe
    category: physical
    properties:
      - {name: diameter, label: Diameter, kind: number, unit: in}
      - {name: installed, label: Installed, kind: bool}
  - name: survey
    label: Survey
    category: document
    source_type: true
`
	registry, err := LoadRegistry(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Failed to load registry: %v", err)
	}

	pipe, ok := registry.Lookup("pipe")
	if !ok {
		t.Fatal("pipe type missing after load")
	}
	if got := pipe.Properties[0].Kind; got != KindNumber {
		t.Errorf("diameter kind = %v, want %v", got, KindNumber)
	}
	if got := pipe.Properties[1].Kind; got != KindBool {
		t.Errorf("installed kind = %v, want %v", got, KindBool)
	}
	if !registry.IsSourceType("survey") {
		t.Error("survey should be a source type")
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(
		TypeConfig{Name: "wall", Label: "Wall"},
		TypeConfig{Name: "wall", Label: "Wall again"},
	)
	if err == nil {
		t.Error("duplicate type names should be rejected")
	}
	_, err = NewRegistry(TypeConfig{Label: "Anonymous"})
	if err == nil {
		t.Error("unnamed type configs should be rejected")
	}
}
