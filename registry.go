package cadence

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// Well-known item types the engine itself creates. They must be present in
// any Registry used with the import pipeline; DefaultRegistry includes them.
const (
	TypeChange      = "change"
	TypeConflict    = "conflict"
	TypeDecision    = "decision"
	TypeImportBatch = "import_batch"
)

// Type categories. Only CategoryWorkflow carries engine semantics (workflow
// items never participate in conflict detection); the rest are display
// grouping for clients.
const (
	CategoryPhysical = "physical"
	CategorySpatial  = "spatial"
	CategoryDocument = "document"
	CategoryTimeline = "timeline"
	CategoryWorkflow = "workflow"
)

// PropertyDef describes one property a type may carry: its expected value
// kind, display metadata, and (for enumerations) the permitted values.
// Required is advisory metadata for clients building forms; the engine does
// not reject partial assertions, because a document legitimately asserts only
// the properties it knows about.
type PropertyDef struct {
	Name       string   `yaml:"name"`
	Label      string   `yaml:"label"`
	Kind       Kind     `yaml:"kind"`
	Required   bool     `yaml:"required,omitempty"`
	Unit       string   `yaml:"unit,omitempty"`
	EnumValues []string `yaml:"enum,omitempty"`
}

// TypeConfig declares the semantics and display metadata of one item type.
//
// The two flags the engine actually branches on are TimeContext (the type
// marks a point on the project timeline and may appear as the context of a
// snapshot) and SourceType (items of the type assert snapshots). Everything
// else is carried for clients.
type TypeConfig struct {
	Name         string        `yaml:"name"`
	Label        string        `yaml:"label"`
	PluralLabel  string        `yaml:"plural_label,omitempty"`
	Category     string        `yaml:"category"`
	Icon         string        `yaml:"icon,omitempty"`
	Colour       string        `yaml:"colour,omitempty"`
	TimeContext  bool          `yaml:"time_context,omitempty"`
	SourceType   bool          `yaml:"source_type,omitempty"`
	Resolves     bool          `yaml:"resolves,omitempty"`
	Navigable    bool          `yaml:"navigable,omitempty"`
	Properties   []PropertyDef `yaml:"properties,omitempty"`
	ValidTargets []string      `yaml:"valid_targets,omitempty"`
}

// Registry is the immutable catalogue of item types known to an engine
// instance. Construct it once (NewRegistry, LoadRegistry or DefaultRegistry)
// and pass it explicitly to the components that need it; there is no mutable
// process-global registration.
type Registry struct {
	types map[string]TypeConfig
}

// NewRegistry builds a Registry from the given type configurations. Duplicate
// or unnamed types are rejected.
func NewRegistry(configs ...TypeConfig) (*Registry, error) {
	types := make(map[string]TypeConfig, len(configs))
	for _, tc := range configs {
		if tc.Name == "" {
			return nil, fmt.Errorf("registry: type config without a name (label %q)", tc.Label)
		}
		if _, dup := types[tc.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate type %q", tc.Name)
		}
		types[tc.Name] = tc
	}
	return &Registry{types: types}, nil
}

// LoadRegistry reads a YAML document of the form:
//
//	types:
//	  - name: wall
//	    label: Wall
//	    category: physical
//	    properties:
//	      - {name: height, label: Height, kind: string, unit: in}
//
// and builds a Registry from it.
func LoadRegistry(r io.Reader) (*Registry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read registry document: %w", err)
	}
	var doc struct {
		Types []TypeConfig `yaml:"types"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode registry document: %w", err)
	}
	return NewRegistry(doc.Types...)
}

// Lookup returns the configuration of the named type.
func (r *Registry) Lookup(name string) (TypeConfig, bool) {
	tc, ok := r.types[name]
	return tc, ok
}

// Types returns every configuration sorted by type name.
func (r *Registry) Types() []TypeConfig {
	out := make([]TypeConfig, 0, len(r.types))
	for _, tc := range r.types {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsTimeContext reports whether items of the named type mark points on the
// project timeline. Unknown types are not time contexts.
func (r *Registry) IsTimeContext(name string) bool {
	tc, ok := r.types[name]
	return ok && tc.TimeContext
}

// IsSourceType reports whether items of the named type assert snapshots.
func (r *Registry) IsSourceType(name string) bool {
	tc, ok := r.types[name]
	return ok && tc.SourceType
}

// ExcludedFromConflicts reports whether items of the named type are workflow
// records, which never have conflicts raised against them (a change record
// disagreeing with itself is meaningless).
func (r *Registry) ExcludedFromConflicts(name string) bool {
	tc, ok := r.types[name]
	return ok && tc.Category == CategoryWorkflow
}

// IsResolutionSource reports whether snapshots from sources of the named type
// settle conflicted properties in the resolved view. In the default type set
// this is exactly the decision type.
func (r *Registry) IsResolutionSource(name string) bool {
	tc, ok := r.types[name]
	return ok && tc.SourceType && tc.Resolves
}

// ValidTarget reports whether a connection from an item of type from to an
// item of type to is permitted. Types that declare no valid targets accept
// any target.
func (r *Registry) ValidTarget(from, to string) bool {
	tc, ok := r.types[from]
	if !ok {
		return false
	}
	if len(tc.ValidTargets) == 0 {
		return true
	}
	for _, t := range tc.ValidTargets {
		if t == to {
			return true
		}
	}
	return false
}

// ValidateProperties checks the asserted values against the type's property
// definitions. Undeclared properties pass unchecked (the schema is open), but
// a declared property must match its kind, and enumerated properties must
// hold one of the permitted values. Dimension-compared properties accept any
// string, since notation varies by document.
func (r *Registry) ValidateProperties(typeName string, props PropertyMap) error {
	tc, ok := r.types[typeName]
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("unknown item type %q", typeName)}
	}
	defs := make(map[string]PropertyDef, len(tc.Properties))
	for _, def := range tc.Properties {
		defs[def.Name] = def
	}
	for _, name := range props.Keys() {
		def, declared := defs[name]
		if !declared {
			continue
		}
		value := props.Get(name)
		if value.IsAbsent() {
			continue
		}
		if err := checkKind(def, value); err != nil {
			return &ValidationError{
				Reason: fmt.Sprintf("property %q of type %q: %v", name, typeName, err),
			}
		}
	}
	return nil
}

func checkKind(def PropertyDef, value Scalar) error {
	if len(def.EnumValues) > 0 {
		for _, allowed := range def.EnumValues {
			if strings.EqualFold(allowed, value.Text()) {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of the permitted values", value.Text())
	}
	switch def.Kind {
	case KindString, KindAbsent:
		return nil // any value renders as text
	case KindNumber:
		if value.Kind() == KindNumber {
			return nil
		}
		// Dimensions arrive as strings in document notation (8'-6").
		if IsDimensionProperty(def.Name) && value.Kind() == KindString {
			if _, ok := ParseDimension(value.Text()); ok {
				return nil
			}
		}
		if value.Kind() == KindString {
			if _, err := NumberFromString(value.Text()); err == nil {
				return nil
			}
		}
		return fmt.Errorf("expected a number, got %v %q", value.Kind(), value.Text())
	case KindBool:
		if value.Kind() == KindBool {
			return nil
		}
		switch strings.ToLower(strings.TrimSpace(value.Text())) {
		case "true", "false", "yes", "no":
			return nil
		}
		return fmt.Errorf("expected a boolean, got %v %q", value.Kind(), value.Text())
	case KindDate:
		if value.Kind() == KindDate {
			return nil
		}
		return fmt.Errorf("expected a date, got %v %q", value.Kind(), value.Text())
	default:
		return fmt.Errorf("unhandled property kind %v", def.Kind)
	}
}

// ParseKind maps the textual kind names used in registry documents onto Kind
// values.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "":
		return KindString, nil
	case "number":
		return KindNumber, nil
	case "bool", "boolean":
		return KindBool, nil
	case "date":
		return KindDate, nil
	default:
		return KindAbsent, fmt.Errorf("unknown property kind %q", s)
	}
}

// MarshalText renders the kind name used in registry documents.
func (k Kind) MarshalText() ([]byte, error) {
	if k == KindAbsent {
		return nil, fmt.Errorf("marshal kind: absent kind has no name")
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] so registry YAML can
// spell kinds by name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DefaultRegistry returns the standard construction type set: spatial
// containers, physical elements with imperial dimensions, document sources,
// timeline milestones, and the workflow types the engine creates itself.
func DefaultRegistry() *Registry {
	dimension := func(name, label string) PropertyDef {
		return PropertyDef{Name: name, Label: label, Kind: KindNumber, Unit: "in"}
	}
	registry, err := NewRegistry(
		TypeConfig{
			Name: "building", Label: "Building", PluralLabel: "Buildings",
			Category: CategorySpatial, Navigable: true,
			ValidTargets: []string{"level"},
		},
		TypeConfig{
			Name: "level", Label: "Level", PluralLabel: "Levels",
			Category: CategorySpatial, Navigable: true,
			ValidTargets: []string{"room", "wall", "door", "window"},
		},
		TypeConfig{
			Name: "room", Label: "Room", PluralLabel: "Rooms",
			Category: CategorySpatial, Navigable: true,
			Properties: []PropertyDef{
				dimension("area", "Area"),
				{Name: "occupancy", Label: "Occupancy", Kind: KindNumber},
			},
			ValidTargets: []string{"wall", "door", "window"},
		},
		TypeConfig{
			Name: "wall", Label: "Wall", PluralLabel: "Walls",
			Category: CategoryPhysical,
			Properties: []PropertyDef{
				dimension("height", "Height"),
				dimension("length", "Length"),
				dimension("thickness", "Thickness"),
				{Name: "fire_rating", Label: "Fire rating", EnumValues: []string{"1hr", "2hr", "3hr", "none"}},
				{Name: "finish", Label: "Finish", Kind: KindString},
			},
		},
		TypeConfig{
			Name: "door", Label: "Door", PluralLabel: "Doors",
			Category: CategoryPhysical,
			Properties: []PropertyDef{
				dimension("width", "Width"),
				dimension("height", "Height"),
				{Name: "material", Label: "Material", Kind: KindString},
				{Name: "fire_rating", Label: "Fire rating", EnumValues: []string{"20min", "45min", "90min", "none"}},
			},
		},
		TypeConfig{
			Name: "window", Label: "Window", PluralLabel: "Windows",
			Category: CategoryPhysical,
			Properties: []PropertyDef{
				dimension("width", "Width"),
				dimension("height", "Height"),
				{Name: "glazing", Label: "Glazing", Kind: KindString},
			},
		},
		TypeConfig{
			Name: "drawing", Label: "Drawing", PluralLabel: "Drawings",
			Category: CategoryDocument, SourceType: true,
			Properties: []PropertyDef{
				{Name: "discipline", Label: "Discipline", Kind: KindString},
				{Name: "revision", Label: "Revision", Kind: KindString},
			},
		},
		TypeConfig{
			Name: "specification", Label: "Specification", PluralLabel: "Specifications",
			Category: CategoryDocument, SourceType: true,
			Properties: []PropertyDef{
				{Name: "section", Label: "Section", Kind: KindString},
			},
		},
		TypeConfig{
			Name: "schedule", Label: "Schedule", PluralLabel: "Schedules",
			Category: CategoryDocument, SourceType: true,
		},
		TypeConfig{
			Name: "milestone", Label: "Milestone", PluralLabel: "Milestones",
			Category: CategoryTimeline, TimeContext: true,
			Properties: []PropertyDef{
				{Name: "ordinal", Label: "Ordinal", Kind: KindNumber, Required: true},
				{Name: "date", Label: "Date", Kind: KindDate},
			},
		},
		TypeConfig{
			Name: TypeChange, Label: "Change", PluralLabel: "Changes",
			Category: CategoryWorkflow, SourceType: true,
		},
		TypeConfig{
			Name: TypeConflict, Label: "Conflict", PluralLabel: "Conflicts",
			Category: CategoryWorkflow, SourceType: true,
		},
		TypeConfig{
			Name: TypeDecision, Label: "Decision", PluralLabel: "Decisions",
			Category: CategoryWorkflow, SourceType: true, Resolves: true,
		},
		TypeConfig{
			Name: "note", Label: "Note", PluralLabel: "Notes",
			Category: CategoryWorkflow,
		},
		TypeConfig{
			Name: TypeImportBatch, Label: "Import batch", PluralLabel: "Import batches",
			Category: CategoryWorkflow, SourceType: true,
			Properties: []PropertyDef{
				{Name: "status", Label: "Status", EnumValues: []string{"processing", "completed", "failed"}},
			},
		},
	)
	if err != nil {
		// The default type set is a compile-time constant in all but
		// syntax; a construction failure is a developer error.
		panic("default registry is invalid: " + err.Error())
	}
	return registry
}
