package cadence

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseDimension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		inches string
	}{
		{`8'-6"`, "102"},
		{`8' 6"`, "102"},
		{`8'6"`, "102"},
		{`8'-6`, "102"},
		{`102"`, "102"},
		{`8.5'`, "102"},
		{`8'`, "96"},
		{`8 ft 6 in`, "102"},
		{`8 feet`, "96"},
		{`6 in.`, "6"},
		{`6 inches`, "6"},
		{`102`, "102"},
		{`102.5`, "102.5"},
		{` 8' - 6" `, "102"},
		{`0'-0"`, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseDimension(tt.input)
			if !ok {
				t.Fatalf("ParseDimension(%q) not recognised", tt.input)
			}
			want := decimal.RequireFromString(tt.inches)
			if !got.Equal(want) {
				t.Errorf("ParseDimension(%q) = %s, want %s", tt.input, got, want)
			}
		})
	}
}

func TestParseDimensionRejects(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "tall", "8x6", `-6"`, "8'6'"} {
		if _, ok := ParseDimension(input); ok {
			t.Errorf("ParseDimension(%q) unexpectedly recognised", input)
		}
	}
}

func TestFormatDimensionRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		inches string
		want   string
	}{
		{"102", `8'-6"`},
		{"96", `8'-0"`},
		{"6", `0'-6"`},
		{"102.5", `8'-6.5"`},
		{"0", `0'-0"`},
	}
	for _, tt := range tests {
		d := decimal.RequireFromString(tt.inches)
		got := FormatDimension(d)
		if got != tt.want {
			t.Errorf("FormatDimension(%s) = %s, want %s", tt.inches, got, tt.want)
		}
		back, ok := ParseDimension(got)
		if !ok || !back.Equal(d) {
			t.Errorf("ParseDimension(FormatDimension(%s)) = %s, %v; want the original back", tt.inches, back, ok)
		}
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct{ input, want string }{
		{"W-101", "W101"},
		{"w101", "W101"},
		{" do-204 b ", "DO204B"},
		{"###", ""},
	}
	for _, tt := range tests {
		if got := NormalizeIdentifier(tt.input); got != tt.want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestValuesMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		property string
		a, b     Scalar
		want     bool
	}{
		{"both absent", "width", Scalar{}, Scalar{}, true},
		{"one absent", "width", Scalar{}, String("102"), false},
		{"dimension notations", "width", String(`8'-6"`), String(`102"`), true},
		{"dimension spacing", "height", String(`8' 6"`), String(`8'6"`), true},
		{"dimension disagrees", "width", String(`8'-6"`), String(`9'`), false},
		{"dimension words", "length", String("8 ft 6 in"), String(`8'-6"`), true},
		{"dimension rules only for dimensions", "name", String(`8'`), String(`96"`), false},
		{"numeric trailing zero", "rating", String("0.50"), String("0.5"), true},
		{"numeric whitespace", "rating", String(" 2 "), String("2.0"), true},
		{"numeric disagrees", "rating", String("2"), String("3"), false},
		{"text case folded", "material", String("Concrete"), String("CONCRETE"), true},
		{"text whitespace folded", "material", String("cast  in\tplace"), String("cast in place"), true},
		{"text disagrees", "material", String("concrete"), String("steel"), false},
		{"kinds irrelevant to matching", "rating", Number(decimal.NewFromInt(2)), String("2.00"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValuesMatch(tt.property, tt.a, tt.b); got != tt.want {
				t.Errorf("ValuesMatch(%q, %v, %v) = %v, want %v", tt.property, tt.a, tt.b, got, tt.want)
			}
			// The comparison must not depend on argument order.
			if got := ValuesMatch(tt.property, tt.b, tt.a); got != tt.want {
				t.Errorf("ValuesMatch(%q, %v, %v) = %v, want %v (asymmetric)", tt.property, tt.b, tt.a, got, tt.want)
			}
		})
	}
}
