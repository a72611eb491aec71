package cadence

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// This file holds the value normaliser: the small, deterministic vocabulary of
// "do these two assertions actually disagree?". Everything here is pure; the
// rest of the engine (change detection, conflict detection, comparison) defers
// to ValuesMatch so that all three agree on what counts as a difference.

// Imperial dimension notations accepted by ParseDimension. Feet and inches may
// be joined by a dash, whitespace, or nothing at all.
var (
	reFeetInches = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*'\s*-?\s*(\d+(?:\.\d+)?)\s*"?\s*$`)
	reFeetOnly   = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*'\s*$`)
	reInchesOnly = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*"\s*$`)
	reFeetWord   = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*(?:ft|feet)\.?\s*(?:(\d+(?:\.\d+)?)\s*(?:in|inches)\.?)?\s*$`)
	reInchesWord = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*(?:in|inches)\.?\s*$`)
	reBareNumber = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*$`)
)

var inchesPerFoot = decimal.NewFromInt(12)

// ParseDimension parses an imperial length in any of the notations that show
// up in construction documents (8'-6", 8' 6", 8'6", 102", 8.5', "8 ft 6 in",
// or a bare number meaning inches) and returns the exact length in inches.
// The second return is false when s is not a recognisable dimension.
//
// Arithmetic is exact decimal throughout: 8.5' is 102 inches, never
// 101.99999...
func ParseDimension(s string) (decimal.Decimal, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return decimal.Decimal{}, false
	}

	if m := reFeetInches.FindStringSubmatch(s); m != nil {
		feet := mustDecimal(m[1])
		inches := mustDecimal(m[2])
		return feet.Mul(inchesPerFoot).Add(inches), true
	}
	if m := reFeetOnly.FindStringSubmatch(s); m != nil {
		return mustDecimal(m[1]).Mul(inchesPerFoot), true
	}
	if m := reInchesOnly.FindStringSubmatch(s); m != nil {
		return mustDecimal(m[1]), true
	}
	if m := reFeetWord.FindStringSubmatch(s); m != nil {
		total := mustDecimal(m[1]).Mul(inchesPerFoot)
		if m[2] != "" {
			total = total.Add(mustDecimal(m[2]))
		}
		return total, true
	}
	if m := reInchesWord.FindStringSubmatch(s); m != nil {
		return mustDecimal(m[1]), true
	}
	if m := reBareNumber.FindStringSubmatch(s); m != nil {
		return mustDecimal(m[1]), true
	}
	return decimal.Decimal{}, false
}

// mustDecimal parses a string already vetted by one of the dimension regular
// expressions, whose capture groups only ever match decimal numerals.
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("dimension regexp matched a non-decimal numeral: " + s)
	}
	return d
}

// FormatDimension renders a length in inches back into the conventional
// feet-and-inches notation, e.g. 102 inches becomes `8'-6"`. Fractional
// inches keep their exact decimal form (102.5 becomes `8'-6.5"`).
// FormatDimension is the inverse of ParseDimension up to notation:
// ParseDimension(FormatDimension(d)) == d for every non-negative d.
func FormatDimension(inches decimal.Decimal) string {
	feet := inches.Div(inchesPerFoot).Floor()
	rem := inches.Sub(feet.Mul(inchesPerFoot))
	return feet.String() + `'-` + rem.String() + `"`
}

// NormalizeIdentifier reduces an item identifier to its alphanumeric skeleton
// in upper case, the form used for second-tier matching of imported rows
// ("W-101" and "w101" both normalise to "W101").
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// dimensionProperties names the properties whose values are compared as
// imperial lengths rather than as text.
var dimensionProperties = map[string]bool{
	"width":     true,
	"height":    true,
	"depth":     true,
	"thickness": true,
	"length":    true,
	"area":      true,
}

// IsDimensionProperty reports whether values of the named property are
// compared as imperial dimensions.
func IsDimensionProperty(name string) bool { return dimensionProperties[name] }

// ValuesMatch reports whether two property values agree for reconciliation
// purposes. The rules, in order:
//
//  1. Two absent values agree; an absent value never agrees with a present one.
//  2. For dimension properties, both values are parsed as imperial lengths
//     and compared exactly, so `8'-6"` agrees with `102"` for a width.
//  3. If both values parse as decimals they are compared numerically, so
//     "0.50" agrees with "0.5".
//  4. Otherwise the canonical texts are compared case-insensitively with
//     whitespace runs collapsed.
//
// ValuesMatch is symmetric in a and b by construction.
func ValuesMatch(property string, a, b Scalar) bool {
	if a.IsAbsent() || b.IsAbsent() {
		return a.IsAbsent() && b.IsAbsent()
	}

	if IsDimensionProperty(property) {
		da, oka := ParseDimension(a.Text())
		db, okb := ParseDimension(b.Text())
		if oka && okb {
			return da.Equal(db)
		}
	}

	if da, err := decimal.NewFromString(strings.TrimSpace(a.Text())); err == nil {
		if db, err := decimal.NewFromString(strings.TrimSpace(b.Text())); err == nil {
			return da.Equal(db)
		}
	}

	return foldText(a.Text()) == foldText(b.Text())
}

// foldText lower-cases s and collapses every whitespace run to a single
// space, trimming the ends.
func foldText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
