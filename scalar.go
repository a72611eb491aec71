package cadence

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind enumerates the value shapes a property assertion may take.
//
// The zero Kind is KindAbsent: a Scalar that asserts nothing at all. Absence
// is a first-class state rather than a nil pointer so that property maps can
// be compared and diffed without nil checks sprinkled everywhere.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Scalar is a single property value: a closed variant over the kinds above.
//
// Every Scalar carries a canonical textual form. Comparisons, persistence and
// diffing all operate on that canonical text, which keeps the three store
// implementations and the reconciliation rules in exact agreement. Numbers are
// held as exact decimal strings, never floats, so "0.50" and "0.5" canonicalise
// to the same Scalar and a round-trip through any store loses nothing.
//
// The zero Scalar is absent and is what PropertyMap.Get returns for a missing
// property.
type Scalar struct {
	kind Kind
	text string
}

// String returns a string-kinded Scalar holding s verbatim.
func String(s string) Scalar { return Scalar{kind: KindString, text: s} }

// Number returns a number-kinded Scalar with the canonical (trailing-zero
// trimmed) decimal representation of d.
func Number(d decimal.Decimal) Scalar {
	return Scalar{kind: KindNumber, text: d.String()}
}

// NumberFromString parses s as an exact decimal and returns a number-kinded
// Scalar, or an error if s is not a decimal numeral.
func NumberFromString(s string) (Scalar, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Scalar{}, fmt.Errorf("parse number %q: %w", s, err)
	}
	return Number(d), nil
}

// Bool returns a bool-kinded Scalar.
func Bool(b bool) Scalar {
	if b {
		return Scalar{kind: KindBool, text: "true"}
	}
	return Scalar{kind: KindBool, text: "false"}
}

// Date returns a date-kinded Scalar holding the calendar date of t, ignoring
// the time of day. Dates canonicalise to ISO-8601 (YYYY-MM-DD).
func Date(t time.Time) Scalar {
	return Scalar{kind: KindDate, text: t.Format(time.DateOnly)}
}

// Kind reports the variant of the Scalar.
func (s Scalar) Kind() Kind { return s.kind }

// IsAbsent reports whether the Scalar asserts no value at all.
func (s Scalar) IsAbsent() bool { return s.kind == KindAbsent }

// Text returns the canonical textual form of the value. Absent Scalars return
// the empty string.
func (s Scalar) Text() string { return s.text }

// String implements [fmt.Stringer] for logging and error messages.
func (s Scalar) String() string {
	if s.kind == KindAbsent {
		return "<absent>"
	}
	return s.text
}

// Decimal returns the exact decimal value of a number-kinded Scalar. The
// second return is false for any other kind.
func (s Scalar) Decimal() (decimal.Decimal, bool) {
	if s.kind != KindNumber {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s.text)
	if err != nil {
		// Number Scalars are only constructed through the decimal
		// package, so an unparsable canonical form means the value
		// bypassed the constructors.
		panic(fmt.Sprintf("corrupted number scalar %q: %v", s.text, err))
	}
	return d, true
}

// Equal reports exact equality: same kind and same canonical text. Note that
// reconciliation uses the looser ValuesMatch, not Equal.
func (s Scalar) Equal(o Scalar) bool { return s.kind == o.kind && s.text == o.text }

// Scalars serialise as a single sigil-prefixed string so that stores can
// persist them in one property slot without a side-channel for the kind.
const (
	sigilString = 's'
	sigilNumber = 'n'
	sigilBool   = 'b'
	sigilDate   = 'd'
)

// MarshalText encodes the Scalar as "<sigil>:<canonical text>". Absent Scalars
// encode as the empty string; stores are expected to simply omit them.
func (s Scalar) MarshalText() ([]byte, error) {
	if s.kind == KindAbsent {
		return nil, nil
	}
	var sigil byte
	switch s.kind {
	case KindString:
		sigil = sigilString
	case KindNumber:
		sigil = sigilNumber
	case KindBool:
		sigil = sigilBool
	case KindDate:
		sigil = sigilDate
	default:
		return nil, fmt.Errorf("marshal scalar: unknown kind %v", s.kind)
	}
	return append([]byte{sigil, ':'}, s.text...), nil
}

// MarshalBinary lets gob carry Scalars inside event payloads despite the
// unexported fields. The binary form is the text form.
func (s Scalar) MarshalBinary() ([]byte, error) { return s.MarshalText() }

// UnmarshalBinary is the inverse of MarshalBinary.
func (s *Scalar) UnmarshalBinary(data []byte) error { return s.UnmarshalText(data) }

// UnmarshalText decodes the wire form produced by MarshalText.
func (s *Scalar) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = Scalar{}
		return nil
	}
	if len(text) < 2 || text[1] != ':' {
		return fmt.Errorf("unmarshal scalar: malformed encoding %q", text)
	}
	body := string(text[2:])
	switch text[0] {
	case sigilString:
		*s = Scalar{kind: KindString, text: body}
	case sigilNumber:
		if _, err := decimal.NewFromString(body); err != nil {
			return fmt.Errorf("unmarshal number scalar %q: %w", body, err)
		}
		*s = Scalar{kind: KindNumber, text: body}
	case sigilBool:
		if body != "true" && body != "false" {
			return fmt.Errorf("unmarshal bool scalar: invalid literal %q", body)
		}
		*s = Scalar{kind: KindBool, text: body}
	case sigilDate:
		if _, err := time.Parse(time.DateOnly, body); err != nil {
			return fmt.Errorf("unmarshal date scalar %q: %w", body, err)
		}
		*s = Scalar{kind: KindDate, text: body}
	default:
		return fmt.Errorf("unmarshal scalar: unknown sigil %q", text[0])
	}
	return nil
}
