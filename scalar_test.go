package cadence

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestScalarCanonicalText(t *testing.T) {
	t.Parallel()

	if got := Number(decimal.RequireFromString("0.50")).Text(); got != "0.5" {
		t.Errorf("Number(0.50).Text() = %q, want %q", got, "0.5")
	}
	if !Number(decimal.RequireFromString("0.50")).Equal(Number(decimal.RequireFromString("0.5"))) {
		t.Error("Number(0.50) and Number(0.5) should canonicalise to equal Scalars")
	}
	noon := time.Date(2026, time.February, 3, 12, 30, 0, 0, time.UTC)
	if got := Date(noon).Text(); got != "2026-02-03" {
		t.Errorf("Date().Text() = %q, want %q", got, "2026-02-03")
	}
}

func TestScalarTextEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		scalar  Scalar
		encoded string
	}{
		{"string", String("concrete"), "s:concrete"},
		{"string with sigil-like body", String("n:ot a number"), "s:n:ot a number"},
		{"number", Number(decimal.RequireFromString("102.5")), "n:102.5"},
		{"bool", Bool(true), "b:true"},
		{"date", Date(time.Date(2026, time.February, 3, 0, 0, 0, 0, time.UTC)), "d:2026-02-03"},
		{"absent", Scalar{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.scalar.MarshalText()
			if err != nil {
				t.Fatalf("MarshalText() failed: %v", err)
			}
			if string(encoded) != tt.encoded {
				t.Errorf("MarshalText() = %q, want %q", encoded, tt.encoded)
			}
			var decoded Scalar
			if err := decoded.UnmarshalText(encoded); err != nil {
				t.Fatalf("UnmarshalText(%q) failed: %v", encoded, err)
			}
			if !decoded.Equal(tt.scalar) {
				t.Errorf("round trip changed the scalar: got %v (%v), want %v (%v)",
					decoded, decoded.Kind(), tt.scalar, tt.scalar.Kind())
			}
		})
	}
}

func TestScalarUnmarshalRejectsMalformedEncodings(t *testing.T) {
	t.Parallel()

	for _, encoded := range []string{"x:what", "n:not-a-number", "b:yes", "d:03/02/2026", "s"} {
		var s Scalar
		if err := s.UnmarshalText([]byte(encoded)); err == nil {
			t.Errorf("UnmarshalText(%q) accepted a malformed encoding", encoded)
		}
	}
}

func TestScalarDecimal(t *testing.T) {
	t.Parallel()

	d, ok := Number(decimal.RequireFromString("102.5")).Decimal()
	if !ok || !d.Equal(decimal.RequireFromString("102.5")) {
		t.Errorf("Decimal() = %s, %v; want 102.5, true", d, ok)
	}
	if _, ok := String("102.5").Decimal(); ok {
		t.Error("Decimal() of a string scalar reported ok")
	}
	if _, ok := (Scalar{}).Decimal(); ok {
		t.Error("Decimal() of an absent scalar reported ok")
	}
}
