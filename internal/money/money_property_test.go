package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func TestProperty_MajorRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := Cents(rapid.Int64Range(-99_999_999_999, 99_999_999_999).Draw(t, "cents"))
		got, err := FromMajor(c.Major())
		if err != nil {
			t.Fatalf("FromMajor(%s): %v", c.Major(), err)
		}
		if got != c {
			t.Fatalf("round trip: %d -> %s -> %d", c, c.Major(), got)
		}
	})
}

func TestProperty_MeanMatchesBankersRounding(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := Cents(rapid.Int64Range(1, 1_000_000_000).Draw(t, "a"))
		b := Cents(rapid.Int64Range(1, 1_000_000_000).Draw(t, "b"))

		want := decimal.NewFromInt(int64(a + b)).Div(decimal.NewFromInt(2)).RoundBank(0).IntPart()
		got := MeanHalfEven(a, b)
		if int64(got) != want {
			t.Fatalf("MeanHalfEven(%d, %d) = %d, want %d", a, b, got, want)
		}

		lo, hi := a, b
		if lo > hi {
			lo, hi = hi, lo
		}
		if got < lo || got > hi {
			t.Fatalf("mean %d outside [%d, %d]", got, lo, hi)
		}
	})
}
