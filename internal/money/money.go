package money

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Cents is an exact monetary amount in minor currency units.
type Cents int64

// ErrOutOfRange is returned when an amount does not fit in Cents.
var ErrOutOfRange = errors.New("amount out of range")

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// FromMajor converts a major-unit amount to cents, rounding half up
// (half away from zero for negative amounts).
func FromMajor(d decimal.Decimal) (Cents, error) {
	scaled := d.Mul(hundred).Round(0)
	if scaled.GreaterThan(maxCents) || scaled.LessThan(minCents) {
		return 0, ErrOutOfRange
	}
	return Cents(scaled.IntPart()), nil
}

// ParseMajor parses a decimal string such as "19.995" into cents.
func ParseMajor(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromMajor(d)
}

// Major returns the amount in major units with two decimal places.
func (c Cents) Major() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c Cents) String() string {
	return c.Major().StringFixed(2)
}

// Mul returns c × qty, reporting false if the product overflows int64.
func (c Cents) Mul(qty int64) (Cents, bool) {
	if c == 0 || qty == 0 {
		return 0, true
	}
	neg := (c < 0) != (qty < 0)
	a, b := uint64(abs(int64(c))), uint64(abs(qty))
	hi, lo := bits.Mul64(a, b)
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	if neg {
		return -Cents(lo), true
	}
	return Cents(lo), true
}

// Add returns c + d, reporting false if the sum overflows int64.
func (c Cents) Add(d Cents) (Cents, bool) {
	sum := c + d
	if (d > 0 && sum < c) || (d < 0 && sum > c) {
		return 0, false
	}
	return sum, true
}

// MustMul is Mul for callers that have already bounded both operands.
func (c Cents) MustMul(qty int64) Cents {
	p, ok := c.Mul(qty)
	if !ok {
		panic(fmt.Sprintf("money: %d × %d overflows", c, qty))
	}
	return p
}

// MeanHalfEven returns (a+b)/2 rounded half to even.
// Both inputs must be non-negative.
func MeanHalfEven(a, b Cents) Cents {
	sum := a + b
	q := sum / 2
	if sum%2 != 0 && q%2 != 0 {
		q++
	}
	return q
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
