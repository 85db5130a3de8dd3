package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMajor(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expect      Cents
		expectError bool
	}{
		{name: "Whole", input: "20", expect: 2000},
		{name: "TwoPlaces", input: "19.50", expect: 1950},
		{name: "HalfRoundsUp", input: "19.995", expect: 2000},
		{name: "BelowHalfRoundsDown", input: "19.994", expect: 1999},
		{name: "SubCentRoundsToOne", input: "0.005", expect: 1},
		{name: "SubCentRoundsToZero", input: "0.004", expect: 0},
		{name: "Negative", input: "-1.005", expect: -101},
		{name: "Garbage", input: "abc", expectError: true},
		{name: "Overflow", input: "100000000000000000000", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMajor(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestCents_String(t *testing.T) {
	assert.Equal(t, "20.00", Cents(2000).String())
	assert.Equal(t, "19.75", Cents(1975).String())
	assert.Equal(t, "0.01", Cents(1).String())
	assert.Equal(t, "-3.10", Cents(-310).String())
	assert.True(t, Cents(1975).Major().Equal(decimal.RequireFromString("19.75")))
}

func TestCents_Mul(t *testing.T) {
	p, ok := Cents(2000).Mul(10)
	assert.True(t, ok)
	assert.Equal(t, Cents(20000), p)

	p, ok = Cents(-5).Mul(3)
	assert.True(t, ok)
	assert.Equal(t, Cents(-15), p)

	_, ok = Cents(1 << 40).Mul(1 << 30)
	assert.False(t, ok)

	assert.Panics(t, func() { Cents(1 << 40).MustMul(1 << 30) })
}

func TestCents_Add(t *testing.T) {
	sum, ok := Cents(1500).Add(100)
	assert.True(t, ok)
	assert.Equal(t, Cents(1600), sum)

	sum, ok = Cents(100).Add(-250)
	assert.True(t, ok)
	assert.Equal(t, Cents(-150), sum)

	_, ok = Cents(math.MaxInt64 - 10).Add(11)
	assert.False(t, ok)
	_, ok = Cents(math.MinInt64 + 10).Add(-11)
	assert.False(t, ok)
}

func TestMeanHalfEven(t *testing.T) {
	tests := []struct {
		a, b   Cents
		expect Cents
	}{
		{1950, 2000, 1975},
		{2000, 2000, 2000},
		{1951, 2000, 1976}, // 1975.5 -> 1976
		{1949, 2000, 1974}, // 1974.5 -> 1974
		{1, 2, 2},          // 1.5 -> 2
		{1, 4, 2},          // 2.5 -> 2
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, MeanHalfEven(tt.a, tt.b), "mean(%d, %d)", tt.a, tt.b)
		assert.Equal(t, tt.expect, MeanHalfEven(tt.b, tt.a), "mean(%d, %d)", tt.b, tt.a)
	}
}
