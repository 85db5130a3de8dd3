package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
)

const testFee money.Cents = 100

const (
	alice = 1
	bob   = 2
	carol = 3
)

type harness struct {
	mem      *Memory
	engine   *Engine
	sec      models.Security
	accounts map[int]int // user id -> account id
}

func newHarness(t *testing.T, seed func(s *Snapshot, h *harness)) *harness {
	t.Helper()
	snap := NewSnapshot()
	h := &harness{
		engine:   NewEngine(testFee, nil),
		sec:      snap.AddSecurity("ACME", "Acme Corp", true),
		accounts: make(map[int]int),
	}
	if seed != nil {
		seed(snap, h)
	}
	h.mem = NewMemory(snap)
	return h
}

func (h *harness) open(s *Snapshot, userID int, balance money.Cents, shares int64) {
	h.accounts[userID] = s.AddAccount(userID, models.AccountChecking, balance).ID
	if shares > 0 {
		s.SetHolding(userID, h.sec.ID, shares)
	}
}

func (h *harness) place(userID int, side models.Side, qty int64, price string) (*Result, error) {
	var res *Result
	err := h.mem.InTx(context.Background(), func(uow *Snapshot) error {
		var err error
		res, err = h.engine.PlaceOrder(context.Background(), uow, PlaceOrderRequest{
			UserID:     userID,
			Symbol:     h.sec.Symbol,
			Side:       side,
			Quantity:   qty,
			LimitPrice: decimal.RequireFromString(price),
		})
		return err
	})
	return res, err
}

func (h *harness) snap() *Snapshot {
	var s *Snapshot
	h.mem.View(func(x *Snapshot) { s = x })
	return s
}

func (h *harness) balance(userID int) money.Cents {
	return h.snap().Balance(h.accounts[userID])
}

func (h *harness) holding(userID int) int64 {
	return h.snap().Holding(userID, h.sec.ID)
}

func (h *harness) order(t *testing.T, id int) models.Order {
	t.Helper()
	o, ok := h.snap().Order(id)
	require.True(t, ok, "order %d not found", id)
	return o
}

func TestEngine_FullMatchAtEqualPrice(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100000, 0)
		h.open(s, bob, 1000, 10)
	})

	buy, err := h.place(alice, models.SideBuy, 10, "20.00")
	require.NoError(t, err)
	assert.Empty(t, buy.Trades)
	assert.Equal(t, models.StatusOpen, buy.Order.Status)
	assert.Equal(t, money.Cents(100000-20100), h.balance(alice))

	sell, err := h.place(bob, models.SideSell, 10, "20.00")
	require.NoError(t, err)
	require.Len(t, sell.Trades, 1)

	trade := sell.Trades[0]
	assert.Equal(t, int64(10), trade.Quantity)
	assert.Equal(t, money.Cents(2000), trade.PriceCents)
	assert.Equal(t, buy.Order.ID, trade.BuyOrderID)
	assert.Equal(t, sell.Order.ID, trade.SellOrderID)
	assert.Equal(t, alice, trade.BuyerID)
	assert.Equal(t, bob, trade.SellerID)

	assert.Equal(t, models.StatusFilled, h.order(t, buy.Order.ID).Status)
	assert.Equal(t, models.StatusFilled, sell.Order.Status)
	assert.Equal(t, int64(10), h.holding(alice))
	assert.Equal(t, int64(0), h.holding(bob))

	// Buyer paid 200.00 + fee, seller received 200.00 minus fee.
	assert.Equal(t, money.Cents(100000-20100), h.balance(alice))
	assert.Equal(t, money.Cents(1000-100+20000), h.balance(bob))

	sec, _ := h.snap().Security(h.sec.ID)
	assert.Equal(t, money.Cents(2000), sec.LastPriceCents)
	assert.Empty(t, h.snap().Resting(h.sec.ID, models.SideBuy))
	assert.Empty(t, h.snap().Resting(h.sec.ID, models.SideSell))
}

func TestEngine_PartialFillAtMeanPrice(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100000, 0)
		h.open(s, bob, 1000, 5)
	})

	sell, err := h.place(bob, models.SideSell, 5, "19.50")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, sell.Order.Status)

	buy, err := h.place(alice, models.SideBuy, 10, "20.00")
	require.NoError(t, err)
	require.Len(t, buy.Trades, 1)
	assert.Equal(t, int64(5), buy.Trades[0].Quantity)
	assert.Equal(t, money.Cents(1975), buy.Trades[0].PriceCents)

	assert.Equal(t, models.StatusPartiallyFilled, buy.Order.Status)
	assert.Equal(t, int64(5), buy.Order.RemainingQuantity)
	assert.Equal(t, money.Cents(10000), buy.Order.ReservedCashCents)
	assert.Equal(t, models.StatusFilled, h.order(t, sell.Order.ID).Status)

	resting := h.snap().Resting(h.sec.ID, models.SideBuy)
	require.Len(t, resting, 1)
	assert.Equal(t, buy.Order.ID, resting[0].ID)
	assert.Equal(t, money.Cents(2000), resting[0].LimitPriceCents)

	// 5 × (20.00 − 19.75) comes back to the buyer.
	assert.Equal(t, money.Cents(100000-20100+125), h.balance(alice))
	assert.Equal(t, money.Cents(1000-100+9875), h.balance(bob))
}

func TestEngine_InsufficientFundsLeavesNoTrace(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 20099, 0)
	})

	_, err := h.place(alice, models.SideBuy, 10, "20.00")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, money.Cents(20099), h.balance(alice))
	assert.Empty(t, h.snap().Resting(h.sec.ID, models.SideBuy))

	// Exactly enough is accepted.
	h = newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 20100, 0)
	})
	_, err = h.place(alice, models.SideBuy, 10, "20.00")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(0), h.balance(alice))
}

func TestEngine_InsufficientSharesLeavesNoTrace(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, bob, 1000, 5)
	})

	_, err := h.place(bob, models.SideSell, 10, "20.00")
	assert.ErrorIs(t, err, ErrInsufficientShares)
	assert.Equal(t, int64(5), h.holding(bob))
	assert.Equal(t, money.Cents(1000), h.balance(bob))
	assert.Empty(t, h.snap().Resting(h.sec.ID, models.SideSell))
}

func TestEngine_PriceImprovementRefund(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100000, 0)
		h.open(s, bob, 1000, 4)
	})

	_, err := h.place(bob, models.SideSell, 4, "18.01")
	require.NoError(t, err)

	buy, err := h.place(alice, models.SideBuy, 10, "20.00")
	require.NoError(t, err)
	require.Len(t, buy.Trades, 1)

	// mean(20.00, 18.01) = 19.005 -> 19.00 (half to even)
	price := buy.Trades[0].PriceCents
	assert.Equal(t, money.Cents(1900), price)

	refund := money.Cents(4 * (2000 - 1900))
	assert.Equal(t, money.Cents(100000-20100)+refund, h.balance(alice))

	// The reservation drops by 4 × 20.00, not by 4 × 20.00 − refund.
	assert.Equal(t, money.Cents(20000-8000), buy.Order.ReservedCashCents)
	assert.Equal(t, money.Cents(20000-8000), h.order(t, buy.Order.ID).ReservedCashCents)
}

func TestNewEngine_FeeBounds(t *testing.T) {
	assert.NotPanics(t, func() { NewEngine(0, nil) })
	assert.NotPanics(t, func() { NewEngine(MaxFeeCents, nil) })
	assert.Panics(t, func() { NewEngine(-1, nil) })
	assert.Panics(t, func() { NewEngine(MaxFeeCents+1, nil) })
}

func TestEngine_LargestBuyWithLargestFeeIsNotAdmittedOnSmallBalance(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100, 0)
	})
	h.engine = NewEngine(MaxFeeCents, nil)

	_, err := h.place(alice, models.SideBuy, MaxQuantity, "10000000.00")
	assert.True(t, errors.Is(err, ErrInsufficientFunds), "got %v", err)
	assert.Equal(t, money.Cents(100), h.balance(alice))
	assert.Empty(t, h.snap().Orders())
}

func TestEngine_Rejections(t *testing.T) {
	const (
		noAccount     = 10
		closedAccount = 11
		poor          = 12
	)

	tests := []struct {
		name   string
		userID int
		symbol string
		side   models.Side
		qty    int64
		price  string
		expect error
	}{
		{"BlankSymbol", alice, "  ", models.SideBuy, 1, "1.00", ErrBlankSymbol},
		{"UnknownSymbol", alice, "NOPE", models.SideBuy, 1, "1.00", ErrUnknownSecurity},
		{"ZeroQuantity", alice, "ACME", models.SideBuy, 0, "1.00", ErrInvalidQuantity},
		{"NegativeQuantity", alice, "ACME", models.SideBuy, -1, "1.00", ErrInvalidQuantity},
		{"QuantityOver32Bits", alice, "ACME", models.SideBuy, MaxQuantity + 1, "1.00", ErrInvalidQuantity},
		{"ZeroPrice", alice, "ACME", models.SideBuy, 1, "0", ErrInvalidPrice},
		{"PriceRoundsToZero", alice, "ACME", models.SideBuy, 1, "0.004", ErrInvalidPrice},
		{"NegativePrice", alice, "ACME", models.SideBuy, 1, "-1.00", ErrInvalidPrice},
		{"PriceOverCeiling", alice, "ACME", models.SideBuy, 1, "10000000.01", ErrInvalidPrice},
		{"InvalidSide", alice, "ACME", models.Side("hold"), 1, "1.00", ErrInvalidSide},
		{"NotTradable", alice, "HALT", models.SideBuy, 1, "1.00", ErrNotTradable},
		{"NoAccount", noAccount, "ACME", models.SideBuy, 1, "1.00", ErrNoActiveAccount},
		{"OnlyClosedAccount", closedAccount, "ACME", models.SideBuy, 1, "1.00", ErrNoActiveAccount},
		{"SellBelowFee", bob, "ACME", models.SideSell, 1, "0.99", ErrOrderTooSmall},
		{"SellWithoutFeeCash", poor, "ACME", models.SideSell, 1, "5.00", ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot()
			acme := snap.AddSecurity("ACME", "Acme Corp", true)
			snap.AddSecurity("HALT", "Halted Inc", false)
			snap.AddAccount(alice, models.AccountChecking, 1_000_000)
			snap.AddAccount(bob, models.AccountChecking, 1_000_000)
			snap.SetHolding(bob, acme.ID, 10)
			closed := snap.AddAccount(closedAccount, models.AccountChecking, 1_000_000)
			snap.SetAccountStatus(closed.ID, models.AccountClosed)
			snap.AddAccount(poor, models.AccountSavings, 99)
			snap.SetHolding(poor, acme.ID, 10)

			engine := NewEngine(testFee, nil)
			_, err := engine.PlaceOrder(context.Background(), snap, PlaceOrderRequest{
				UserID:     tt.userID,
				Symbol:     tt.symbol,
				Side:       tt.side,
				Quantity:   tt.qty,
				LimitPrice: decimal.RequireFromString(tt.price),
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expect)

			var rej *RejectError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.expect.(*RejectError).Kind, rej.Kind)
			assert.Empty(t, snap.Mutations(), "rejection must not change state")
		})
	}
}

func TestEngine_SellOfNonTradableSecurityIsAllowed(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, bob, 1000, 5)
		s.SetTradable(h.sec.ID, false)
	})

	res, err := h.place(bob, models.SideSell, 5, "10.00")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, res.Order.Status)
	assert.Equal(t, int64(0), h.holding(bob))
	assert.Equal(t, int64(5), res.Order.ReservedQuantity)
}

func TestEngine_SymbolIsNormalized(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100000, 0)
	})

	var res *Result
	err := h.mem.InTx(context.Background(), func(uow *Snapshot) error {
		var err error
		res, err = h.engine.PlaceOrder(context.Background(), uow, PlaceOrderRequest{
			UserID: alice, Symbol: " acme ", Side: models.SideBuy, Quantity: 1, LimitPrice: decimal.RequireFromString("1.005"),
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "ACME", res.Order.Symbol)
	// 1.005 rounds half up to 1.01
	assert.Equal(t, money.Cents(101), res.Order.LimitPriceCents)
}

func TestEngine_PriceTimePriority(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 1_000_000, 0)
		h.open(s, bob, 10000, 10)
		h.open(s, carol, 10000, 10)
	})

	s1, err := h.place(bob, models.SideSell, 5, "20.00")
	require.NoError(t, err)
	s2, err := h.place(bob, models.SideSell, 5, "19.00")
	require.NoError(t, err)
	s3, err := h.place(carol, models.SideSell, 5, "19.00")
	require.NoError(t, err)

	buy, err := h.place(alice, models.SideBuy, 15, "21.00")
	require.NoError(t, err)
	require.Len(t, buy.Trades, 3)

	assert.Equal(t, s2.Order.ID, buy.Trades[0].SellOrderID, "best price first")
	assert.Equal(t, s3.Order.ID, buy.Trades[1].SellOrderID, "earliest at the same price next")
	assert.Equal(t, s1.Order.ID, buy.Trades[2].SellOrderID)

	assert.Equal(t, money.Cents(2000), buy.Trades[0].PriceCents)
	assert.Equal(t, money.Cents(2000), buy.Trades[1].PriceCents)
	assert.Equal(t, money.Cents(2050), buy.Trades[2].PriceCents)
	assert.Equal(t, models.StatusFilled, buy.Order.Status)
	assert.Equal(t, money.Cents(0), buy.Order.ReservedCashCents)
	assert.Equal(t, int64(15), h.holding(alice))
}

func TestEngine_IncomingSellWalksBids(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 1_000_000, 0)
		h.open(s, carol, 1_000_000, 0)
		h.open(s, bob, 1000, 8)
	})

	b1, err := h.place(alice, models.SideBuy, 5, "20.00")
	require.NoError(t, err)
	b2, err := h.place(carol, models.SideBuy, 5, "21.00")
	require.NoError(t, err)

	sell, err := h.place(bob, models.SideSell, 8, "19.00")
	require.NoError(t, err)
	require.Len(t, sell.Trades, 2)
	assert.Equal(t, b2.Order.ID, sell.Trades[0].BuyOrderID)
	assert.Equal(t, int64(5), sell.Trades[0].Quantity)
	assert.Equal(t, b1.Order.ID, sell.Trades[1].BuyOrderID)
	assert.Equal(t, int64(3), sell.Trades[1].Quantity)

	assert.Equal(t, models.StatusFilled, sell.Order.Status)
	assert.Equal(t, int64(0), sell.Order.ReservedQuantity)

	rest := h.order(t, b1.Order.ID)
	assert.Equal(t, models.StatusPartiallyFilled, rest.Status)
	assert.Equal(t, int64(2), rest.RemainingQuantity)
	assert.Equal(t, money.Cents(2*2000), rest.ReservedCashCents)
	assert.Equal(t, int64(5), h.holding(carol))
	assert.Equal(t, int64(3), h.holding(alice))
}

func TestEngine_NoCrossBothRest(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100000, 0)
		h.open(s, bob, 1000, 5)
	})

	_, err := h.place(bob, models.SideSell, 5, "19.00")
	require.NoError(t, err)
	buy, err := h.place(alice, models.SideBuy, 5, "18.99")
	require.NoError(t, err)

	assert.Empty(t, buy.Trades)
	assert.Equal(t, models.StatusOpen, buy.Order.Status)
	assert.Len(t, h.snap().Resting(h.sec.ID, models.SideBuy), 1)
	assert.Len(t, h.snap().Resting(h.sec.ID, models.SideSell), 1)
}

func TestEngine_LegacySellOrderPaysFeeFromProceeds(t *testing.T) {
	var legacy models.Order
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100000, 0)
		h.open(s, bob, 0, 0)
		legacy = s.SeedOrder(models.Order{
			UserID: bob, AccountID: h.accounts[bob], SecurityID: h.sec.ID,
			Side: models.SideSell, Quantity: 5, RemainingQuantity: 5,
			LimitPriceCents: 2000, FeeCents: testFee, FeeCharged: false,
			ReservedQuantity: 5, Status: models.StatusOpen,
		})
	})

	_, err := h.place(alice, models.SideBuy, 2, "20.00")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(4000-100), h.balance(bob))
	assert.True(t, h.order(t, legacy.ID).FeeCharged)

	// The fee is not taken again on the next fill.
	_, err = h.place(alice, models.SideBuy, 3, "20.00")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(4000-100+6000), h.balance(bob))
	assert.Equal(t, models.StatusFilled, h.order(t, legacy.ID).Status)
}

func TestEngine_LegacyFeeFlooredAtZero(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100000, 0)
		h.open(s, bob, 0, 0)
		s.SeedOrder(models.Order{
			UserID: bob, AccountID: h.accounts[bob], SecurityID: h.sec.ID,
			Side: models.SideSell, Quantity: 1, RemainingQuantity: 1,
			LimitPriceCents: 50, FeeCents: testFee, FeeCharged: false,
			ReservedQuantity: 1, Status: models.StatusOpen,
		})
	})

	res, err := h.place(alice, models.SideBuy, 1, "0.50")
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, money.Cents(0), h.balance(bob))
}

type failingTrades struct {
	*Snapshot
}

func (f failingTrades) CreateTrade(context.Context, *models.Trade) error {
	return errors.New("disk full")
}

func TestEngine_FailureMidMatchRollsBackEverything(t *testing.T) {
	h := newHarness(t, func(s *Snapshot, h *harness) {
		h.open(s, alice, 100000, 0)
		h.open(s, bob, 1000, 5)
	})
	sell, err := h.place(bob, models.SideSell, 5, "19.50")
	require.NoError(t, err)

	err = h.mem.InTx(context.Background(), func(uow *Snapshot) error {
		_, err := h.engine.PlaceOrder(context.Background(), failingTrades{uow}, PlaceOrderRequest{
			UserID: alice, Symbol: "ACME", Side: models.SideBuy, Quantity: 5, LimitPrice: decimal.RequireFromString("20.00"),
		})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, money.Cents(100000), h.balance(alice))
	assert.Equal(t, int64(0), h.holding(alice))
	resting := h.order(t, sell.Order.ID)
	assert.Equal(t, models.StatusOpen, resting.Status)
	assert.Equal(t, int64(5), resting.RemainingQuantity)
	assert.Empty(t, h.snap().Trades())
	assert.Empty(t, h.snap().Resting(h.sec.ID, models.SideBuy))
}
