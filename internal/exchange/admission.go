package exchange

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
)

const (
	// MaxQuantity bounds order quantity to 32 bits.
	MaxQuantity = math.MaxInt32
	// MaxLimitPriceCents and MaxFeeCents keep quantity × price + fee
	// inside int64.
	MaxLimitPriceCents money.Cents = 1_000_000_000
	MaxFeeCents        money.Cents = 1_000_000_000
)

// admit validates req and reserves the cash or shares it needs. Checks run
// in a fixed order and the first failure is returned.
func (e *Engine) admit(ctx context.Context, uow UnitOfWork, req PlaceOrderRequest) (*models.Order, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, ErrBlankSymbol
	}
	security, err := uow.SecurityBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if req.Quantity <= 0 || req.Quantity > MaxQuantity {
		return nil, ErrInvalidQuantity
	}

	limit, err := money.FromMajor(req.LimitPrice)
	if err != nil || limit <= 0 || limit > MaxLimitPriceCents {
		return nil, ErrInvalidPrice
	}

	if !req.Side.Valid() {
		return nil, ErrInvalidSide
	}

	if req.Side == models.SideBuy && !security.Tradable {
		return nil, ErrNotTradable
	}

	account, err := uow.PrimaryAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	notional := limit.MustMul(req.Quantity)
	if req.Side == models.SideSell {
		if notional < e.feeCents {
			return nil, ErrOrderTooSmall
		}
		held, err := uow.HoldingQuantity(ctx, req.UserID, security.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read holding: %w", err)
		}
		if held < req.Quantity {
			return nil, ErrInsufficientShares
		}
	}

	balance, err := money.FromMajor(account.Balance)
	if err != nil {
		return nil, fmt.Errorf("account %d balance: %w", account.ID, err)
	}

	order := &models.Order{
		UserID:            req.UserID,
		AccountID:         account.ID,
		SecurityID:        security.ID,
		Symbol:            security.Symbol,
		Side:              req.Side,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		LimitPriceCents:   limit,
		FeeCents:          e.feeCents,
		FeeCharged:        true,
		Status:            models.StatusOpen,
	}

	switch req.Side {
	case models.SideBuy:
		required, ok := notional.Add(e.feeCents)
		if !ok || balance < required {
			return nil, ErrInsufficientFunds
		}
		if err := uow.DebitAccount(ctx, account.ID, required); err != nil {
			return nil, fmt.Errorf("failed to reserve cash: %w", err)
		}
		order.ReservedCashCents = notional
	case models.SideSell:
		if balance < e.feeCents {
			return nil, ErrInsufficientFunds
		}
		if e.feeCents > 0 {
			if err := uow.DebitAccount(ctx, account.ID, e.feeCents); err != nil {
				return nil, fmt.Errorf("failed to charge fee: %w", err)
			}
		}
		if err := uow.AdjustHolding(ctx, req.UserID, security.ID, -req.Quantity); err != nil {
			return nil, fmt.Errorf("failed to reserve shares: %w", err)
		}
		order.ReservedQuantity = req.Quantity
	}

	if err := uow.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order, nil
}
