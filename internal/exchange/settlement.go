package exchange

import (
	"context"
	"fmt"

	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
	"go.uber.org/zap"
)

// Settlement is the cash and share movement of one match.
type Settlement struct {
	Quantity   int64
	PriceCents money.Cents
	// Released is the part of the buy reservation consumed by this match,
	// valued at the buy limit.
	Released money.Cents
	// Refund is price improvement returned to the buyer.
	Refund money.Cents
	// Proceeds is the cash credited to the seller, net of SellerFee.
	Proceeds money.Cents
	// SellerFee is non-zero only for sell orders admitted without a fee.
	SellerFee money.Cents
}

// ComputeSettlement prices a match of qty units between buy and sell. The
// trade price is the mean of both limits rounded half to even, so neither
// side trades worse than its limit.
func ComputeSettlement(buy, sell *models.Order, qty int64) Settlement {
	price := money.MeanHalfEven(buy.LimitPriceCents, sell.LimitPriceCents)
	released := buy.LimitPriceCents.MustMul(qty)
	gross := price.MustMul(qty)

	s := Settlement{
		Quantity:   qty,
		PriceCents: price,
		Released:   released,
		Refund:     released - gross,
		Proceeds:   gross,
	}
	if !sell.FeeCharged {
		s.SellerFee = min(sell.FeeCents, gross)
		s.Proceeds = gross - s.SellerFee
	}
	return s
}

// Apply updates the order bookkeeping of both sides.
func (s Settlement) Apply(buy, sell *models.Order) {
	buy.ReservedCashCents -= s.Released
	buy.Fill(s.Quantity)

	sell.ReservedQuantity -= s.Quantity
	sell.FeeCharged = true
	sell.Fill(s.Quantity)
}

func (e *Engine) settle(ctx context.Context, uow UnitOfWork, buy, sell *models.Order, qty int64) (*models.Trade, error) {
	s := ComputeSettlement(buy, sell, qty)

	if err := uow.AdjustHolding(ctx, buy.UserID, buy.SecurityID, qty); err != nil {
		return nil, fmt.Errorf("failed to credit buyer holding: %w", err)
	}
	if s.Refund > 0 {
		if err := uow.CreditAccount(ctx, buy.AccountID, s.Refund); err != nil {
			return nil, fmt.Errorf("failed to refund buyer: %w", err)
		}
	}
	if s.Proceeds > 0 {
		if err := uow.CreditAccount(ctx, sell.AccountID, s.Proceeds); err != nil {
			return nil, fmt.Errorf("failed to credit seller: %w", err)
		}
	}

	s.Apply(buy, sell)
	if err := uow.UpdateOrder(ctx, buy); err != nil {
		return nil, fmt.Errorf("failed to update buy order: %w", err)
	}
	if err := uow.UpdateOrder(ctx, sell); err != nil {
		return nil, fmt.Errorf("failed to update sell order: %w", err)
	}

	trade := &models.Trade{
		SecurityID:  buy.SecurityID,
		Symbol:      buy.Symbol,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Quantity:    qty,
		PriceCents:  s.PriceCents,
	}
	if err := uow.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}
	if err := uow.SetLastPrice(ctx, buy.SecurityID, s.PriceCents); err != nil {
		return nil, fmt.Errorf("failed to update last price: %w", err)
	}

	e.logger.Debug("trade settled",
		zap.Int("buy_order_id", buy.ID),
		zap.Int("sell_order_id", sell.ID),
		zap.Int64("quantity", qty),
		zap.Stringer("price", s.PriceCents),
		zap.Stringer("refund", s.Refund),
		zap.Stringer("seller_fee", s.SellerFee),
	)
	return trade, nil
}
