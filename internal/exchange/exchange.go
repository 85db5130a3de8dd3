package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
	"go.uber.org/zap"
)

// PlaceOrderRequest is an incoming limit order. LimitPrice is in major
// currency units and is converted to cents with round-half-up.
type PlaceOrderRequest struct {
	UserID     int
	Symbol     string
	Side       models.Side
	Quantity   int64
	LimitPrice decimal.Decimal
}

// Result is the state of the placed order after matching, plus the trades
// it produced.
type Result struct {
	Order  *models.Order
	Trades []models.Trade
}

// Engine admits orders, matches them against the resting book and settles
// each match. It holds no state of its own; all state lives behind the
// UnitOfWork passed to PlaceOrder.
type Engine struct {
	feeCents money.Cents
	logger   *zap.Logger
}

// NewEngine creates an engine charging a flat fee per order. It panics if
// the fee is negative or above MaxFeeCents.
func NewEngine(feeCents money.Cents, logger *zap.Logger) *Engine {
	if feeCents < 0 || feeCents > MaxFeeCents {
		panic(fmt.Sprintf("exchange: fee %d outside [0, %d]", feeCents, MaxFeeCents))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{feeCents: feeCents, logger: logger}
}

// FeeCents returns the flat per-order fee.
func (e *Engine) FeeCents() money.Cents {
	return e.feeCents
}

// PlaceOrder admits req, reserves its cash or shares and matches it until
// it is filled or no crossing counterparty remains. The caller owns the
// unit of work and must roll it back when an error is returned.
func (e *Engine) PlaceOrder(ctx context.Context, uow UnitOfWork, req PlaceOrderRequest) (*Result, error) {
	order, err := e.admit(ctx, uow, req)
	if err != nil {
		return nil, err
	}

	trades, err := e.match(ctx, uow, order)
	if err != nil {
		return nil, err
	}

	e.logger.Info("order placed",
		zap.Int("order_id", order.ID),
		zap.Int("user_id", order.UserID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Int64("quantity", order.Quantity),
		zap.Stringer("limit_price", order.LimitPriceCents),
		zap.String("status", string(order.Status)),
		zap.Int("trades", len(trades)),
	)
	return &Result{Order: order, Trades: trades}, nil
}
