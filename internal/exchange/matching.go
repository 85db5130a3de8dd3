package exchange

import (
	"context"
	"fmt"

	"github.com/xtrntr/brokerage/internal/models"
)

// match pairs incoming against the best resting counterparty until it is
// filled or nothing crosses. Each pair is settled before the book is read
// again.
func (e *Engine) match(ctx context.Context, uow UnitOfWork, incoming *models.Order) ([]models.Trade, error) {
	var trades []models.Trade

	for incoming.RemainingQuantity > 0 {
		resting, err := uow.BestCounterparty(ctx, incoming)
		if err != nil {
			return nil, fmt.Errorf("failed to find counterparty: %w", err)
		}
		if resting == nil {
			break
		}
		if resting.RemainingQuantity <= 0 || resting.Side != incoming.Side.Opposite() || !incoming.Crosses(resting) {
			return nil, fmt.Errorf("order %d is not a valid counterparty for order %d", resting.ID, incoming.ID)
		}

		if resting.Symbol == "" {
			resting.Symbol = incoming.Symbol
		}

		qty := min(incoming.RemainingQuantity, resting.RemainingQuantity)

		buy, sell := incoming, resting
		if incoming.Side == models.SideSell {
			buy, sell = resting, incoming
		}

		trade, err := e.settle(ctx, uow, buy, sell, qty)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}

	return trades, nil
}
