// Package service runs order placement as one atomic unit of work against
// storage.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/xtrntr/brokerage/internal/exchange"
	"go.uber.org/zap"
)

// UnitRunner runs fn as one atomic unit of work. Everything fn does through
// the UnitOfWork commits together or not at all. Implemented by db.DB and
// exchange.Memory.
type UnitRunner interface {
	RunUnit(ctx context.Context, fn func(exchange.UnitOfWork) error) error
}

// OrderService places orders for authenticated users.
type OrderService struct {
	runner UnitRunner
	engine *exchange.Engine
	logger *zap.Logger
}

// NewOrderService creates an OrderService.
func NewOrderService(runner UnitRunner, engine *exchange.Engine, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{runner: runner, engine: engine, logger: logger}
}

// PlaceOrder admits, reserves and matches req in a single unit of work and
// returns the order with the trades this call executed. On any error
// nothing is committed and the result is nil.
func (s *OrderService) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.Result, error) {
	start := time.Now()

	var res *exchange.Result
	err := s.runner.RunUnit(ctx, func(uow exchange.UnitOfWork) error {
		var err error
		res, err = s.engine.PlaceOrder(ctx, uow, req)
		return err
	})
	if err != nil {
		var rej *exchange.RejectError
		if errors.As(err, &rej) {
			s.logger.Info("order rejected",
				zap.Int("user_id", req.UserID),
				zap.String("symbol", req.Symbol),
				zap.String("code", rej.Code),
			)
		} else {
			s.logger.Error("order placement failed",
				zap.Int("user_id", req.UserID),
				zap.String("symbol", req.Symbol),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.logger.Debug("order committed",
		zap.Int("order_id", res.Order.ID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
