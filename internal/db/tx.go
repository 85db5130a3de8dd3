package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xtrntr/brokerage/internal/exchange"
	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
)

// ErrConflict is returned by InTx when a unit of work kept losing
// serialization races and ran out of retries. Nothing it did was committed.
var ErrConflict = errors.New("transaction conflict, retries exhausted")

// Tx is one serializable transaction. It implements exchange.UnitOfWork.
type Tx struct {
	tx pgx.Tx
}

var _ exchange.UnitOfWork = (*Tx)(nil)

// InTx runs fn inside a SERIALIZABLE transaction and commits once. Any error
// from fn rolls everything back. When postgres aborts the transaction with a
// serialization failure or deadlock, the whole of fn is run again on a fresh
// transaction, up to MaxRetries times.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := db.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt >= db.MaxRetries {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}

		backoff := time.Duration(1+rand.Intn(5<<min(attempt, 6))) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// RunUnit is InTx for callers that only need the exchange.UnitOfWork view.
func (db *DB) RunUnit(ctx context.Context, fn func(exchange.UnitOfWork) error) error {
	return db.InTx(ctx, func(tx *Tx) error { return fn(tx) })
}

func (db *DB) runTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isRetryable reports whether err is a serialization_failure or
// deadlock_detected from postgres.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// SecurityBySymbol implements exchange.UnitOfWork.
func (t *Tx) SecurityBySymbol(ctx context.Context, symbol string) (*models.Security, error) {
	sec, err := scanSecurity(t.tx.QueryRow(ctx,
		"SELECT "+securityColumns+" FROM securities WHERE symbol = $1", symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrUnknownSecurity
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security: %w", err)
	}
	return sec, nil
}

// PrimaryAccount implements exchange.UnitOfWork. The chosen account row is
// locked until the transaction ends.
func (t *Tx) PrimaryAccount(ctx context.Context, userID int) (*models.Account, error) {
	acct, err := scanAccount(t.tx.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND status = 'active'
		ORDER BY (kind = 'checking') DESC, created_at, id
		LIMIT 1
		FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrNoActiveAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get primary account: %w", err)
	}
	return acct, nil
}

// DebitAccount implements exchange.UnitOfWork.
func (t *Tx) DebitAccount(ctx context.Context, accountID int, amount money.Cents) error {
	if amount < 0 {
		return fmt.Errorf("account %d: negative debit %s", accountID, amount)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts SET balance = balance - $2::bigint::numeric / 100
		WHERE id = $1 AND balance >= $2::bigint::numeric / 100`,
		accountID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to debit account %d: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d not found or balance below %s", accountID, amount)
	}
	return nil
}

// CreditAccount implements exchange.UnitOfWork.
func (t *Tx) CreditAccount(ctx context.Context, accountID int, amount money.Cents) error {
	if amount < 0 {
		return fmt.Errorf("account %d: negative credit %s", accountID, amount)
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $2::bigint::numeric / 100 WHERE id = $1",
		accountID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to credit account %d: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d not found", accountID)
	}
	return nil
}

// HoldingQuantity implements exchange.UnitOfWork.
func (t *Tx) HoldingQuantity(ctx context.Context, userID, securityID int) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx,
		"SELECT quantity FROM holdings WHERE user_id = $1 AND security_id = $2 FOR UPDATE",
		userID, securityID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get holding: %w", err)
	}
	return qty, nil
}

// AdjustHolding implements exchange.UnitOfWork. The quantity check
// constraint rejects any change that would leave the holding negative.
func (t *Tx) AdjustHolding(ctx context.Context, userID, securityID int, delta int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO holdings (user_id, security_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, security_id) DO UPDATE SET quantity = holdings.quantity + EXCLUDED.quantity`,
		userID, securityID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust holding of user %d in security %d: %w", userID, securityID, err)
	}
	return nil
}

// CreateOrder implements exchange.UnitOfWork.
func (t *Tx) CreateOrder(ctx context.Context, o *models.Order) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, account_id, security_id, side, quantity, remaining_quantity,
			limit_price_cents, fee_cents, fee_charged, reserved_cash_cents, reserved_quantity, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		o.UserID, o.AccountID, o.SecurityID, string(o.Side), o.Quantity, o.RemainingQuantity,
		int64(o.LimitPriceCents), int64(o.FeeCents), o.FeeCharged, int64(o.ReservedCashCents), o.ReservedQuantity,
		string(o.Status)).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

const (
	bestAskSQL = "SELECT " + orderColumns + ` FROM orders o JOIN securities s ON s.id = o.security_id
		WHERE o.security_id = $1 AND o.side = 'sell' AND o.status IN ('open', 'partially_filled')
			AND o.limit_price_cents <= $2
		ORDER BY o.limit_price_cents ASC, o.created_at, o.id
		LIMIT 1
		FOR UPDATE OF o`
	bestBidSQL = "SELECT " + orderColumns + ` FROM orders o JOIN securities s ON s.id = o.security_id
		WHERE o.security_id = $1 AND o.side = 'buy' AND o.status IN ('open', 'partially_filled')
			AND o.limit_price_cents >= $2
		ORDER BY o.limit_price_cents DESC, o.created_at, o.id
		LIMIT 1
		FOR UPDATE OF o`
)

// BestCounterparty implements exchange.UnitOfWork. The returned order row
// is locked until the transaction ends.
func (t *Tx) BestCounterparty(ctx context.Context, incoming *models.Order) (*models.Order, error) {
	query := bestAskSQL
	if incoming.Side == models.SideSell {
		query = bestBidSQL
	}

	o, err := scanOrder(t.tx.QueryRow(ctx, query, incoming.SecurityID, int64(incoming.LimitPriceCents)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select counterparty: %w", err)
	}
	return o, nil
}

// UpdateOrder implements exchange.UnitOfWork. Remaining quantity may only
// shrink.
func (t *Tx) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET remaining_quantity = $2, fee_charged = $3, reserved_cash_cents = $4,
			reserved_quantity = $5, status = $6
		WHERE id = $1 AND remaining_quantity >= $2`,
		o.ID, o.RemainingQuantity, o.FeeCharged, int64(o.ReservedCashCents), o.ReservedQuantity, string(o.Status))
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d not found or remaining quantity would grow", o.ID)
	}
	return nil
}

// CreateTrade implements exchange.UnitOfWork.
func (t *Tx) CreateTrade(ctx context.Context, trade *models.Trade) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO trades (security_id, buy_order_id, sell_order_id, buyer_id, seller_id, quantity, price_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, executed_at`,
		trade.SecurityID, trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID,
		trade.Quantity, int64(trade.PriceCents)).Scan(&trade.ID, &trade.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// SetLastPrice implements exchange.UnitOfWork.
func (t *Tx) SetLastPrice(ctx context.Context, securityID int, price money.Cents) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE securities SET last_price_cents = $2 WHERE id = $1", securityID, int64(price))
	if err != nil {
		return fmt.Errorf("failed to set last price of security %d: %w", securityID, err)
	}
	return nil
}
