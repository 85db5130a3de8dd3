package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtrntr/brokerage/internal/exchange"
	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
	"github.com/xtrntr/brokerage/migrations"
)

// DefaultMaxRetries is how many times InTx re-runs a unit of work that lost
// a serialization race before giving up.
const DefaultMaxRetries = 5

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrUserExists is returned by CreateUser for a taken username.
	ErrUserExists = errors.New("username already taken")
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool       *pgxpool.Pool
	MaxRetries int
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &DB{Pool: pool, MaxRetries: DefaultMaxRetries}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent, so Migrate is safe to run on each start.
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateSecurity lists a new security.
func (db *DB) CreateSecurity(ctx context.Context, symbol, name string, tradable bool) (*models.Security, error) {
	sec := &models.Security{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO securities (symbol, name, tradable) VALUES ($1, $2, $3) RETURNING "+securityColumns,
		symbol, name, tradable).Scan(&sec.ID, &sec.Symbol, &sec.Name, &sec.Tradable, &sec.LastPriceCents)
	if err != nil {
		return nil, fmt.Errorf("failed to create security: %w", err)
	}
	return sec, nil
}

// SecurityBySymbol looks up a security outside any unit of work. It returns
// exchange.ErrUnknownSecurity when none matches.
func (db *DB) SecurityBySymbol(ctx context.Context, symbol string) (*models.Security, error) {
	sec, err := scanSecurity(db.Pool.QueryRow(ctx,
		"SELECT "+securityColumns+" FROM securities WHERE symbol = $1", symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrUnknownSecurity
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security: %w", err)
	}
	return sec, nil
}

// CreateAccount opens an active account with an initial balance.
func (db *DB) CreateAccount(ctx context.Context, userID int, kind string, balance money.Cents) (*models.Account, error) {
	acct, err := scanAccount(db.Pool.QueryRow(ctx,
		"INSERT INTO accounts (user_id, kind, balance) VALUES ($1, $2, $3::bigint::numeric / 100) RETURNING "+accountColumns,
		userID, kind, int64(balance)))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return acct, nil
}

// GetAccount returns one account by id.
func (db *DB) GetAccount(ctx context.Context, accountID int) (*models.Account, error) {
	acct, err := scanAccount(db.Pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// SetHolding overwrites a user's quantity of a security.
func (db *DB) SetHolding(ctx context.Context, userID, securityID int, qty int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO holdings (user_id, security_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, security_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
		userID, securityID, qty)
	if err != nil {
		return fmt.Errorf("failed to set holding: %w", err)
	}
	return nil
}

// GetHolding returns a user's quantity of a security, 0 if never held.
func (db *DB) GetHolding(ctx context.Context, userID, securityID int) (int64, error) {
	var qty int64
	err := db.Pool.QueryRow(ctx,
		"SELECT quantity FROM holdings WHERE user_id = $1 AND security_id = $2",
		userID, securityID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get holding: %w", err)
	}
	return qty, nil
}

// GetUserOrders retrieves all orders for a user, oldest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders o JOIN securities s ON s.id = o.security_id WHERE o.user_id = $1 ORDER BY o.created_at, o.id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return collectOrders(rows)
}

// GetUserTrades retrieves every trade the user was a party to, oldest first
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades t JOIN securities s ON s.id = t.security_id "+
			"WHERE t.buyer_id = $1 OR t.seller_id = $1 ORDER BY t.executed_at, t.id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var trade models.Trade
		if err := rows.Scan(&trade.ID, &trade.SecurityID, &trade.Symbol, &trade.BuyOrderID, &trade.SellOrderID,
			&trade.BuyerID, &trade.SellerID, &trade.Quantity, &trade.PriceCents, &trade.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return trades, nil
}

// GetRestingOrders returns one side of a security's book in priority order:
// best price first, then oldest.
func (db *DB) GetRestingOrders(ctx context.Context, securityID int, side models.Side) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders o JOIN securities s ON s.id = o.security_id " +
		"WHERE o.security_id = $1 AND o.side = $2 AND o.status IN ('open', 'partially_filled') "
	if side == models.SideBuy {
		query += "ORDER BY o.limit_price_cents DESC, o.created_at, o.id"
	} else {
		query += "ORDER BY o.limit_price_cents ASC, o.created_at, o.id"
	}

	rows, err := db.Pool.Query(ctx, query, securityID, string(side))
	if err != nil {
		return nil, fmt.Errorf("failed to get resting orders: %w", err)
	}
	return collectOrders(rows)
}

const (
	securityColumns = "id, symbol, name, tradable, last_price_cents"
	accountColumns  = "id, user_id, kind, status, balance::text, created_at"
	orderColumns    = "o.id, o.user_id, o.account_id, o.security_id, s.symbol, o.side, o.quantity, o.remaining_quantity, " +
		"o.limit_price_cents, o.fee_cents, o.fee_charged, o.reserved_cash_cents, o.reserved_quantity, o.status, o.created_at"
	tradeColumns = "t.id, t.security_id, s.symbol, t.buy_order_id, t.sell_order_id, t.buyer_id, t.seller_id, " +
		"t.quantity, t.price_cents, t.executed_at"
)

func scanSecurity(row pgx.Row) (*models.Security, error) {
	sec := &models.Security{}
	if err := row.Scan(&sec.ID, &sec.Symbol, &sec.Name, &sec.Tradable, &sec.LastPriceCents); err != nil {
		return nil, err
	}
	return sec, nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	acct := &models.Account{}
	var balance string
	if err := row.Scan(&acct.ID, &acct.UserID, &acct.Kind, &acct.Status, &balance, &acct.CreatedAt); err != nil {
		return nil, err
	}
	c, err := money.ParseMajor(balance)
	if err != nil {
		return nil, fmt.Errorf("account %d balance %q: %w", acct.ID, balance, err)
	}
	acct.Balance = c.Major()
	return acct, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.AccountID, &o.SecurityID, &o.Symbol, &o.Side, &o.Quantity, &o.RemainingQuantity,
		&o.LimitPriceCents, &o.FeeCents, &o.FeeCharged, &o.ReservedCashCents, &o.ReservedQuantity, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}
