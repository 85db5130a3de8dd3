package exchange

import (
	"context"
	"sort"

	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
)

// UnitOfWork is the transactional view of order, holding, account and
// security state that one order placement runs against. Every mutation made
// through it commits or rolls back together.
type UnitOfWork interface {
	// SecurityBySymbol returns ErrUnknownSecurity when no security matches.
	SecurityBySymbol(ctx context.Context, symbol string) (*models.Security, error)
	// PrimaryAccount returns ErrNoActiveAccount when the user has none.
	PrimaryAccount(ctx context.Context, userID int) (*models.Account, error)
	DebitAccount(ctx context.Context, accountID int, amount money.Cents) error
	CreditAccount(ctx context.Context, accountID int, amount money.Cents) error

	// HoldingQuantity returns 0 for a pair never touched before.
	HoldingQuantity(ctx context.Context, userID, securityID int) (int64, error)
	// AdjustHolding creates the holding on first touch. The result must
	// not go negative.
	AdjustHolding(ctx context.Context, userID, securityID int, delta int64) error

	// CreateOrder assigns ID and CreatedAt.
	CreateOrder(ctx context.Context, order *models.Order) error
	// BestCounterparty returns the highest-priority resting order that
	// crosses incoming, or nil when there is none.
	BestCounterparty(ctx context.Context, incoming *models.Order) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error

	// CreateTrade assigns ID and ExecutedAt.
	CreateTrade(ctx context.Context, trade *models.Trade) error
	SetLastPrice(ctx context.Context, securityID int, price money.Cents) error
}

// PrimaryAccount picks the account that funds a user's orders: the oldest
// active checking account, else the oldest active account of any kind.
func PrimaryAccount(accounts []models.Account) (models.Account, bool) {
	active := make([]models.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Status == models.AccountActive {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return models.Account{}, false
	}
	sort.SliceStable(active, func(i, j int) bool {
		ci, cj := active[i].Kind == models.AccountChecking, active[j].Kind == models.AccountChecking
		if ci != cj {
			return ci
		}
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	return active[0], true
}
