package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/brokerage/internal/money"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
)

// Resting reports whether an order in this status can still be matched.
func (s OrderStatus) Resting() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// Security is a tradable instrument
type Security struct {
	ID             int
	Symbol         string
	Name           string
	Tradable       bool
	LastPriceCents money.Cents
}

// Account kinds
const (
	AccountChecking = "checking"
	AccountSavings  = "savings"
)

// Account status values
const (
	AccountActive = "active"
	AccountClosed = "closed"
)

// Account is a user's bank account. Balance is kept in major units.
type Account struct {
	ID        int
	UserID    int
	Kind      string
	Status    string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// Holding is the quantity of a security owned by a user
type Holding struct {
	UserID     int
	SecurityID int
	Quantity   int64
}

// Order represents a buy or sell limit order
type Order struct {
	ID                int
	UserID            int
	AccountID         int // account funding the cash leg
	SecurityID        int
	Symbol            string
	Side              Side
	Quantity          int64
	RemainingQuantity int64
	LimitPriceCents   money.Cents
	FeeCents          money.Cents
	FeeCharged        bool
	ReservedCashCents money.Cents // buy: cash held against unfilled quantity
	ReservedQuantity  int64       // sell: shares held against unfilled quantity
	Status            OrderStatus
	CreatedAt         time.Time // Used for time priority
}

// Fill records qty matched units against the order and recomputes its status.
func (o *Order) Fill(qty int64) {
	o.RemainingQuantity -= qty
	if o.RemainingQuantity == 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// Crosses reports whether resting can trade against o at o's limit.
func (o *Order) Crosses(resting *Order) bool {
	if o.Side == SideBuy {
		return resting.LimitPriceCents <= o.LimitPriceCents
	}
	return resting.LimitPriceCents >= o.LimitPriceCents
}

// Trade represents an executed match between a buy and a sell order
type Trade struct {
	ID          int
	SecurityID  int
	Symbol      string
	BuyOrderID  int
	SellOrderID int
	BuyerID     int
	SellerID    int
	Quantity    int64
	PriceCents  money.Cents
	ExecutedAt  time.Time
}
