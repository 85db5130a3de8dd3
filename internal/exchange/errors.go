package exchange

// Kind classifies why an order was rejected.
type Kind int

const (
	// KindMalformed is bad input: blank symbol, bad quantity, price or side.
	KindMalformed Kind = iota + 1
	// KindBusiness is a rule violation such as insufficient funds.
	KindBusiness
	// KindNotFound means the referenced security does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindBusiness:
		return "business"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// RejectError is a typed admission rejection. A rejected order leaves no
// state behind.
type RejectError struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return e.Message
}

func reject(kind Kind, code, message string) *RejectError {
	return &RejectError{Kind: kind, Code: code, Message: message}
}

// Rejections returned by PlaceOrder. Compare with errors.Is.
var (
	ErrBlankSymbol     = reject(KindMalformed, "blank_symbol", "symbol is required")
	ErrInvalidQuantity = reject(KindMalformed, "invalid_quantity", "quantity must be a positive integer no greater than 2147483647")
	ErrInvalidPrice    = reject(KindMalformed, "invalid_price", "limit price must be positive and no greater than 10000000.00")
	ErrInvalidSide     = reject(KindMalformed, "invalid_side", "side must be 'buy' or 'sell'")

	ErrUnknownSecurity = reject(KindNotFound, "unknown_security", "security not found")

	ErrNotTradable        = reject(KindBusiness, "not_tradable", "security is not tradable")
	ErrNoActiveAccount    = reject(KindBusiness, "no_active_account", "no active account")
	ErrOrderTooSmall      = reject(KindBusiness, "order_too_small", "order value does not cover the fee")
	ErrInsufficientFunds  = reject(KindBusiness, "insufficient_funds", "insufficient funds")
	ErrInsufficientShares = reject(KindBusiness, "insufficient_shares", "insufficient shares")
)
