package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/brokerage/internal/auth"
	"github.com/xtrntr/brokerage/internal/exchange"
	"github.com/xtrntr/brokerage/internal/models"
	"go.uber.org/zap"
)

// OrderPlacer places an order as one atomic unit. Implemented by
// service.OrderService.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.Result, error)
}

// ReadStore serves the read-only endpoints. Implemented by db.DB.
type ReadStore interface {
	GetUserOrders(ctx context.Context, userID int) ([]models.Order, error)
	GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error)
	// SecurityBySymbol returns exchange.ErrUnknownSecurity when none matches.
	SecurityBySymbol(ctx context.Context, symbol string) (*models.Security, error)
	GetRestingOrders(ctx context.Context, securityID int, side models.Side) ([]models.Order, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	orders      OrderPlacer
	store       ReadStore
	authService *auth.AuthService
	feed        *Feed
	logger      *zap.Logger
}

// NewHandler creates a new handler. feed may be nil.
func NewHandler(orders OrderPlacer, store ReadStore, authService *auth.AuthService, feed *Feed, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orders: orders, store: store, authService: authService, feed: feed, logger: logger}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Username and password required")
		return
	}

	user, err := h.authService.Register(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrUserExists) {
		writeError(w, http.StatusConflict, "user_exists", "Username already taken")
		return
	}
	if err != nil {
		h.logger.Warn("registration failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	token, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid credentials")
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.authService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type placeOrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// PlaceOrder admits an order, matches it and returns its state after
// matching along with the trades it executed.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}

	var req placeOrderRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	res, err := h.orders.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		UserID:     userID,
		Symbol:     req.Symbol,
		Side:       models.Side(strings.ToLower(strings.TrimSpace(req.Side))),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		h.writePlaceError(w, r, err)
		return
	}

	if h.feed != nil {
		h.feed.Publish(res.Trades)
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(res.Order, res.Trades))
}

func (h *Handler) writePlaceError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *exchange.RejectError
	if !errors.As(err, &rej) {
		h.logger.Error("failed to place order",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", "Failed to place order")
		return
	}

	status := http.StatusUnprocessableEntity
	switch rej.Kind {
	case exchange.KindMalformed:
		status = http.StatusBadRequest
	case exchange.KindNotFound:
		status = http.StatusNotFound
	}
	writeError(w, status, rej.Code, rej.Message)
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}

	orders, err := h.store.GetUserOrders(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to retrieve orders", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to retrieve orders")
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, newOrderResponse(&orders[i], nil))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}

	trades, err := h.store.GetUserTrades(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to retrieve trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to retrieve trades")
		return
	}

	writeJSON(w, http.StatusOK, newTradeResponses(trades))
}

// GetOrderBook returns the resting bids and asks of one security
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))

	sec, err := h.store.SecurityBySymbol(r.Context(), symbol)
	if errors.Is(err, exchange.ErrUnknownSecurity) {
		writeError(w, http.StatusNotFound, exchange.ErrUnknownSecurity.Code, exchange.ErrUnknownSecurity.Message)
		return
	}
	if err != nil {
		h.logger.Error("failed to look up security", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to retrieve order book")
		return
	}

	bids, err := h.store.GetRestingOrders(r.Context(), sec.ID, models.SideBuy)
	if err != nil {
		h.logger.Error("failed to retrieve bids", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to retrieve order book")
		return
	}
	asks, err := h.store.GetRestingOrders(r.Context(), sec.ID, models.SideSell)
	if err != nil {
		h.logger.Error("failed to retrieve asks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to retrieve order book")
		return
	}

	writeJSON(w, http.StatusOK, bookResponse{
		Symbol:    sec.Symbol,
		LastPrice: sec.LastPriceCents.String(),
		Bids:      newBookLevels(bids),
		Asks:      newBookLevels(asks),
	})
}
