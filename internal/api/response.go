package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xtrntr/brokerage/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// Public order states. Open and partially filled orders are both pending.
const (
	orderPending   = "pending"
	orderExecuted  = "executed"
	orderCancelled = "cancelled"
)

func publicStatus(s models.OrderStatus) string {
	switch s {
	case models.StatusFilled:
		return orderExecuted
	case models.StatusCancelled:
		return orderCancelled
	}
	return orderPending
}

type tradeResponse struct {
	TradeID     int       `json:"trade_id"`
	Symbol      string    `json:"symbol"`
	BuyOrderID  int       `json:"buy_order_id"`
	SellOrderID int       `json:"sell_order_id"`
	Quantity    int64     `json:"quantity"`
	Price       string    `json:"price"`
	ExecutedAt  time.Time `json:"executed_at"`
}

func newTradeResponse(t models.Trade) tradeResponse {
	return tradeResponse{
		TradeID:     t.ID,
		Symbol:      t.Symbol,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Quantity:    t.Quantity,
		Price:       t.PriceCents.String(),
		ExecutedAt:  t.ExecutedAt,
	}
}

func newTradeResponses(trades []models.Trade) []tradeResponse {
	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, newTradeResponse(t))
	}
	return out
}

type orderResponse struct {
	OrderID           int             `json:"order_id"`
	Side              models.Side     `json:"side"`
	Symbol            string          `json:"symbol"`
	Quantity          int64           `json:"quantity"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	LimitPrice        string          `json:"limit_price"`
	Fee               string          `json:"fee"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	Trades            []tradeResponse `json:"trades,omitempty"`
}

func newOrderResponse(o *models.Order, trades []models.Trade) orderResponse {
	resp := orderResponse{
		OrderID:           o.ID,
		Side:              o.Side,
		Symbol:            o.Symbol,
		Quantity:          o.Quantity,
		RemainingQuantity: o.RemainingQuantity,
		LimitPrice:        o.LimitPriceCents.String(),
		Fee:               o.FeeCents.String(),
		Status:            publicStatus(o.Status),
		CreatedAt:         o.CreatedAt,
	}
	if trades != nil {
		resp.Trades = newTradeResponses(trades)
	}
	return resp
}

type bookLevel struct {
	OrderID           int    `json:"order_id"`
	LimitPrice        string `json:"limit_price"`
	RemainingQuantity int64  `json:"remaining_quantity"`
}

type bookResponse struct {
	Symbol    string      `json:"symbol"`
	LastPrice string      `json:"last_price"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
}

func newBookLevels(orders []models.Order) []bookLevel {
	out := make([]bookLevel, 0, len(orders))
	for _, o := range orders {
		out = append(out, bookLevel{
			OrderID:           o.ID,
			LimitPrice:        o.LimitPriceCents.String(),
			RemainingQuantity: o.RemainingQuantity,
		})
	}
	return out
}
