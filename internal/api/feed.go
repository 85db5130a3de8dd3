package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/brokerage/internal/models"
	"go.uber.org/zap"
)

const feedWriteWait = 5 * time.Second

// Feed fans executed trades out to websocket subscribers. It is fed by the
// order handler after a placement commits, so subscribers never see trades
// that were rolled back.
type Feed struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// feedMessage is one websocket frame.
type feedMessage struct {
	Type   string          `json:"type"`
	Trades []tradeResponse `json:"trades"`
}

// NewFeed creates a feed accepting connections from allowedOrigins. A "*"
// entry allows any origin.
func NewFeed(allowedOrigins []string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{logger: logger, clients: make(map[*feedClient]struct{})}
	f.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return f
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades the connection and keeps it subscribed until the client
// goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &feedClient{conn: conn}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()
	f.logger.Debug("feed subscriber connected", zap.String("remote", r.RemoteAddr))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.remove(client)
}

// Publish sends trades to every subscriber. Subscribers that cannot be
// written to are dropped.
func (f *Feed) Publish(trades []models.Trade) {
	if len(trades) == 0 {
		return
	}
	data, err := json.Marshal(feedMessage{Type: "trades", Trades: newTradeResponses(trades)})
	if err != nil {
		f.logger.Error("failed to marshal trades", zap.Error(err))
		return
	}

	f.mu.RLock()
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			f.logger.Debug("dropping feed subscriber", zap.Error(err))
			f.remove(c)
		}
	}
}

// Subscribers returns the number of connected clients.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every subscriber.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.mu.Unlock()
		delete(f.clients, c)
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}
