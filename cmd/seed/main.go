package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/brokerage/internal/auth"
	"github.com/xtrntr/brokerage/internal/config"
	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/exchange"
	"github.com/xtrntr/brokerage/internal/logger"
	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
	"github.com/xtrntr/brokerage/internal/service"
	"go.uber.org/zap"
)

type seedSecurity struct {
	symbol   string
	name     string
	tradable bool
}

var securities = []seedSecurity{
	{"ACME", "Acme Corp", true},
	{"GLOBX", "Globex Corporation", true},
	{"INIT", "Initech (suspended)", false},
}

type seedTrader struct {
	username string
	cash     money.Cents
	savings  money.Cents
	shares   map[string]int64
}

var traders = []seedTrader{
	{"trader1", 5_000_000, 100_000, map[string]int64{"ACME": 200}},
	{"trader2", 2_500_000, 0, map[string]int64{"ACME": 100, "GLOBX": 500, "INIT": 50}},
	{"trader3", 1_000_000, 0, nil},
}

type seedOrder struct {
	trader string
	symbol string
	side   models.Side
	qty    int64
	price  string
}

// Resting orders that give the book some depth. None of them cross.
var orders = []seedOrder{
	{"trader1", "ACME", models.SideSell, 50, "21.00"},
	{"trader2", "ACME", models.SideSell, 30, "20.50"},
	{"trader3", "ACME", models.SideBuy, 40, "19.50"},
	{"trader3", "ACME", models.SideBuy, 25, "19.75"},
	{"trader2", "GLOBX", models.SideSell, 100, "54.25"},
	{"trader1", "GLOBX", models.SideBuy, 60, "52.00"},
}

// Seed the database with securities, traders and a resting book
func main() {
	envPath := flag.String("env", "", "path to a .env file (default ./.env)")
	password := flag.String("password", "password123", "password for every seeded trader")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := seed(context.Background(), cfg, log, *password); err != nil {
		log.Fatal("seed failed", zap.Error(err))
	}
}

func seed(ctx context.Context, cfg *config.Config, log *zap.Logger, password string) error {
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	database.MaxRetries = cfg.MaxTxRetries

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	if _, err := database.SecurityBySymbol(ctx, securities[0].symbol); err == nil {
		log.Info("database already seeded, nothing to do")
		return nil
	} else if !errors.Is(err, exchange.ErrUnknownSecurity) {
		return err
	}

	secIDs := make(map[string]int)
	for _, s := range securities {
		sec, err := database.CreateSecurity(ctx, s.symbol, s.name, s.tradable)
		if err != nil {
			return err
		}
		secIDs[s.symbol] = sec.ID
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL)
	userIDs := make(map[string]int)
	for _, tr := range traders {
		user, err := authService.Register(ctx, tr.username, password)
		if err != nil {
			return fmt.Errorf("register %s: %w", tr.username, err)
		}
		userIDs[tr.username] = user.ID

		if _, err := database.CreateAccount(ctx, user.ID, models.AccountChecking, tr.cash); err != nil {
			return err
		}
		if tr.savings > 0 {
			if _, err := database.CreateAccount(ctx, user.ID, models.AccountSavings, tr.savings); err != nil {
				return err
			}
		}
		for symbol, qty := range tr.shares {
			if err := database.SetHolding(ctx, user.ID, secIDs[symbol], qty); err != nil {
				return err
			}
		}
	}

	svc := service.NewOrderService(database, exchange.NewEngine(cfg.OrderFee, log), log)
	for _, o := range orders {
		res, err := svc.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			UserID:     userIDs[o.trader],
			Symbol:     o.symbol,
			Side:       o.side,
			Quantity:   o.qty,
			LimitPrice: decimal.RequireFromString(o.price),
		})
		if err != nil {
			return fmt.Errorf("place %s %d %s @ %s for %s: %w", o.side, o.qty, o.symbol, o.price, o.trader, err)
		}
		if len(res.Trades) > 0 {
			return fmt.Errorf("seed order %d unexpectedly matched", res.Order.ID)
		}
	}

	log.Info("seeded database",
		zap.Int("securities", len(securities)),
		zap.Int("traders", len(traders)),
		zap.Int("orders", len(orders)),
	)
	return nil
}
