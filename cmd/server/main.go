package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/jonandreas/straumur-payments/internal/adapters/sqlite"
	"github.com/jonandreas/straumur-payments/internal/app/ports"
	"github.com/jonandreas/straumur-payments/internal/config"
	"github.com/jonandreas/straumur-payments/internal/db"
	"github.com/jonandreas/straumur-payments/internal/gateway"
	"github.com/jonandreas/straumur-payments/internal/observability"
	"github.com/jonandreas/straumur-payments/internal/reconciler"
	"github.com/jonandreas/straumur-payments/internal/server"
	"github.com/jonandreas/straumur-payments/internal/server/routes"
	"github.com/jonandreas/straumur-payments/internal/webhook"
)

func main() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	log := slog.New(observability.WrapSlogHandler(handler))
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return
	}
	if cfg.IsLocalDevelopment() && cfg.Gateway.HMACKey == "" {
		slog.Warn("STRAUMUR_HMAC_KEY not set, webhook signatures cannot be verified")
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		return
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()

	store := sqlite.NewStore(database)
	clock := ports.ClockFunc(time.Now)
	gw := gateway.New(gateway.Config{
		BaseURL:           cfg.Gateway.BaseURL,
		APIKey:            cfg.Gateway.APIKey,
		TerminalID:        cfg.Gateway.TerminalID,
		GatewayTerminalID: cfg.Gateway.GatewayTerminalID,
		ThemeKey:          cfg.Gateway.ThemeKey,
		Production:        cfg.Gateway.Production,
		SendItems:         cfg.Checkout.SendItems,
		ManualCapture:     cfg.Checkout.ManualCapture,
		CheckoutExpiry:    cfg.CheckoutExpiry(),
	}, clock, log)

	rec := reconciler.New(gw, store, store, store, database, clock, reconciler.Options{
		ManualCapture:     cfg.Checkout.ManualCapture,
		CompleteOnPayment: cfg.Checkout.CompleteOnPayment,
		AbandonURL:        cfg.Checkout.AbandonURL,
		SuccessURL:        cfg.Checkout.SuccessURL,
	}, log)

	verifier := webhook.NewVerifier(cfg.Gateway.HMACKey, log)

	srv := server.New(log)
	srv.RegisterRouter(routes.NewWebhookRoutes(verifier, rec, log))
	srv.RegisterRouter(routes.NewReturnRoutes(rec, cfg.Checkout.ReturnSigningKey, cfg.Checkout.RetryURL, log))
	srv.RegisterRouter(routes.NewOrderRoutes(rec, cfg.Admin.Token, cfg.Checkout.ReturnSigningKey, log))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	slog.Info("Starting server", "port", cfg.Server.Port, "production", cfg.Gateway.Production)
	slog.Error("Closing server", "error", srv.Start(addr))
}
