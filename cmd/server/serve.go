package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trador/engine/internal/api"
	"github.com/trador/engine/internal/commentary"
	"github.com/trador/engine/internal/config"
	"github.com/trador/engine/internal/engine"
	"github.com/trador/engine/internal/ledger"
	"github.com/trador/engine/internal/marketdata"
	"github.com/trador/engine/internal/metrics"
	"github.com/trador/engine/internal/recorder"
	"github.com/trador/engine/internal/settlement"
	"github.com/trador/engine/internal/strategy"
)

func serve(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	stores, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	book := ledger.Open(ctx, stores.Store, cfg.Ledger.InitialBalance.Decimal, cfg.Ledger.TradeHistoryLimit)

	// --- Collaborators ---
	market := marketdata.NewClient(cfg.MarketData.BaseURL, cfg.MarketData.RequestsPerMinute, cfg.Filter())

	var signer settlement.Signer
	if cfg.Settlement.SignerURL != "" && cfg.Settlement.WalletPubkey != "" {
		signer = settlement.NewHTTPSigner(cfg.Settlement.SignerURL, cfg.Settlement.WalletPubkey)
		slog.Info("wallet signer configured", "wallet", cfg.Settlement.WalletPubkey)
	} else {
		slog.Warn("SIGNER_URL or WALLET_PUBKEY not set, live settlement will fail")
	}
	settler := settlement.NewJupiter(cfg.SettlementConfig(), settlement.NewRPCClient(cfg.Settlement.RPCURL), signer)

	var commentator engine.Commentator = commentary.Static{}
	if cfg.Commentary.APIKey != "" {
		commentator = commentary.NewGemini(cfg.Commentary.BaseURL, cfg.Commentary.Model, cfg.Commentary.APIKey, cfg.Commentary.RequestsPerMinute)
		slog.Info("Gemini commentary enabled", "model", cfg.Commentary.Model)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	rec := recorder.New(book, settler, cfg.Settlement.Timeout)
	eval := strategy.NewEvaluator(cfg.Thresholds(), cfg.Sizer())
	eng := engine.New(book, market, rec, eval, commentator, wsHub, cfg.EngineOptions())
	if cfg.Engine.Autonomous {
		eng.SetAutonomous(true)
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(ctx)
	}()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the operator UI.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trador"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket route must not sit behind the request timeout.
		r.Group(func(r chi.Router) {
			r.Get("/ws", wsHub.HandleWS)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			api.NewServer(eng, nil, stores.History).Mount(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("trador listening", "port", cfg.Server.Port, "live", cfg.Sizing.Live)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server error", "err", err)
		stop()
		<-engineDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trador...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-engineDone
	slog.Info("trador stopped")
	return nil
}
