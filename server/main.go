package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lockstep-server/api"
	"lockstep-server/auth"
	"lockstep-server/config"
	"lockstep-server/gateway"
	"lockstep-server/loghandler"
	"lockstep-server/storage"
)

func main() {
	slog.SetDefault(slog.New(loghandler.NewCompactHandler(os.Stdout, slog.LevelInfo)))

	if err := godotenv.Load(); err != nil {
		if err2 := godotenv.Load("server/.env"); err2 != nil {
			slog.Info("no .env file found; using environment variables", "tag", "main")
		}
	}

	cfg := config.Load()
	slog.Info("configuration loaded", "tag", "main",
		"port", cfg.Port, "tickRate", cfg.TickRate, "gameMode", cfg.GameMode,
		"enableStateHashing", cfg.EnableStateHashing, "validateInputSequence", cfg.ValidateInputSequence)

	var validator *auth.Validator
	if cfg.AuthJWKSURL != "" {
		issuer, err := auth.IssuerFromBaseURL(cfg.AuthJWKSURL)
		if err != nil {
			slog.Error("derive issuer from AUTH_JWKS_URL", "tag", "main", "err", err)
			os.Exit(1)
		}
		v, err := auth.NewValidator(cfg.AuthJWKSURL, issuer)
		if err != nil {
			slog.Error("build auth validator", "tag", "main", "err", err)
			os.Exit(1)
		}
		validator = v
		slog.Info("auth configured", "tag", "main", "jwksUrl", cfg.AuthJWKSURL)
	} else {
		slog.Warn("AUTH_JWKS_URL not set — queue-join trusts client-supplied player ids (local dev only)", "tag", "main")
	}

	ctx := context.Background()
	summaryStore, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("connect to database", "tag", "main", "err", err)
		os.Exit(1)
	}
	// A nil *storage.Store wrapped directly in the storage.SummaryStore
	// interface would no longer compare equal to nil, so only assign the
	// interface value when persistence is actually enabled.
	var store storage.SummaryStore
	if summaryStore != nil {
		defer summaryStore.Close()
		store = summaryStore
	}

	hub := gateway.NewHub(cfg, validator, slog.Default())
	hub.SummaryStore = store

	runCtx, cancel := context.WithCancel(ctx)
	go hub.Run(runCtx)

	handler := api.NewHandler(cfg, store)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/api/matches", handler.RecentMatches)
	mux.HandleFunc("/healthz", handler.Healthz)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("lockstep server listening", "tag", "main", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server exited", "tag", "main", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutdown signal received", "tag", "main")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "tag", "main", "err", err)
	}
}
