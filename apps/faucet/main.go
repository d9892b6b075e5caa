// Faucet: HTTP API that hands out a fixed amount of a Hedera token (or HBAR).
// One claim per account and per client IP within the cooldown window (24h).
// Endpoints: POST /faucet (JSON body: walletAddress), GET /healthz, GET /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.slogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("faucet stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	asset, err := newAsset(cfg.TokenID, cfg.Amount, cfg.TokenDecimals)
	if err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	factory, err := newHederaFactory(cfg.Network, cfg.OperatorID, cfg.OperatorKey)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cooldown store: %w", err)
	}
	defer closeStore()

	claims := newClaimer(claimerConfig{
		Factory:         factory,
		Limiter:         newLimiter(store, cfg.Cooldown, logger),
		Asset:           asset,
		StrictAddress:   cfg.StrictAddress,
		LedgerTimeout:   cfg.LedgerTimeout,
		MaxClaimsPerSec: cfg.MaxClaimsPerSec,
		Log:             logger,
	})
	if p, ok := store.(pruner); ok {
		go runSweeper(ctx, p, cfg.Cooldown, cfg.SweepInterval, time.Now, logger)
	}

	// Use http.Server for graceful shutdown on SIGTERM/SIGINT.
	srv := &http.Server{
		Addr:              cfg.addr(),
		Handler:           newRouter(claims, cfg.ForceErrorRate),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			cancel() // trigger shutdown so run can return
		}
	}()
	slog.Info("starting", "addr", srv.Addr, "network", cfg.Network, "asset", asset.String(),
		"store", cfg.Store, "cooldown", cfg.Cooldown.String())

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func newRouter(claims *claimer, forceErrorRate float64) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.HandleFunc("/healthz", handleHealthz)
	r.HandleFunc("/faucet", handleFaucet(claims, forceErrorRate))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// openStore builds the configured cooldown store and its close func.
func openStore(ctx context.Context, cfg config) (Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return newMemoryStore(cfg.ReservationTTL), func() {}, nil
	case "redis":
		s, err := openRedisStore(ctx, redisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.ReservationTTL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("close redis store", "err", err)
			}
		}, nil
	case "postgres":
		s, err := newPostgresStore(ctx, cfg.DatabaseURL, cfg.ReservationTTL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Store)
	}
}
