// Package main runs the CampusCoin API server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/omsu-chain/campuscoin/internal/app"
	"github.com/omsu-chain/campuscoin/internal/app/httpapi"
	"github.com/omsu-chain/campuscoin/internal/app/metrics"
	"github.com/omsu-chain/campuscoin/internal/app/storage/memory"
	"github.com/omsu-chain/campuscoin/internal/app/storage/postgres"
	"github.com/omsu-chain/campuscoin/internal/chain"
	"github.com/omsu-chain/campuscoin/internal/config"
	"github.com/omsu-chain/campuscoin/internal/middleware"
	"github.com/omsu-chain/campuscoin/internal/platform/migrations"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// .env is optional, convenient for local runs.
	_ = godotenv.Load()

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).WithField("component", "server")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := buildStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	opts := app.Options{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		TokenTTL:  cfg.Auth.TokenTTL,
	}
	if cfg.Chain.RPCURL == "" {
		// Credits will be rejected until the chain is configured.
		log.Warn("no chain rpc configured, minting disabled")
	} else {
		minter, err := buildMinter(cfg, log)
		if err != nil {
			return err
		}
		opts.Minter = minter
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", buildAPIHandler(application, cfg, log))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("api server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown")
	}

	log.Info("stopped")
	return nil
}

// buildStores opens the configured database and runs migrations. Without a
// DSN it falls back to the in-memory store, which is only useful for local
// development.
func buildStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured, using in-memory store")
		mem := memory.New()
		return app.Stores{Users: mem, Activities: mem, Rewards: mem, Ledger: mem}, func() {}, nil
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := postgres.New(db)
	stores := app.Stores{Users: store, Activities: store, Rewards: store, Ledger: store}
	return stores, func() { db.Close() }, nil
}

func buildMinter(cfg *config.Config, log *logger.Logger) (*chain.Client, error) {
	client, err := chain.NewClient(chain.Config{
		RPCURL:        cfg.Chain.RPCURL,
		ContractHash:  cfg.Chain.ContractHash,
		SignerAddress: cfg.Chain.SignerAddress,
		NetworkID:     cfg.Chain.NetworkID,
		Decimals:      cfg.Chain.Decimals,
		ConfirmWait:   cfg.Chain.ConfirmTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("chain client: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"rpc_url":  cfg.Chain.RPCURL,
		"contract": cfg.Chain.ContractHash,
	}).Info("chain client ready")
	return client, nil
}

func buildAPIHandler(application *app.Application, cfg *config.Config, log *logger.Logger) http.Handler {
	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), log, httpapi.PublicPaths)
	cors := middleware.NewCORSMiddleware([]string{"*"})
	limiter := middleware.NewRateLimiter(cfg.Server.RequestsPerSec, cfg.Server.RequestsPerSec*2, log)

	var handler http.Handler = httpapi.NewHandler(application)
	handler = limiter.Handler(handler)
	handler = auth.Handler(handler)
	handler = cors.Handler(handler)
	return metrics.InstrumentHandler(handler)
}
