package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pdvledger/backend/internal/config"
	"pdvledger/backend/internal/countstore"
	"pdvledger/backend/internal/httpapi"
	"pdvledger/backend/internal/lock"
	"pdvledger/backend/internal/logger"
	"pdvledger/backend/internal/metrics"
	"pdvledger/backend/internal/monitor"
	"pdvledger/backend/internal/service"
	"pdvledger/backend/internal/store"
	"pdvledger/backend/internal/store/memory"
	"pdvledger/backend/internal/store/mongostore"
	pgstore "pdvledger/backend/internal/store/postgres"
	"pdvledger/backend/internal/store/remote"
)

func main() {
	envFile := flag.String("env", "", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("close error", zap.Error(err))
			}
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		redisLocker := lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LockTTL)
		if err := redisLocker.Ping(ctx); err != nil {
			return fmt.Errorf("redis unavailable at %s: %w", cfg.Redis.Addr, err)
		}
		locker = redisLocker
		closers = append(closers, redisLocker.Close)
		log.Info("locks: redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		log.Info("locks: in-process")
	}

	counts, err := countstore.Open(cfg.StockCount.Path)
	if err != nil {
		return fmt.Errorf("open stock count store: %w", err)
	}
	closers = append(closers, counts.Close)

	users, ok := repo.(store.UserStore)
	if !ok {
		log.Warn("repository exposes no operator accounts; logins will be refused", zap.String("driver", cfg.Store.Driver))
	}
	auth := httpapi.NewAuthManager(cfg.Auth.Secret, cfg.Auth.AccessTokenTTL, cfg.Auth.ManagerPIN, users)
	ledgerMetrics := metrics.New()

	svc := service.New(repo, counts, log, service.Options{
		DefaultStoreID:          cfg.Store.DefaultStoreID,
		CashMethod:              cfg.Ledger.CashMethod,
		Location:                cfg.Location(),
		AllowAdminMultipleDaily: cfg.Ledger.AllowAdminMultipleDaily,
		AllowNegativeStock:      cfg.Ledger.AllowNegativeStock,
		FinalizeConcurrency:     cfg.Ledger.FinalizeConcurrency,
		DeviceID:                cfg.StockCount.DeviceID,
	},
		service.WithLocker(locker),
		service.WithObserver(ledgerMetrics),
		service.WithPINVerifier(auth),
	)

	if cfg.Monitor.Enabled {
		mon := monitor.New(svc, ledgerMetrics, cfg.Monitor.Cron, cfg.Location(), log)
		if err := mon.Start(); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
		defer mon.Stop()
		if _, err := mon.Check(ctx); err != nil {
			log.Warn("initial stale session check failed", zap.Error(err))
		}
	}

	api := httpapi.New(svc, auth, ledgerMetrics, cfg.App.AllowedOrigin, log)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("ledger backend listening", zap.String("addr", cfg.Address()), zap.String("store", cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, func() error, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		log.Info("repository: postgres")
		return pg, pg.Close, nil
	case "mongo":
		mg, err := mongostore.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo unavailable: %w", err)
		}
		log.Info("repository: mongo", zap.String("database", cfg.Mongo.Database))
		return mg, func() error {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mg.Close(closeCtx)
		}, nil
	case "remote":
		log.Info("repository: remote back office", zap.String("base_url", cfg.Remote.BaseURL))
		return remote.New(remote.Config{BaseURL: cfg.Remote.BaseURL, Token: cfg.Remote.Token, Timeout: cfg.Remote.Timeout}), nil, nil
	default:
		log.Info("repository: in-memory")
		return memory.NewSeeded(log), nil, nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("LEDGER_AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Auth.ManagerPIN == "" {
		return nil
	}
	if len(cfg.Auth.ManagerPIN) < 6 {
		return fmt.Errorf("LEDGER_AUTH_MANAGER_PIN must be at least 6 digits")
	}
	if err := validatePINStrength(cfg.Auth.ManagerPIN); err != nil {
		return fmt.Errorf("LEDGER_AUTH_MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects repeated, sequential and commonly used PINs.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
