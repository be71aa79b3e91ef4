package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"posdesk/backend/internal/cache"
	"posdesk/backend/internal/config"
	"posdesk/backend/internal/httpapi"
	"posdesk/backend/internal/logger"
	"posdesk/backend/internal/service"
	"posdesk/backend/internal/store"
	"posdesk/backend/internal/store/memory"
	pgstore "posdesk/backend/internal/store/postgres"
	"posdesk/backend/internal/store/strapi"
)

func main() {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logger.New(logger.ForEnvironment(cfg.AppEnv, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal("repository unavailable", zap.String("backend", cfg.DataBackend), zap.Error(err))
	}

	stash, settings, cacheClosers := openCache(ctx, cfg, log)
	closers = append(closers, cacheClosers...)

	svc := service.New(repo, stash, settings, log.Named("service"), service.Defaults{
		BranchID:     cfg.BranchID,
		DeskID:       cfg.DeskID,
		Currency:     cfg.Currency,
		PrintTTL:     cfg.PrintPayloadTTL,
		PrintDelayMS: cfg.PrintDelayMS,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo, log.Named("auth"))
	api := httpapi.New(svc, auth, log.Named("http"), cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("pos desk backend listening", zap.String("addr", cfg.Address()), zap.String("backend", cfg.DataBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

// openRepository builds the data backend picked by DATA_BACKEND. Strapi has
// no user or audit collections, so those go to postgres when DATABASE_URL is
// set and to the seeded memory store otherwise.
func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, []func() error, error) {
	closers := make([]func() error, 0, 1)

	openPostgres := func() (*pgstore.Store, error) {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is not set")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		closers = append(closers, pg.Close)
		return pg, nil
	}

	switch cfg.DataBackend {
	case config.BackendPostgres:
		pg, err := openPostgres()
		if err != nil {
			return nil, nil, err
		}
		log.Info("repository: postgres")
		return pg, closers, nil
	case config.BackendStrapi:
		if cfg.StrapiURL == "" {
			return nil, nil, errors.New("STRAPI_URL is not set")
		}
		var local strapi.Local
		if cfg.DatabaseURL != "" {
			pg, err := openPostgres()
			if err != nil {
				return nil, nil, err
			}
			local = pg
		} else {
			seeded, err := memory.NewSeeded(log.Named("memory"))
			if err != nil {
				return nil, nil, err
			}
			local = seeded
		}
		client := strapi.NewClient(cfg.StrapiURL, cfg.StrapiToken, cfg.StrapiTimeout,
			strapi.WithPageSize(cfg.StrapiPageSize),
			strapi.WithLogger(log.Named("strapi")),
		)
		log.Info("repository: strapi", zap.String("url", cfg.StrapiURL))
		return strapi.New(client, local, log.Named("strapi")), closers, nil
	default:
		seeded, err := memory.NewSeeded(log.Named("memory"))
		if err != nil {
			return nil, nil, err
		}
		log.Info("repository: in-memory")
		return seeded, closers, nil
	}
}

// openCache prefers redis and falls back to process memory when it is not
// configured or not reachable.
func openCache(ctx context.Context, cfg config.Config, log *zap.Logger) (cache.PrintStash, cache.SettingsStore, []func() error) {
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using in-memory print stash", zap.Error(err))
			_ = redisCache.Close()
		} else {
			log.Info("cache: redis")
			return redisCache, redisCache, []func() error{redisCache.Close}
		}
	} else {
		log.Info("cache: in-memory")
	}
	return cache.NewMemoryPrintStash(), cache.NewMemorySettingsStore(), nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
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
