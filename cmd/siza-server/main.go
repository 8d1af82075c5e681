// Command siza-server serves key management and routed component generation over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"siza-core/config"
	"siza-core/internal/api"
	"siza-core/internal/keys"
	"siza-core/internal/router"
	"siza-core/observability"
	"siza-core/repository"
	"siza-core/services"
)

// keyBackend is the selected key store together with its lifecycle
type keyBackend struct {
	stores keys.StoreFactory
	health api.HealthChecker
	close  func()
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLoggerWithLevel(os.Getenv("APP_ENV") == "production", observability.ParseLevel(cfg.Log.Level))
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openKeyBackend(ctx, cfg)
	if err != nil {
		observability.Fatal("failed to open key store", "error", err)
	}
	defer backend.close()

	clients, err := services.NewClients(ctx, cfg)
	if err != nil {
		observability.Fatal("failed to initialize provider clients", "error", err)
	}

	rt := router.New(clients, router.PolicyFromConfig(cfg.Routing), router.NewFallbackBudget(cfg.Fallback.DailyLimit))

	handler := api.NewHandler(api.Deps{
		Stores:     backend.stores,
		Completers: clients,
		Router:     rt,
		DB:         backend.health,
		Breakers:   clients.BreakerStatus,
	}, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		observability.Info("starting siza server",
			"port", cfg.Server.Port,
			"google", cfg.HasGoogle(),
			"anthropic", cfg.HasAnthropic(),
			"openai", cfg.HasOpenAI(),
			"bedrock", cfg.HasBedrock())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Fatal("server error", "error", err)
		}
	}()

	<-ctx.Done()
	observability.Info("shutting down siza server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		observability.Error("server forced to shutdown", "error", err)
	}
	observability.Info("siza server stopped")
}

// openKeyBackend picks PostgreSQL, then SQLite, then the in-memory store
func openKeyBackend(ctx context.Context, cfg *config.Config) (*keyBackend, error) {
	switch {
	case cfg.HasDatabase():
		repo, err := repository.Connect(ctx, cfg.Database.URL, repository.DefaultConnectPolicy)
		if err != nil {
			return nil, err
		}
		observability.Info("using postgres key store")
		return &keyBackend{stores: repo, health: repo, close: repo.Close}, nil

	case cfg.HasSQLite():
		repo, err := repository.NewSQLiteRepository(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		observability.Info("using sqlite key store", "path", repo.Path())
		return &keyBackend{stores: repo, health: repo, close: func() {
			if err := repo.Close(); err != nil {
				observability.Warn("failed to close sqlite key store", "error", err)
			}
		}}, nil

	default:
		observability.Warn("no key store configured, keys are kept in memory only")
		return &keyBackend{stores: keys.NewMemoryStoreFactory(), close: func() {}}, nil
	}
}
