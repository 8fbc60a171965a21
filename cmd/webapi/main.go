// Command webapi serves the preferences HTTP API consumed by the
// configuration UI.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jrzesz33/teewatch/internal/api"
	"github.com/jrzesz33/teewatch/internal/logging"
	"github.com/jrzesz33/teewatch/internal/store"
	"github.com/jrzesz33/teewatch/pkg/catalog"
	appconfig "github.com/jrzesz33/teewatch/pkg/config"
)

func main() {
	_ = godotenv.Load()

	logger := logging.New()
	cfg, err := appconfig.Load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Load()
	if err != nil {
		logger.Error("failed to load course catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.NewPostgres(ctx, cfg.DatabaseURL, logger)
	} else {
		logger.Warn("DATABASE_URL not set, using file-backed store",
			slog.String("path", cfg.PrefsFile),
		)
		st, err = store.NewFileStore(cfg.PrefsFile, logger)
	}
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	server := api.New(api.Options{
		Store:     st,
		Catalog:   cat,
		JWTSecret: cfg.APIJWTSecret,
		Logger:    logger,
	})

	addr := ":" + envOrDefault("PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	logger.Info("web api listening",
		slog.String("addr", addr),
		slog.String("storage", st.Kind()),
		slog.Bool("auth", cfg.APIJWTSecret != ""),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("web api stopped")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
