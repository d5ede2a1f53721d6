package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	sofiaweb "github.com/ircad-africa/sofia-web"
	"github.com/ircad-africa/sofia-web/internal/gateway"
	"github.com/ircad-africa/sofia-web/internal/handlers"
	"github.com/ircad-africa/sofia-web/internal/identity"
	"github.com/ircad-africa/sofia-web/internal/knowledge"
	"github.com/ircad-africa/sofia-web/internal/services"
)

const purgeInterval = time.Hour

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env file: %w", err))
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "sofia")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := os.Getenv("SOFIA_CONFIG")
	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(cfgPath, "config.yaml")
	}
	cfg, err := loadConfig(cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("invalid configuration: %w", err))
	}
	if cfg.Identity.DBPath == "" {
		cfg.Identity.DBPath = filepath.Join(cfgPath, "users.db")
	}

	logger, logCloser := cfg.Log.logger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", slog.String("err", err.Error()))
		_ = logCloser.Close()
		os.Exit(1)
	}
	_ = logCloser.Close()
}

func run(cfg config, logger *slog.Logger) error {
	provider := cfg.LLM.provider(logger)
	if !provider.Configured() {
		logger.Warn("Inference credential is missing, requests will get a configuration error",
			slog.String("provider", cfg.LLM.Provider))
	}
	gw := gateway.New(provider, logger)

	backend, closeBackend, err := cfg.Identity.backend(logger)
	if err != nil {
		return fmt.Errorf("error creating identity backend: %w", err)
	}
	auth := identity.NewService(backend, logger)
	auth.OnAuthStateChange(func(ev identity.Event, s *identity.Session) {
		attrs := []any{slog.String("event", string(ev))}
		if s != nil {
			attrs = append(attrs, slog.String("userID", s.User.ID))
		}
		logger.Info("Auth state changed", attrs...)
	})

	kb, err := knowledge.Load(sofiaweb.KnowledgeFS, "knowledge")
	if err != nil {
		return fmt.Errorf("error loading knowledge base: %w", err)
	}

	m, err := handlers.NewMain(gw, auth, kb, handlers.Options{
		SessionTTL:      cfg.SessionTTL,
		CaptureInterval: cfg.CaptureInterval,
		SecureCookies:   cfg.SecureCookies,
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if local, ok := backend.(services.BoltIdentity); ok {
		go purgeRevokedTokens(ctx, local, logger)
	}

	// SSE connections never go idle, so they are closed as soon as shutdown starts.
	sseDone := make(chan error, 1)
	srv.RegisterOnShutdown(func() {
		sseDone <- m.Shutdown(context.Background())
	})

	var shutdownErr *multierror.Error

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr),
			slog.String("llm", cfg.LLM.Provider), slog.String("identity", cfg.Identity.Provider))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		shutdownErr = multierror.Append(shutdownErr, fmt.Errorf("server error: %w", err))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = multierror.Append(shutdownErr, fmt.Errorf("graceful shutdown failed: %w", err))
			if err := srv.Close(); err != nil {
				shutdownErr = multierror.Append(shutdownErr, fmt.Errorf("forcing server close: %w", err))
			}
		}
		if err := <-sseDone; err != nil {
			shutdownErr = multierror.Append(shutdownErr, fmt.Errorf("error shutting down sse server: %w", err))
		}
	}

	cancel()
	if err := closeBackend(); err != nil {
		shutdownErr = multierror.Append(shutdownErr, fmt.Errorf("error closing identity backend: %w", err))
	}
	return shutdownErr.ErrorOrNil()
}

func purgeRevokedTokens(ctx context.Context, b services.BoltIdentity, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.PurgeRevoked()
			if err != nil {
				logger.Error("Failed to purge revoked tokens", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				logger.Debug("Purged revoked tokens", slog.Int("count", n))
			}
		}
	}
}
