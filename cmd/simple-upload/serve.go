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

	"github.com/spf13/cobra"
	"github.com/tendant/simple-upload/internal/logging"
	"github.com/tendant/simple-upload/internal/metrics"
	"github.com/tendant/simple-upload/pkg/simpleupload/api"
	"github.com/tendant/simple-upload/pkg/simpleupload/config"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the upload HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []config.Option
			if port != "" {
				extra = append(extra, config.WithPort(port))
			}
			cfg, err := root.loadConfig(extra...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := logging.New(os.Stderr, cfg.Environment, cfg.LogLevel)
			slog.SetDefault(logger)
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides PORT)")
	return cmd
}

// newHandler builds every component of the service from cfg. The returned
// func releases the submission ledger.
func newHandler(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (http.Handler, func(), error) {
	var m *metrics.Metrics
	var observer func(kid string, err error)
	if cfg.EnableMetrics {
		m = metrics.New()
		observer = m.ObserveKeyFetch
	}

	repo, closeRepo, err := cfg.BuildRepository(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build repository: %w", err)
	}

	store, err := cfg.BuildBlobStore()
	if err != nil {
		closeRepo()
		return nil, nil, fmt.Errorf("failed to build blob store: %w", err)
	}

	svc, err := cfg.BuildService(repo, store, logger)
	if err != nil {
		closeRepo()
		return nil, nil, fmt.Errorf("failed to build service: %w", err)
	}

	keys, err := cfg.BuildKeyCache(logger, observer)
	if err != nil {
		closeRepo()
		return nil, nil, fmt.Errorf("failed to build key cache: %w", err)
	}

	server := api.NewServer(svc, api.Authenticator{
		Validator: cfg.BuildValidator(keys),
		Audience:  cfg.Audience(),
		Issuer:    cfg.Issuer(),
		Logger:    logger,
	}, api.WithLogger(logger), api.WithMetrics(m))

	logger.Info("service configured",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Type,
		"database", cfg.DatabaseType,
		"issuer", cfg.Issuer(),
		"jwks_uri", keys.URI(),
		"max_file_size", cfg.Upload.MaxFileSize,
		"max_files", cfg.Upload.MaxFiles,
		"metrics", cfg.EnableMetrics)

	return server.Routes(), closeRepo, nil
}

func serve(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	handler, closeRepo, err := newHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("simple-upload server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
