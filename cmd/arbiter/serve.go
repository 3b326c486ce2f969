package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/arbiter/pkg/config"
	"github.com/Mindburn-Labs/arbiter/pkg/federation"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Long:  "Builds the broker from --config (or environment variables alone), discovers the configured backends, serves the federation mTLS listener and the health endpoint, and reloads the config file when it changes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Load()
		return cfg, cfg.Validate()
	}
	return config.LoadFile(path)
}

func runServe(ctx context.Context, configPath string, logOut io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	logger := newLogger(logOut, cfg.LogFormat, level)
	slog.SetDefault(logger)

	n, err := buildNode(ctx, cfg, logger, level)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := n.close(sctx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	n.discover(ctx)

	var watcher *config.Watcher
	if configPath != "" {
		watcher = config.NewWatcher(configPath, cfg, n.reload, config.WithWatchLogger(logger.With("component", "config-watcher")))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.cache.Run(gctx, cfg.Cache.SweepInterval)
		return nil
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	health := &http.Server{
		Addr:              cfg.Listen.Health,
		Handler:           newHealthHandler(n, watcher),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error { return serveUntil(gctx, health, false) })

	if n.server != nil {
		fed := &http.Server{
			Addr:              cfg.Listen.Federation,
			Handler:           n.server.Handler(),
			TLSConfig:         federation.ServerTLSConfig(n.cert),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serveUntil(gctx, fed, true) })
		logger.InfoContext(ctx, "federation listening", "addr", cfg.Listen.Federation)
	}

	logger.InfoContext(ctx, "arbiter started",
		"node_id", cfg.Node.ID, "org", cfg.Node.Org, "health_addr", cfg.Listen.Health,
		"policy_backend", cfg.Policy.Backend, "version", version)

	err = g.Wait()
	logger.Info("arbiter stopped")
	return err
}

// serveUntil runs srv until ctx is done, then shuts it down gracefully.
func serveUntil(ctx context.Context, srv *http.Server, useTLS bool) error {
	errCh := make(chan error, 1)
	go func() {
		if useTLS {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
