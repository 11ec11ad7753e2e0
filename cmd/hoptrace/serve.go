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
	"github.com/use-agent/hoptrace/api"
	"github.com/use-agent/hoptrace/api/handler"
	"github.com/use-agent/hoptrace/cache"
	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/engine"
	"github.com/use-agent/hoptrace/resolver"
)

func newServeCmd(f *flags, logOut io.Writer) *cobra.Command {
	var noBrowser bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f, config.Default())
			if err != nil {
				return err
			}
			initLogger(cfg.Log, logOut)
			return serve(cmd.Context(), cfg, noBrowser)
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "serve only the http engine; do not launch Chromium")
	return cmd
}

// serve runs the API until ctx is canceled, then drains in-flight requests.
func serve(ctx context.Context, cfg *config.Config, noBrowser bool) error {
	slog.Info("hoptrace starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"engine", cfg.Resolver.Engine,
		"maxPages", cfg.Browser.MaxPages,
	)

	// ── 1. Engines ──────────────────────────────────────────────────
	opts := resolver.OptionsFromConfig(cfg.Resolver)
	resolvers := []*resolver.Resolver{
		resolver.New(engine.NewHTTPEngine(cfg.Resolver), opts),
	}

	var pool handler.PoolReporter
	if !noBrowser {
		b, err := engine.LaunchBrowser(cfg.Browser)
		if err != nil {
			return err
		}
		// Drains the page pool and kills Chrome.
		defer b.Close()
		pool = b
		resolvers = append(resolvers, resolver.New(engine.NewRodEngine(b, cfg.Resolver), opts))
	}

	defaultEngine := cfg.Resolver.Engine
	if noBrowser {
		defaultEngine = engine.NameHTTP
	}
	rs := handler.NewResolvers(defaultEngine, resolvers...)
	if _, err := rs.Get(defaultEngine); err != nil {
		return err
	}

	// ── 2. Cache + router ───────────────────────────────────────────
	cc := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	defer cc.Close()

	deps := api.NewDeps(ctx, cfg, rs, pool, cc)
	router := api.NewRouter(cfg, deps)

	// ── 3. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr, "engines", rs.Engines())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// ── 4. Graceful shutdown ────────────────────────────────────────
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	// A session is bounded by the master timeout, so give in-flight
	// requests that long to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Resolver.MasterTimeout+time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	slog.Info("hoptrace stopped")
	return nil
}
