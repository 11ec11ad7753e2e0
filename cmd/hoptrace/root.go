package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/engine"
	"github.com/use-agent/hoptrace/models"
	"github.com/use-agent/hoptrace/resolver"
)

// exitError carries a process exit status out of a cobra RunE.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// flags are the per-invocation overrides applied on top of config.Load.
type flags struct {
	engine         string
	hopTimeout     time.Duration
	settleTimeout  time.Duration
	masterTimeout  time.Duration
	fallbackStatus int
}

func (f *flags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.engine, "engine", "", `navigation engine: "rod" or "http" (default from config)`)
	pf.DurationVar(&f.hopTimeout, "hop-timeout", 0, "quiet window after each hop (default 2s)")
	pf.DurationVar(&f.settleTimeout, "settle-timeout", -1, "window after the initial load (default 1ms)")
	pf.DurationVar(&f.masterTimeout, "master-timeout", 0, "upper bound on the whole session (default 10s)")
	pf.IntVar(&f.fallbackStatus, "fallback-status", 0, "status reported for hops without a response (default 200)")
}

// apply overlays flags that were set on cfg.
func (f *flags) apply(cfg *config.Config) {
	if f.engine != "" {
		cfg.Resolver.Engine = f.engine
	}
	if f.hopTimeout > 0 {
		cfg.Resolver.HopTimeout = f.hopTimeout
	}
	if f.settleTimeout >= 0 {
		cfg.Resolver.SettleTimeout = f.settleTimeout
	}
	if f.masterTimeout > 0 {
		cfg.Resolver.MasterTimeout = f.masterTimeout
	}
	if f.fallbackStatus > 0 {
		cfg.Resolver.FallbackStatus = f.fallbackStatus
	}
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "hoptrace",
		Short: "Resolve a URL or DOI to its redirect chain",
		Long: `hoptrace reads one URL or DOI from stdin, follows it the way a browser
would (HTTP redirects, meta refreshes, script navigations) and prints the
chain as {"path":[[url,status],...]} on stdout.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f, config.CLIDefault())
			if err != nil {
				return err
			}
			initLogger(cfg.Log, stderr)
			if code := resolveStdin(cmd.Context(), cfg, stdin, stdout, stderr); code != resolver.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	f.register(root)
	root.AddCommand(newServeCmd(f, stderr))
	return root
}

// execute runs cmd and maps its error to an exit status.
func execute(ctx context.Context, cmd *cobra.Command) int {
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return resolver.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "ERROR: %v\n", err)
	return resolver.ExitFailure
}

func loadConfig(f *flags, base *config.Config) (*config.Config, error) {
	cfg, err := config.LoadFrom(base)
	if err != nil {
		return nil, err
	}
	f.apply(cfg)
	return cfg, nil
}

// resolveStdin resolves the first line of stdin and writes the result
// through an Emitter. It returns the process exit status.
func resolveStdin(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout, stderr io.Writer) int {
	em := resolver.NewEmitter(stdout, stderr)

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return em.Emit(nil, models.NewResolveError(models.ErrCodeInvalidInput, "read stdin", err))
	}
	if _, err := resolver.NormalizeTarget(line); err != nil {
		return em.Emit(nil, err)
	}

	var b *engine.Browser
	if cfg.Resolver.Engine == engine.NameRod {
		b, err = engine.LaunchBrowser(cfg.Browser)
		if err != nil {
			return em.Emit(nil, err)
		}
		defer b.Close()
	}

	eng, err := engine.New(cfg.Resolver.Engine, b, cfg.Resolver)
	if err != nil {
		return em.Emit(nil, models.NewResolveError(models.ErrCodeInvalidInput, err.Error(), nil))
	}

	r := resolver.New(eng, resolver.OptionsFromConfig(cfg.Resolver))
	slog.Debug("resolving", "input", strings.TrimSpace(line), "engine", eng.Name())
	return em.Emit(r.Navigate(ctx, line))
}

// initLogger configures slog from cfg, writing to w so stdout carries only
// the result.
func initLogger(cfg config.LogConfig, w io.Writer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}
