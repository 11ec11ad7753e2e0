package resolver

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/models"
)

const (
	DefaultHopTimeout     = 2000 * time.Millisecond
	DefaultSettleTimeout  = 1 * time.Millisecond
	DefaultMasterTimeout  = 10 * time.Second
	DefaultFallbackStatus = 200
)

// Options holds the timing policy and bookkeeping parameters of a session.
type Options struct {
	// HopTimeout is the quiet window after a recorded hop.
	HopTimeout time.Duration

	// SettleTimeout is the window after the initial load completes. Zero
	// settles as soon as the timer goroutine runs.
	SettleTimeout time.Duration

	// MasterTimeout bounds the whole session. It is never reset.
	MasterTimeout time.Duration

	// FallbackStatus is reported for hops without a recorded response.
	FallbackStatus int

	// BlockedExtensions lists sub-resource extensions to abort.
	BlockedExtensions []string
}

// DefaultOptions returns the standard timing policy.
func DefaultOptions() Options {
	return Options{
		HopTimeout:        DefaultHopTimeout,
		SettleTimeout:     DefaultSettleTimeout,
		MasterTimeout:     DefaultMasterTimeout,
		FallbackStatus:    DefaultFallbackStatus,
		BlockedExtensions: DefaultBlockedExtensions,
	}
}

// OptionsFromConfig maps the resolver config section to Options.
func OptionsFromConfig(cfg config.ResolverConfig) Options {
	return Options{
		HopTimeout:        cfg.HopTimeout,
		SettleTimeout:     cfg.SettleTimeout,
		MasterTimeout:     cfg.MasterTimeout,
		FallbackStatus:    cfg.FallbackStatus,
		BlockedExtensions: cfg.BlockedExtensions,
	}
}

func (o Options) withDefaults() Options {
	if o.HopTimeout <= 0 {
		o.HopTimeout = DefaultHopTimeout
	}
	if o.SettleTimeout < 0 {
		o.SettleTimeout = DefaultSettleTimeout
	}
	if o.MasterTimeout <= 0 {
		o.MasterTimeout = DefaultMasterTimeout
	}
	return o
}

// Resolver starts one navigation session per Navigate call against a
// single engine. It is safe for concurrent use; sessions share nothing.
type Resolver struct {
	engine Engine
	opts   Options
	sched  Scheduler
	logger *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithScheduler replaces the wall-clock scheduler, mainly for tests.
func WithScheduler(s Scheduler) Option {
	return func(r *Resolver) { r.sched = s }
}

// WithLogger sets the base logger for session logs.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver bound to engine.
func New(engine Engine, opts Options, options ...Option) *Resolver {
	r := &Resolver{
		engine: engine,
		opts:   opts.withDefaults(),
		sched:  SystemScheduler{},
		logger: slog.Default(),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// EngineName returns the name of the engine sessions run on.
func (r *Resolver) EngineName() string { return r.engine.Name() }

// Navigate resolves initialURL and blocks until the session finalizes or
// aborts.
//
// Lifecycle:
//
//  1. Normalize input        – empty input fails before anything starts
//  2. Begin                  – IDLE → OPENING, master timer armed
//  3. Open                   – engine starts loading on its own goroutine
//  4. Run                    – events and timer expiries until terminal
//  5. Cleanup                – stop timers, cancel engine, wait for it
//
// The returned outcome is non-nil exactly when err is nil.
func (r *Resolver) Navigate(ctx context.Context, initialURL string) (*NavigationOutcome, error) {
	// ── 1. Input ──────────────────────────────────────────────────────
	target, err := NormalizeTarget(initialURL)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := r.logger.With("session_id", id, "engine", r.engine.Name(), "url", target)
	s := newSession(r.opts, r.sched, log)

	// ── 2. Begin ──────────────────────────────────────────────────────
	s.begin()
	log.Debug("session started")

	// ── 3. Open ───────────────────────────────────────────────────────
	engineCtx, cancelEngine := context.WithCancel(ctx)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if openErr := r.engine.Open(engineCtx, target, s); openErr != nil {
			s.dispatch(func() {
				s.abort(models.NewResolveError(models.ErrCodeEngine, "engine failed to open url", openErr))
			})
		}
	}()

	// ── 4. Run ────────────────────────────────────────────────────────
	s.run(ctx)

	// ── 5. Cleanup ────────────────────────────────────────────────────
	s.cleanup()
	cancelEngine()
	<-engineDone

	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

// NormalizeTarget trims the input and turns bare DOIs ("10.1000/xyz" or
// "doi:10.1000/xyz") into doi.org URLs. Empty input is an InputError.
func NormalizeTarget(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", models.NewResolveError(models.ErrCodeInvalidInput, "didn't get an input URL", nil)
	}
	if len(target) > 4 && strings.EqualFold(target[:4], "doi:") {
		target = strings.TrimSpace(target[4:])
	}
	if strings.HasPrefix(target, "10.") && strings.Contains(target, "/") {
		target = "https://doi.org/" + target
	}
	return target, nil
}
