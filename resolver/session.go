package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/use-agent/hoptrace/models"
)

// State is a session's position in the navigation state machine.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateNavigating
	StateWaitingSettle
	StateFinalized
	StateAborted
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateOpening:       "opening",
	StateNavigating:    "navigating",
	StateWaitingSettle: "waiting_settle",
	StateFinalized:     "finalized",
	StateAborted:       "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateAborted
}

// session is the context of one Navigate call. All fields below events/done
// are owned by the goroutine running run; engine callbacks and timer
// expiries reach them only through dispatch.
type session struct {
	opts  Options
	sched Scheduler
	log   *slog.Logger

	events chan func()
	done   chan struct{}

	state      State
	loaded     bool
	path       []string
	statuses   *StatusTracker
	filter     *ResourceFilter
	aborted    map[string]struct{}
	supervisor *TimeoutSupervisor
	master     Timer

	outcome *NavigationOutcome
	err     error
}

func newSession(opts Options, sched Scheduler, log *slog.Logger) *session {
	s := &session{
		opts:     opts,
		sched:    sched,
		log:      log,
		events:   make(chan func()),
		done:     make(chan struct{}),
		state:    StateIdle,
		statuses: NewStatusTracker(),
		filter:   NewResourceFilter(opts.BlockedExtensions),
		aborted:  make(map[string]struct{}),
	}
	s.supervisor = NewTimeoutSupervisor(sched, func(gen uint64) {
		s.dispatch(func() { s.onTimeout(gen) })
	})
	return s
}

// dispatch runs fn on the session loop and waits for it to finish.
// Once the session is terminal it returns without running fn.
func (s *session) dispatch(fn func()) {
	handled := make(chan struct{})
	select {
	case s.events <- func() {
		defer close(handled)
		fn()
	}:
	case <-s.done:
		return
	}
	<-handled
}

// run processes events until the session reaches a terminal state.
func (s *session) run(ctx context.Context) {
	defer close(s.done)
	for !s.state.Terminal() {
		select {
		case ev := <-s.events:
			ev()
		case <-ctx.Done():
			s.abort(categorizeError(ctx.Err()))
		}
	}
}

// cleanup releases both timers. Called after run has returned.
func (s *session) cleanup() {
	s.supervisor.Stop()
	if s.master != nil {
		s.master.Stop()
	}
}

// --- Handler ---

func (s *session) NavigationRequested(nav NavigationRequest) {
	s.dispatch(func() { s.onNavigation(nav) })
}

func (s *session) ResourceRequested(req ResourceRequest, ctl RequestController) {
	s.dispatch(func() { s.onResourceRequested(req, ctl) })
}

func (s *session) ResourceReceived(resp ResourceResponse) {
	s.dispatch(func() { s.onResourceReceived(resp) })
}

func (s *session) Loaded(ok bool) {
	s.dispatch(func() { s.onLoaded(ok) })
}

// --- transitions ---

// begin moves IDLE → OPENING and arms the master timer.
func (s *session) begin() {
	s.transition(StateOpening)
	s.master = s.sched.AfterFunc(s.opts.MasterTimeout, func() {
		s.dispatch(s.onMasterTimeout)
	})
}

// isHop reports whether nav extends the redirect path: it must happen in the
// top-level frame and lead somewhere other than the last recorded hop.
func isHop(nav NavigationRequest, last string) bool {
	return nav.TopFrame && nav.URL != last
}

func (s *session) onNavigation(nav NavigationRequest) {
	if s.state.Terminal() {
		return
	}
	if !isHop(nav, s.lastURL()) {
		s.log.Debug("navigation ignored",
			"url", nav.URL, "type", nav.Type, "topFrame", nav.TopFrame)
		return
	}
	delete(s.aborted, nav.URL)
	s.path = append(s.path, nav.URL)
	s.log.Debug("hop recorded", "url", nav.URL, "type", nav.Type, "hop", len(s.path))
	s.transition(StateNavigating)
	s.supervisor.Reset(s.opts.HopTimeout)
}

func (s *session) onLoaded(ok bool) {
	if s.state.Terminal() || s.loaded {
		return
	}
	s.loaded = true
	if !ok {
		s.log.Warn("initial load failed, settling on recorded path", "hops", len(s.path))
	}
	s.transition(StateWaitingSettle)
	s.supervisor.Reset(s.opts.SettleTimeout)
}

func (s *session) onResourceRequested(req ResourceRequest, ctl RequestController) {
	if !s.filter.Blocks(req) {
		// A later allowed fetch of an aborted URL gets its status recorded.
		delete(s.aborted, req.URL)
		return
	}
	s.aborted[req.URL] = struct{}{}
	ctl.Abort()
	s.log.Debug("resource blocked", "url", req.URL)
}

func (s *session) onResourceReceived(resp ResourceResponse) {
	if s.state.Terminal() || resp.Stage != StageEnd {
		return
	}
	if _, blocked := s.aborted[resp.URL]; blocked {
		return
	}
	s.statuses.Record(resp.URL, resp.Status)
}

func (s *session) onTimeout(gen uint64) {
	if !s.supervisor.Current(gen) {
		return
	}
	s.finalize(s.lastURL())
}

// finalize freezes the outcome. Only the first call has any effect.
func (s *session) finalize(last string) {
	if s.state.Terminal() {
		return
	}
	s.supervisor.Stop()
	s.outcome = newOutcome(s.path, s.statuses.Snapshot(), s.opts.FallbackStatus)
	s.transition(StateFinalized)
	s.log.Info("navigation settled", "final", last, "hops", len(s.path))
}

func (s *session) onMasterTimeout() {
	s.abort(models.NewResolveError(
		models.ErrCodeMasterTimeout,
		fmt.Sprintf("navigation did not settle within %s", s.opts.MasterTimeout),
		nil,
	))
}

func (s *session) abort(err error) {
	if s.state.Terminal() {
		return
	}
	s.supervisor.Stop()
	s.err = err
	s.transition(StateAborted)
	s.log.Warn("navigation aborted", "hops", len(s.path), "error", err)
}

func (s *session) transition(to State) {
	if s.state == to {
		return
	}
	s.log.Debug("state transition", "from", s.state, "to", to)
	s.state = to
}

func (s *session) lastURL() string {
	if len(s.path) == 0 {
		return ""
	}
	return s.path[len(s.path)-1]
}

// categorizeError wraps context errors into typed ResolveErrors.
func categorizeError(err error) *models.ResolveError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewResolveError(models.ErrCodeCanceled, "resolve deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return models.NewResolveError(models.ErrCodeCanceled, "resolve canceled", err)
	default:
		return models.NewResolveError(models.ErrCodeInternal, "resolve failed", err)
	}
}
