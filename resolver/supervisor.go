package resolver

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the
	// call stopped the timer.
	Stop() bool
}

// Scheduler creates delayed callbacks. Callbacks run on their own
// goroutine and must hand work to the session loop themselves.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules on the wall clock via time.AfterFunc.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// TimeoutSupervisor owns the session's single resettable timer.
//
// Each Reset bumps a generation counter and cancels the previous timer. A
// callback that was already running when Reset happened carries a stale
// generation, so Current lets the session discard it.
type TimeoutSupervisor struct {
	sched    Scheduler
	onExpire func(gen uint64)

	timer Timer
	gen   uint64
	delay time.Duration
}

// NewTimeoutSupervisor returns a supervisor that calls onExpire with the
// generation of the timer that fired.
func NewTimeoutSupervisor(sched Scheduler, onExpire func(gen uint64)) *TimeoutSupervisor {
	return &TimeoutSupervisor{sched: sched, onExpire: onExpire}
}

// Reset cancels any pending timer and schedules a new one after delay.
func (ts *TimeoutSupervisor) Reset(delay time.Duration) {
	ts.Stop()
	ts.gen++
	ts.delay = delay
	gen := ts.gen
	ts.timer = ts.sched.AfterFunc(delay, func() { ts.onExpire(gen) })
}

// Stop cancels the pending timer, if any.
func (ts *TimeoutSupervisor) Stop() {
	if ts.timer != nil {
		ts.timer.Stop()
		ts.timer = nil
	}
}

// Current reports whether gen belongs to the live timer.
func (ts *TimeoutSupervisor) Current(gen uint64) bool {
	return ts.timer != nil && gen == ts.gen
}

// Delay returns the delay of the most recent Reset.
func (ts *TimeoutSupervisor) Delay() time.Duration {
	return ts.delay
}
