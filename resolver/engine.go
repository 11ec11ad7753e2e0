package resolver

import "context"

// Engine loads a URL, runs whatever the page does, and reports what happens
// to a Handler. Implementations live in package engine.
type Engine interface {
	// Name returns the engine identifier (e.g. "rod", "http").
	Name() string

	// Open starts loading url and delivers events to h until ctx is done.
	// It blocks for the lifetime of the session and returns an error only
	// when the load could not be started at all. Load failures are
	// reported through h.Loaded(false).
	Open(ctx context.Context, url string, h Handler) error
}

// Handler receives engine events. Every method blocks until the event has
// been processed, so an engine never observes two events in flight.
type Handler interface {
	NavigationRequested(nav NavigationRequest)
	ResourceRequested(req ResourceRequest, ctl RequestController)
	ResourceReceived(resp ResourceResponse)
	Loaded(ok bool)
}

// NavigationType describes what initiated a navigation.
type NavigationType string

const (
	NavigationOther    NavigationType = "other"
	NavigationRedirect NavigationType = "redirect"
	NavigationScript   NavigationType = "script"
	NavigationParser   NavigationType = "parser"
)

// NavigationRequest is a document navigation observed by the engine.
type NavigationRequest struct {
	URL          string
	Type         NavigationType
	WillNavigate bool
	TopFrame     bool
}

// ResourceRequest is an outgoing request the engine lets the handler vet.
type ResourceRequest struct {
	URL string

	// Document is set for navigation requests, which are never filtered.
	Document bool
}

// RequestController lets a handler cancel a pending request. Requests that
// are not aborted continue once the handler returns.
type RequestController interface {
	Abort()
}

// Stage is the lifecycle point of a resource response.
type Stage string

const (
	StageStart Stage = "start"
	StageEnd   Stage = "end"
)

// ResourceResponse reports a response observed by the engine.
type ResourceResponse struct {
	URL    string
	Status int
	Stage  Stage
}
