package resolver

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Process exit statuses signalled by Emitter.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// Emitter writes a session's result to the process boundary: the path
// record to Stdout on success, a diagnostic line to Stderr on failure.
// Only the first call to Emit writes anything.
type Emitter struct {
	Stdout io.Writer
	Stderr io.Writer

	once sync.Once
	code int
}

// NewEmitter returns an Emitter writing to stdout and stderr.
func NewEmitter(stdout, stderr io.Writer) *Emitter {
	return &Emitter{Stdout: stdout, Stderr: stderr}
}

// Emit writes outcome, or err when it is non-nil, and returns the exit
// status. Repeated calls write nothing and return the first status.
func (e *Emitter) Emit(outcome *NavigationOutcome, err error) int {
	e.once.Do(func() {
		if err == nil && outcome == nil {
			err = fmt.Errorf("no outcome")
		}
		if err != nil {
			e.code = e.failure(err)
			return
		}
		e.code = e.success(outcome)
	})
	return e.code
}

func (e *Emitter) success(outcome *NavigationOutcome) int {
	data, err := json.Marshal(outcome)
	if err != nil {
		return e.failure(fmt.Errorf("encode result: %w", err))
	}
	if _, err := e.Stdout.Write(data); err != nil {
		return e.failure(fmt.Errorf("write result: %w", err))
	}
	return ExitOK
}

func (e *Emitter) failure(err error) int {
	fmt.Fprintf(e.Stderr, "ERROR: %v\n", err)
	return ExitFailure
}
