// Package errx is jobrunner's error toolkit.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// marks) and defines the error kinds callers of the orchestrator branch on:
//
//	if errx.Is(err, errx.ErrConflict) {
//	    // job already running, or schedule locked
//	}
//
// Kinds are attached with errors.Mark, so they survive Wrap/Wrapf and can be
// combined with any underlying cause.
package errx

import (
	"fmt"
	"strings"

	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	WithHint     = crdb.WithHint
	Mark         = crdb.Mark
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Join         = crdb.Join
	UnwrapAll    = crdb.UnwrapAll
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

// Error kinds.
var (
	// ErrValidation: malformed input such as a bad cron expression.
	ErrValidation = New("validation error")
	// ErrNotFound: an operation referenced an unknown job.
	ErrNotFound = New("not found")
	// ErrConflict: the job is already running, or its schedule is locked.
	ErrConflict = New("conflict")
	// ErrHandlerExecution: the job body returned an error or panicked.
	ErrHandlerExecution = New("handler execution failed")
	// ErrDiscovery: a single handler registration was rejected.
	ErrDiscovery = New("job discovery failed")
)

func Validationf(format string, args ...any) error {
	return Mark(Newf(format, args...), ErrValidation)
}

func NotFoundf(format string, args ...any) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

func Conflictf(format string, args ...any) error {
	return Mark(Newf(format, args...), ErrConflict)
}

func Discoveryf(format string, args ...any) error {
	return Mark(Newf(format, args...), ErrDiscovery)
}

// Discovery marks an existing cause as a discovery failure for job name.
func Discovery(cause error, name string) error {
	if cause == nil {
		return nil
	}
	return Mark(Wrapf(cause, "register %q", name), ErrDiscovery)
}

// HandlerFailure marks err as raised by a job body.
func HandlerFailure(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrHandlerExecution)
}

// Kind returns a short machine-readable name for the error kind, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrValidation):
		return "validation"
	case Is(err, ErrNotFound):
		return "not_found"
	case Is(err, ErrConflict):
		return "conflict"
	case Is(err, ErrHandlerExecution):
		return "handler_execution"
	case Is(err, ErrDiscovery):
		return "discovery"
	default:
		return "internal"
	}
}

// StackTrace renders the verbose form of err, which for errors built with this
// package includes the creation stack. It returns "" when err carries no more
// detail than its message.
func StackTrace(err error) string {
	if err == nil {
		return ""
	}
	verbose := strings.TrimSpace(fmt.Sprintf("%+v", err))
	if verbose == strings.TrimSpace(err.Error()) {
		return ""
	}
	return verbose
}
