package engine

import (
	"fmt"
	"runtime/debug"

	"jobrunner/pkg/errx"
)

var (
	ErrStopped = errx.New("engine stopped")
	// ErrDisabled drops a scheduled fire that raced with a disable.
	ErrDisabled = errx.New("job disabled")
)

func alreadyRunning(name string) error {
	return errx.Conflictf("job %q already running", name)
}

func missingHandler(ref string) error {
	return errx.Newf("no handler registered for %q", ref)
}

// panicError is a recovered handler panic. It keeps the goroutine stack
// captured at recover time.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func recovered(v any) *panicError {
	return &panicError{value: v, stack: debug.Stack()}
}

// stackOf returns the trace stored on a failed RunRecord.
func stackOf(err error) string {
	var pe *panicError
	if errx.As(err, &pe) {
		return string(pe.stack)
	}
	return errx.StackTrace(err)
}
