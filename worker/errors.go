package worker

import (
	"errors"
	"fmt"
)

// ErrWorkerFailed is the umbrella error for every protocol-layer fault: the
// worker can no longer be trusted and must be torn down. The more specific
// errors below all wrap it, so callers that only need to know whether the
// infrastructure broke can test for ErrWorkerFailed alone.
var ErrWorkerFailed = errors.New("worker failed")

var (
	ErrSendTimeout   = fmt.Errorf("%w: timeout sending data to worker", ErrWorkerFailed)
	ErrSendFailure   = fmt.Errorf("%w: failed to send data to worker", ErrWorkerFailed)
	ErrRecvTimeout   = fmt.Errorf("%w: timeout receiving data from worker", ErrWorkerFailed)
	ErrWorkerEnded   = fmt.Errorf("%w: worker ended unexpectedly while receiving data", ErrWorkerFailed)
	ErrInvalidRecord = fmt.Errorf("%w: worker sent an invalid record", ErrWorkerFailed)
	ErrBadAck        = fmt.Errorf("%w: incorrect acknowledgement", ErrWorkerFailed)
)

// RunError reports that the worker's job failed through valid protocol: the
// completion report carried a non-ok status. It is deliberately distinct from
// ErrWorkerFailed so callers can tell a broken job from broken supervision
// and decide whether a retry on a fresh worker makes sense.
type RunError struct {
	// Status is the completion report's status value.
	Status string
	// Message is the worker's diagnostic text, preserved verbatim.
	Message string
}

func (e *RunError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("run failed with status %q", e.Status)
	}
	return fmt.Sprintf("run failed with status %q: %s", e.Status, e.Message)
}
