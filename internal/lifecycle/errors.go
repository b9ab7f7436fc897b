package lifecycle

import (
	"errors"
	"fmt"

	"github.com/datahaven-io/datahaven/dao/model"
)

var (
	// ErrProjectBusy means another status change holds the project latch.
	ErrProjectBusy = errors.New("project is busy with another status change")

	// ErrProjectNotFound covers lookups by unknown public id.
	ErrProjectNotFound = errors.New("project not found")

	// ErrAccessDenied is returned before any state is touched.
	ErrAccessDenied = errors.New("access denied")
)

// TransitionError reports a (current, requested) pair outside the legal
// transition table. It is an argument error: the request was well-formed but
// asks for something the lifecycle forbids.
type TransitionError struct {
	From model.ProjectState
	To   model.ProjectState
}

func (e *TransitionError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("project is already %s", e.From)
	}
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// ArgumentError reports an invalid request field with a caller-readable
// reason. Never retried.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string { return e.Reason }

func argumentErrorf(format string, args ...any) error {
	return &ArgumentError{Reason: fmt.Sprintf(format, args...)}
}
