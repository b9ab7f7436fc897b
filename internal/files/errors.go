package files

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAccessDenied = errors.New("access denied")
)

// ArgumentError marks a request the caller can correct.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string { return e.Reason }

func argumentErrorf(format string, args ...any) error {
	return &ArgumentError{Reason: fmt.Sprintf(format, args...)}
}
