package vectorstore

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a malformed call: empty id, k <= 0, a zero or
	// non-finite vector, or a malformed filter.
	ErrInvalidArgument = errors.New("vectorstore: invalid argument")
	// ErrDimensionMismatch is matched by every *DimensionError.
	ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")
	// ErrModelVersionMismatch reports vectors produced by a different embedding model.
	ErrModelVersionMismatch = errors.New("vectorstore: model version mismatch")
	ErrNotFound             = errors.New("vectorstore: not found")
	ErrClosed               = errors.New("vectorstore: closed")
)

// DimensionError carries the expected and actual vector lengths.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
