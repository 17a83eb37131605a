package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTemporary         = errors.New("temporary failure")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrDisallowedQuery   = errors.New("disallowed structured query")

	// ErrInitializing is returned while the process cache is still warming up.
	// It is a temporary failure: callers should retry shortly.
	ErrInitializing = fmt.Errorf("pipeline is initializing: %w", ErrTemporary)
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
