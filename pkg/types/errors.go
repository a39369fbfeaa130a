package types

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrConstraintConflict signals a uniqueness conflict on an idempotency
	// key. Callers count it as a no-op, never as a failure.
	ErrConstraintConflict = errors.New("constraint conflict")

	ErrUnsupportedType = errors.New("unsupported type")
	ErrFileTooLarge    = errors.New("file exceeds size limit")
)

// TransientSourceError is a retryable source failure (network, rate limit, 5xx)
type TransientSourceError struct {
	Table string
	Err   error
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("transient source error on %s: %v", e.Table, e.Err)
}

func (e *TransientSourceError) Unwrap() error { return e.Err }

// PermanentSourceError stops a single table (auth failure, schema mismatch)
type PermanentSourceError struct {
	Table  string
	Reason string
	Err    error
}

func (e *PermanentSourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent source error on %s: %s: %v", e.Table, e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent source error on %s: %s", e.Table, e.Reason)
}

func (e *PermanentSourceError) Unwrap() error { return e.Err }

// ExtractionError is a per-file failure captured on the file record
type ExtractionError struct {
	FileID int64
	Path   string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Path, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// DimensionMismatchError is fatal: the embedding model does not match the
// configured vector dimension.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var t *TransientSourceError
	return errors.As(err, &t)
}

// IsFatal reports whether err must abort the whole run
func IsFatal(err error) bool {
	var d *DimensionMismatchError
	return errors.As(err, &d)
}
