package cadence

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned (possibly wrapped) whenever a referenced item,
// snapshot or connection does not exist. Store implementations must return it
// from their lookup operations so callers can branch with [errors.Is].
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// InvalidContextError reports that an item passed where a time context was
// required is not of a time-context type.
type InvalidContextError struct {
	ID   uuid.UUID
	Type string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("item %v of type %q is not a time context", e.ID, e.Type)
}

// ParseError reports an unusable import row. Row numbering is 1-based and
// refers to the caller's input order.
type ParseError struct {
	Row    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

// ValidationError reports a request that is well-formed but violates the
// engine's rules, e.g. an unknown item type or an illegal conflict status
// transition.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }
