package engine

import (
	"errors"
	"fmt"
)

// ErrVersionConflict signals two writers raced to append the same artifact
// version. Callers inside the engine retry; it should not escape to users.
var ErrVersionConflict = errors.New("artifact version conflict")

// PreconditionError reports an illegal governance transition, such as
// finalizing a decision that has no artifact. Never coerced; always
// surfaced with the reason.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

// ValidationError reports a malformed request payload.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}
