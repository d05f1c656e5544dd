package crag

import (
	"errors"
	"fmt"
)

// MalformedInputError means the caller-supplied query or sources violate
// the input constraints. It is the only error surfaced to callers as a hard
// failure; everything else is absorbed into the result.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input: %s", e.Reason)
}

// CollaboratorUnavailableError wraps a failed or timed-out retrieval or
// generation call. Corrections that hit it are marked failed rather than
// aborting the run.
type CollaboratorUnavailableError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("collaborator %s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailableError) Unwrap() error {
	return e.Err
}

// ErrNoApplicableStrategy is returned by the correction engine when every
// strategy suggested by the assessment has already failed this run.
var ErrNoApplicableStrategy = errors.New("no applicable correction strategy")

// IsMalformedInput reports whether err is a hard input-validation failure.
func IsMalformedInput(err error) bool {
	var mie *MalformedInputError
	return errors.As(err, &mie)
}
