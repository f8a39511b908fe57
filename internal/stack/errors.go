package stack

import (
	"errors"
	"fmt"
)

// ErrNoBackend is returned by Deploy when the composer was built without a
// backend.
var ErrNoBackend = errors.New("no provisioning backend configured")

// BackendError wraps a backend failure with the stage and the logical id of
// the resource being realised. The run stops at the first one.
type BackendError struct {
	Stage     string
	LogicalID string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.LogicalID, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
