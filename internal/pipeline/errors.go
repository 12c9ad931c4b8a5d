package pipeline

import (
	"errors"
	"fmt"
)

// JobError is a pipeline failure attributed to a stage. Its message is
// what gets posted back to the catalog and shown to the user, so it
// must never carry credentials.
type JobError struct {
	Stage   string
	Message string
	Cause   error
}

func (e *JobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *JobError) Unwrap() error { return e.Cause }

// IsJobError extracts a JobError from an error chain.
func IsJobError(err error) (*JobError, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}
