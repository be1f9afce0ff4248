// Package apperr defines the typed error taxonomy shared across the
// ingestion and retrieval pipeline. Each type carries a Code() an external
// transport layer can map to a status; callers use errors.As to recover the
// concrete type and errors.Is against the package sentinels.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against the well-known conditions.
var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrJobCancelled       = errors.New("job cancelled")
	ErrLLMEmptyOutput     = errors.New("llm returned empty output")
	ErrDataConsistency    = errors.New("data consistency violation")
)

// ValidationError indicates caller-supplied input failed a precondition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() string { return "validation_error" }

// NotFound indicates a requested entity does not exist.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFound) Code() string { return "not_found" }

func (e *NotFound) Unwrap() error { return ErrNotFound }

// Forbidden indicates the caller is not the owner of the requested entity.
type Forbidden struct {
	Kind string
	ID   string
}

func (e *Forbidden) Error() string {
	return fmt.Sprintf("access to %s %q forbidden", e.Kind, e.ID)
}

func (e *Forbidden) Code() string { return "forbidden" }

func (e *Forbidden) Unwrap() error { return ErrForbidden }

// TransientExternalError wraps a failure from an external dependency
// (database, object store, LLM provider, queue) that is safe to retry.
type TransientExternalError struct {
	Dependency string
	Err        error
}

func (e *TransientExternalError) Error() string {
	return fmt.Sprintf("transient error from %s: %v", e.Dependency, e.Err)
}

func (e *TransientExternalError) Code() string { return "transient_external_error" }

func (e *TransientExternalError) Unwrap() error { return e.Err }

// DataConsistencyError indicates an invariant the pipeline relies on was
// violated (e.g. a chunk referencing a document that no longer exists).
type DataConsistencyError struct {
	Detail string
}

func (e *DataConsistencyError) Error() string {
	return fmt.Sprintf("data consistency: %s", e.Detail)
}

func (e *DataConsistencyError) Code() string { return "data_consistency_error" }

func (e *DataConsistencyError) Unwrap() error { return ErrDataConsistency }

// JobCancelled indicates an ingestion job was cancelled before completion.
type JobCancelled struct {
	JobID string
}

func (e *JobCancelled) Error() string {
	return fmt.Sprintf("job %q cancelled", e.JobID)
}

func (e *JobCancelled) Code() string { return "job_cancelled" }

func (e *JobCancelled) Unwrap() error { return ErrJobCancelled }

// LLMEmptyOutput indicates a generation call returned no usable text after
// filtering (e.g. only thinking-tag content, or an empty stream).
type LLMEmptyOutput struct {
	Provider string
}

func (e *LLMEmptyOutput) Error() string {
	return fmt.Sprintf("llm provider %s returned empty output", e.Provider)
}

func (e *LLMEmptyOutput) Code() string { return "llm_empty_output" }

func (e *LLMEmptyOutput) Unwrap() error { return ErrLLMEmptyOutput }

// IsTransient reports whether err is, or wraps, a TransientExternalError.
func IsTransient(err error) bool {
	var t *TransientExternalError
	return errors.As(err, &t)
}
