// Package domain provides the dispatcher's entities, error taxonomy & event types.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJob is a caller error: missing kind or payload, bad priority, duplicate id
	ErrInvalidJob = errors.New("invalid job")
	// ErrInvalidState is a caller error: the requested transition is not allowed
	ErrInvalidState = errors.New("invalid job state")
	ErrNotFound     = errors.New("not found")
	// ErrInvalidSettings rejects an operator change to runtime settings
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrNoHealthyWorkers and ErrNoCapacity are transient resource exhaustion signals
	ErrNoHealthyWorkers = errors.New("no healthy workers available")
	ErrNoCapacity       = errors.New("no cloud capacity available")

	ErrBackendUnavailable = errors.New("backend not configured")
)

// BackendExecutionError means the backend accepted the job and reported a computation failure
type BackendExecutionError struct {
	Backend BackendKind
	Message string
}

func (e *BackendExecutionError) Error() string {
	return fmt.Sprintf("%s execution failed: %s", e.Backend, e.Message)
}

// ProviderControlError wraps a failed call to the cloud provider's control API
type ProviderControlError struct {
	Op  string
	Err error
}

func (e *ProviderControlError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderControlError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every candidate of a failover walk failed.
// Its message is the last underlying error so it can be surfaced as the failure reason.
type ExhaustedError struct {
	Failures []AttemptFailure
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return e.Last.Error()
	}
	if n := len(e.Failures); n > 0 {
		return e.Failures[n-1].Error
	}
	return ErrNoHealthyWorkers.Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
