package environment

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidArgument indicates that a caller-provided value violates a
	// precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotIdempotent is returned by ServiceCreator implementations when the
	// platform rejects a creation because a same-named service still exists.
	ErrNotIdempotent = errors.New("creation of service was not idempotent")

	// ErrUnhealthy is returned when a created environment never passes its
	// health check.
	ErrUnhealthy = errors.New("environment failed health check")

	// ErrImageNotFound is returned when the requested image tag is not present
	// in the registry.
	ErrImageNotFound = errors.New("image not found in registry")

	// ErrEndpointUnavailable is returned when no reachable address could be
	// resolved for a running environment.
	ErrEndpointUnavailable = errors.New("environment endpoint unavailable")
)

// ObservationError means the state of a service could not be determined. It
// is never treated as absence.
type ObservationError struct {
	Identity ServiceIdentity
	Op       string
	// Code is the platform error code when one was reported.
	Code string
	Err  error
}

func (e *ObservationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("observe %s: %s (%s): %v", e.Identity, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("observe %s: %s: %v", e.Identity, e.Op, e.Err)
}

func (e *ObservationError) Unwrap() error { return e.Err }

// DeletionTimeoutError is returned when a blocking service did not reach a
// non-blocking state within the wait timeout.
type DeletionTimeoutError struct {
	Identity  ServiceIdentity
	LastState ServiceState
	Elapsed   time.Duration
	Polls     int
}

func (e *DeletionTimeoutError) Error() string {
	return fmt.Sprintf("service %s still %s after %s (%d polls)", e.Identity, e.LastState, e.Elapsed, e.Polls)
}

// NonIdempotentCreationError is a creation rejected because a same-named
// service still occupies the name despite the pre-check.
type NonIdempotentCreationError struct {
	Identity ServiceIdentity
	Err      error
}

func (e *NonIdempotentCreationError) Error() string {
	return fmt.Sprintf("create %s: name still occupied: %v", e.Identity, e.Err)
}

func (e *NonIdempotentCreationError) Unwrap() error { return e.Err }

// GenericCreationError is any other creation failure.
type GenericCreationError struct {
	Identity ServiceIdentity
	Err      error
}

func (e *GenericCreationError) Error() string {
	return fmt.Sprintf("create %s: %v", e.Identity, e.Err)
}

func (e *GenericCreationError) Unwrap() error { return e.Err }

// Error kinds reported to callers that render failures.
const (
	KindObservation     = "observation"
	KindDeletionTimeout = "deletion_timeout"
	KindNotIdempotent   = "not_idempotent"
	KindCreation        = "creation"
	KindUnhealthy       = "unhealthy"
	KindInvalid         = "invalid"
	KindInternal        = "internal"
)

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	var (
		obsErr     *ObservationError
		timeoutErr *DeletionTimeoutError
		nonIdemErr *NonIdempotentCreationError
		createErr  *GenericCreationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &nonIdemErr):
		return KindNotIdempotent
	case errors.As(err, &timeoutErr):
		return KindDeletionTimeout
	case errors.As(err, &obsErr):
		return KindObservation
	case errors.As(err, &createErr):
		return KindCreation
	case errors.Is(err, ErrUnhealthy), errors.Is(err, ErrEndpointUnavailable):
		return KindUnhealthy
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrImageNotFound):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Retryable reports whether err indicates a condition that a later attempt of
// the whole flow may clear.
func Retryable(err error) bool {
	switch ErrorKind(err) {
	case KindDeletionTimeout, KindNotIdempotent, KindObservation:
		return true
	}
	return false
}
