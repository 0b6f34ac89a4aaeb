// Package domain defines cross-cutting types and the error taxonomy shared
// by the engine services and the HTTP gateway.
package domain

import "errors"

// Sentinel errors returned by the engine services. Handlers map these to
// HTTP status codes with errors.Is; wrapping with fmt.Errorf("...: %w", ...)
// preserves the classification.
var (
	// ErrNotFound indicates an unknown sandbox, task, or snapshot id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a lifecycle edge outside the allowed
	// transition table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConflict indicates the resource is not in a state that accepts the
	// operation, most commonly a task already in flight on the sandbox.
	ErrConflict = errors.New("conflict")

	// ErrTimeout indicates a bounded synchronous wait hit its ceiling.
	// The underlying task keeps running; this is not a task failure.
	ErrTimeout = errors.New("timed out waiting")

	// ErrValidation indicates malformed input (name, tags, timeout bounds).
	ErrValidation = errors.New("validation failed")

	// ErrUpstream wraps a collaborator failure (container runtime or
	// inference backend). Never retried silently by the engine.
	ErrUpstream = errors.New("upstream collaborator failed")
)
