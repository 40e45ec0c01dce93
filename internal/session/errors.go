package session

import "errors"

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotActive is returned when an operation needs a live process.
	ErrSessionNotActive = errors.New("session not active")
	// ErrActivationFailed wraps spawn failures. Retryable: the session
	// returns to created and a later EnsureActivated may succeed.
	ErrActivationFailed = errors.New("session activation failed")
	// ErrWrongMode is returned when a structured operation hits a raw
	// session or vice versa.
	ErrWrongMode = errors.New("operation not supported in this session mode")
)
