package client

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrNotFound is returned by GetScore when no cached score exists.
	ErrNotFound = errors.New("score not found")
)

// ErrorKind classifies a failed call. Retry decisions are made on the kind.
type ErrorKind string

const (
	// KindNetwork is a transport failure (connection refused, reset, DNS).
	KindNetwork ErrorKind = "network"

	// KindTimeout is a per-attempt deadline expiry.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled is an externally requested abort.
	KindCancelled ErrorKind = "cancelled"

	// KindServerTerminal is a deterministic server failure (500, 413).
	KindServerTerminal ErrorKind = "server_terminal"

	// KindServerTransient is a rate-limit or availability failure (429, 502-504)
	// that was still failing when attempts ran out.
	KindServerTransient ErrorKind = "server_transient"

	// KindRejected is any other non-2xx status.
	KindRejected ErrorKind = "rejected"

	// KindNotFound is a 404 from the cached-score lookup.
	KindNotFound ErrorKind = "not_found"

	// KindParse is a 2xx response whose body failed validation.
	KindParse ErrorKind = "parse"
)

// ServiceError is a scoring service failure with its classification.
type ServiceError struct {
	Kind       ErrorKind
	StatusCode int
	Endpoint   string
	Message    string
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("scoring %s error", e.Kind)
	if e.Endpoint != "" {
		msg += " on " + e.Endpoint
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or "" when err is not a
// scoring service error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return KindParse
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// IsCancelled reports whether err was caused by an external abort.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// shouldRetry determines if a failed attempt may be retried based on its kind.
func shouldRetry(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindServerTransient:
		return true
	default:
		// terminal, rejected, not found, parse and cancellation reproduce on retry
		return false
	}
}
