package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an error for retry and state-machine decisions.
type Kind string

const (
	// KindAuth means a token is invalid or expired. The mailbox moves to
	// the Error state and is not retried automatically.
	KindAuth Kind = "AUTH"
	// KindTransient covers network timeouts, provider 5xx and rate limits.
	// Retried with backoff at the job-queue level.
	KindTransient Kind = "TRANSIENT"
	// KindParse marks a single malformed message. Recorded per item, never
	// aborts a page or a job.
	KindParse Kind = "PARSE"
	// KindPersistence means the store is unavailable. The job fails and
	// retries per queue policy.
	KindPersistence Kind = "PERSISTENCE"
)

// Error is a classified application error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: [%s] %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: [%s]", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Auth wraps err as an authentication failure.
func Auth(op string, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Transient wraps err as a retryable provider/network failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Parse wraps err as a single-message parse failure.
func Parse(op string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

// Persistence wraps err as a store failure.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsRetryable reports whether a queue worker should retry after err.
// Auth errors are terminal for the mailbox; parse errors never reach the
// queue as job failures; everything network-ish or unclassified-but-transient
// gets retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindAuth, KindParse:
		return false
	case KindTransient, KindPersistence:
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unique-constraint conflicts are the dedup invariant doing its job.
	if strings.Contains(err.Error(), "UNIQUE constraint") {
		return false
	}
	return false
}

// HTTPStatusKind maps a provider HTTP status code to an error kind.
// 401/403 are auth failures; 429 and 5xx are transient; anything else is
// left unclassified.
func HTTPStatusKind(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429 || status >= 500:
		return KindTransient
	default:
		return ""
	}
}
