// Package memerr defines the error taxonomy shared by all memvault
// components. Activities translate vendor errors into these kinds before
// returning; the service layer maps kinds to public responses.
package memerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind classifies an error for retry and response mapping.
type Kind string

const (
	// KindValidation marks malformed input, size limits, or unsupported
	// models and formats. Never retried.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing document or version. Never retried.
	KindNotFound Kind = "not_found"
	// KindStorage marks catalog or blob-store failures. Retryable.
	KindStorage Kind = "storage"
	// KindUpstream marks embedding/LLM/key-manager failures that are not
	// rate limits. Retryable.
	KindUpstream Kind = "upstream"
	// KindRate marks an upstream rate limit. Retryable with backoff.
	KindRate Kind = "rate"
	// KindAuthentication marks failed authentication. Never retried.
	KindAuthentication Kind = "authentication"
	// KindAuthorization marks denied authorization. Never retried.
	KindAuthorization Kind = "authorization"
	// KindWorkflow marks an orchestration failure surfaced to the caller
	// after retries were exhausted.
	KindWorkflow Kind = "workflow"
)

// sensitiveKeySubstrings are scrubbed from error detail maps.
var sensitiveKeySubstrings = []string{"password", "token", "secret", "key", "credential"}

// Error is a tagged error carrying a kind, a correlation id, and a
// scrubbed structured context map.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Details       map[string]any
	Err           error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:          kind,
		Message:       message,
		CorrelationID: uuid.NewString(),
	}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap annotates err with a kind and message. A nil err yields nil.
// If err is already a memvault error its correlation id is preserved.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	e := &Error{
		Kind:          kind,
		Message:       message,
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
	var inner *Error
	if errors.As(err, &inner) {
		e.CorrelationID = inner.CorrelationID
	}
	return e
}

// WithDetail attaches a context value, scrubbing sensitive keys.
func (e *Error) WithDetail(key string, value any) *Error {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeySubstrings {
		if strings.Contains(lower, s) {
			return e
		}
	}
	if e.Details == nil {
		e.Details = make(map[string]any, 4)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so sentinel comparisons work across wraps.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Message == "" && t.Kind == e.Kind
	}
	return false
}

// KindOf returns the kind of err, or KindWorkflow for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindWorkflow
}

// CorrelationID returns the correlation id of err, or empty.
func CorrelationID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the error kind may be retried by the
// workflow engine. Validation, not-found, and auth failures are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindStorage, KindUpstream, KindRate:
		return true
	}
	return false
}
