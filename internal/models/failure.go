package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureReason classifies why a model attempt failed.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonAuthError   = "auth_error"
	ReasonTimeout     = "timeout"
	ReasonServerError = "server_error"
	ReasonUnavailable = "model_unavailable"
	ReasonAbort       = "abort"
	ReasonInvalid     = "invalid_request"
	ReasonUnknown     = "unknown"
)

// ErrAborted indicates a user-initiated abort; it never triggers fallback.
var ErrAborted = errors.New("operation aborted")

// FailoverError wraps a model call failure with a classified reason so the
// resolver and the loop can decide whether fallback applies.
type FailoverError struct {
	Err      error
	Provider Provider
	Model    string
	Reason   string
	Status   int
}

func (e *FailoverError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, string(e.Provider))
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, " ")
}

func (e *FailoverError) Unwrap() error {
	return e.Err
}

// NewFailoverError creates a FailoverError with an explicit reason.
func NewFailoverError(err error, provider Provider, model, reason string) *FailoverError {
	return &FailoverError{Err: err, Provider: provider, Model: model, Reason: reason}
}

// WithStatus attaches the HTTP status from the upstream response.
func (e *FailoverError) WithStatus(status int) *FailoverError {
	e.Status = status
	return e
}

// Coerce wraps err as a FailoverError, classifying the reason from its
// content when it is not one already.
func Coerce(err error, provider Provider, model string) *FailoverError {
	if err == nil {
		return nil
	}
	var existing *FailoverError
	if errors.As(err, &existing) {
		if existing.Provider == "" {
			existing.Provider = provider
		}
		if existing.Model == "" {
			existing.Model = model
		}
		return existing
	}
	return &FailoverError{
		Err:      err,
		Provider: provider,
		Model:    model,
		Reason:   ClassifyReason(err),
	}
}

// IsAbort reports whether err represents a user abort, which must never be
// retried or failed over.
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return true
	}
	var fe *FailoverError
	if errors.As(err, &fe) {
		return fe.Reason == ReasonAbort
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "aborted") || strings.Contains(msg, "cancelled")
}

// ClassifyReason determines a failure reason from error content. Provider
// SDKs surface most conditions only as message text, so classification is
// substring based.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ReasonAbort
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "aborted") || strings.Contains(msg, "cancelled") {
		return ReasonAbort
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "etimedout") {
		return ReasonTimeout
	}
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return ReasonRateLimit
	}
	if strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") {
		return ReasonAuthError
	}
	if strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "connection refused") {
		return ReasonUnavailable
	}
	if strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") {
		return ReasonServerError
	}
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "bad request") {
		return ReasonInvalid
	}
	return ReasonUnknown
}

// ShouldFailover reports whether err justifies trying the cloud fallback.
func ShouldFailover(err error) bool {
	if err == nil || IsAbort(err) {
		return false
	}
	switch ClassifyReason(err) {
	case ReasonRateLimit, ReasonServerError, ReasonTimeout, ReasonAuthError, ReasonUnavailable:
		return true
	default:
		return false
	}
}
