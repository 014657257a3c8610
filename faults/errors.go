// Package faults defines the stable condition codes carried by errors
// that cross component boundaries, and the translation of those codes to
// HTTP responses. Codes are part of the client contract: a caller may
// branch on them (re-auth vs retry vs do-not-retry), so they never change
// meaning.
package faults

import (
	"context"
	"errors"
	"fmt"
)

const (
	CodeInvalidInput      = "invalid_input"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeUnavailable       = "unavailable"
	CodeCancelled         = "cancelled"
	CodeRetrievalDegraded = "retrieval_degraded"
	CodeGenerationFailed  = "generation_failed"
	CodeIngestionPartial  = "ingestion_partial"
	CodeCrawlStuck        = "crawl_stuck"
	CodeInternal          = "internal"
)

// Error is a coded error. Message is safe to show to callers; Err holds
// the internal cause and never leaves the process.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and safe message to an internal cause.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the condition code from an error chain. Context
// cancellation maps to CodeCancelled regardless of wrapping; anything
// uncoded is CodeInternal. A nil error has no code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// UserMessage returns text safe to put in a response body. Coded messages
// pass through; internal errors collapse to a generic line so stack
// details never leak.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch CodeOf(err) {
	case CodeCancelled:
		return "request cancelled"
	case CodeInternal:
		return "something went wrong, please try again"
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "something went wrong, please try again"
}

// IsCode reports whether the chain carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
