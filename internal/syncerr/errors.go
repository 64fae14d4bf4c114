// Package syncerr provides the typed error taxonomy shared by every sync
// component: a category (Kind), a human-readable message, an optional
// wrapped cause, and a retryability classification the engine's retry loop
// consults directly instead of string-matching error text.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a sync failure for retry and reporting purposes.
type Kind string

const (
	ConfigInvalid      Kind = "ConfigInvalid"
	SourceUnavailable  Kind = "SourceUnavailable"
	SourceReadError    Kind = "SourceReadError"
	SchemaUnknown      Kind = "SchemaUnknown"
	TypeUnmappable     Kind = "TypeUnmappable"
	AnalyticsWriteError Kind = "AnalyticsWriteError"
	AnalyticsDDLError  Kind = "AnalyticsDDLError"
	SchemaDrift        Kind = "SchemaDrift"
	StateCorrupt       Kind = "StateCorrupt"
	LockBusy           Kind = "LockBusy"
	Timeout            Kind = "Timeout"
	IterationCap       Kind = "IterationCap"
)

// retryable classifies each Kind per spec.md §7. Cancelled is deliberately
// absent: it is never represented as an error, only as a terminal Stopped
// event (see syncmodel.EventStopped).
var retryable = map[Kind]bool{
	SourceUnavailable:   true,
	SourceReadError:     true,
	AnalyticsWriteError: true,
}

// Error is the concrete error type every component in this module returns
// for a classified failure. It satisfies error and Unwrap so callers can
// use errors.Is/errors.As against the wrapped cause.
type Error struct {
	Kind      Kind
	Message   string
	Table     string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	var base string
	if e.Table != "" {
		base = fmt.Sprintf("%s[%s]: %s", e.Kind, e.Table, e.Message)
	} else {
		base = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable[kind]}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies an existing error under kind, preserving it as Cause.
// Returns nil if err is nil, matching the corpus's Wrap idiom.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err, Retryable: retryable[kind]}
}

// WithTable annotates the error with the table it occurred on, for
// inclusion in Failed events and log lines.
func (e *Error) WithTable(table string) *Error {
	e.Table = table
	return e
}

// IsRetryable reports whether a simple re-trigger is likely to succeed.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
