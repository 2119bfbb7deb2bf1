// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierr is the shared typed-error vocabulary every component
// uses to report failures, replacing the Python original's mix of
// raised exceptions and ad hoc dict error bodies with one
// taxonomy: Validation, Admission, Trust, Transport,
// Executor, Fatal. internal/api translates a Kind to an HTTP status
// once, in one place, instead of each handler guessing a status code.
package apierr

import "fmt"

// Kind is one of the six error categories the agent's REST surface
// distinguishes. It is not a Go type per category — callers switch on
// Kind, not on a type assertion.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAdmission  Kind = "admission"
	KindTrust      Kind = "trust"
	KindTransport  Kind = "transport"
	KindExecutor   Kind = "executor"
	KindFatal      Kind = "fatal"
)

// Error is a taxonomy-tagged error carrying a stable machine-readable
// Code (e.g. "invite_token_invalid", "channel_down",
// "global_quota_exceeded") alongside a human message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Field identifies the offending field for Validation/Admission
	// errors that reference one, e.g. "spec.ports[0].port".
	Field string
	// Err, if set, is the underlying cause (for Executor/Transport
	// errors wrapping a Kubernetes or network failure).
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error around an underlying cause, for Executor and
// Transport failures that originate from a library call.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

// WithField returns a copy of e with Field set, for validation errors
// that pinpoint a request field.
func (e *Error) WithField(field string) *Error {
	clone := *e
	clone.Field = field
	return &clone
}
