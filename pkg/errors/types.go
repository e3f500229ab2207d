// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors supplies the typed error values and wrap/unwrap
// helpers used across the orchestrator: gateway.Server's RPC
// dispatch rejects malformed DispatchJob params with a ValidationError
// rather than an ad hoc string, and Wrap/Wrapf are the convention every
// package reaches for when annotating a driver error (docker, git,
// sqlite) with the operation that failed.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents a malformed RPC parameter or run request
// field. gateway.Server's handleDispatchJob returns one when RunID is
// blank, folded into DispatchJobResult.Reason for the caller.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error — a run id the
// ledger has no record of, a workspace path that was already cleaned
// up. ledger.ErrNotFound is a plain sentinel rather than one of these
// today since GetSnapshot's only caller needs errors.Is, not a
// resource/ID pair; this type is for call sites that need to report
// which resource and ID were missing.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "workspace")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents a failure from the external system a
// harness adapter shells out to (a subprocess CLI, the docker daemon,
// the sandbox image registry) rather than an error the orchestrator
// itself produced. Unused today: every harness adapter surfaces its
// own failures as a flat envelope.Error string or a
// harness.CancellationError, since the adapters the worker currently
// ships (command, subprocess, container) have no notion of a
// provider-specific status/request-id pair to preserve — this stays
// available for an adapter that does (an HTTP-backed harness runtime).
type ProviderError struct {
	// Provider is the name of the harness adapter (e.g., "container", "subprocess")
	Provider string

	// Code is the provider-specific error code
	Code int

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.Code > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ConfigError represents a problem with one of config.Config's
// environment-variable settings. Unused today: FromEnv falls back to
// a fixed default for every malformed or missing value (see envInt,
// envDuration, envFloat) rather than failing startup, so there is
// currently no call site that needs to report which key was bad — this
// stays available for the day a setting (e.g. SandboxImage) needs to
// fail closed instead of silently defaulting.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "GATEWAY_ADDR")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents an operation timeout with its own duration
// and cause, for callers that need more than
// harness.CancellationError's boolean Cause-is-DeadlineExceeded check
// (which only distinguishes "the run's own budget" from "an explicit
// Cancel", not which sub-operation inside the run actually blocked).
type TimeoutError struct {
	// Operation describes what timed out (e.g., "docker container start", "git push")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
