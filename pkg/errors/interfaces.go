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

package errors

// UserVisibleError defines errors that should be surfaced through the
// gateway's DispatchJob/CancelJob responses with a user-friendly
// message and actionable suggestion, rather than a raw Go error
// string. No component constructs one of these today — run requests
// are rejected by plain string Reason fields — but it gives a future
// gitworkspace or container error surfaced through the gateway a home
// without inventing a second error-formatting convention later.
type UserVisibleError interface {
	error

	// IsUserVisible returns true if this error should be shown to users.
	// Internal errors or debugging details should return false.
	IsUserVisible() bool

	// UserMessage returns a user-friendly error message.
	// This should avoid technical jargon and implementation details.
	UserMessage() string

	// Suggestion returns actionable guidance for resolving the error.
	// Returns empty string if no suggestion is available.
	Suggestion() string
}

// ErrorClassifier lets a component's own error type supply the
// structured failure classification EnvelopeFinalizer prefers over
// message-pattern matching. harness.CancellationError implements it:
// its ErrorType/IsRetryable distinguish a run's own TimeoutSec budget
// expiring from a caller's explicit Cancel call, and worker.Worker
// forwards that classification onto the envelope's metadata before
// EnvelopeFinalizer ever looks at the flattened error string.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "timeout", "rate_limit", "provider".
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}
