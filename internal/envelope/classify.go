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

package envelope

import (
	"strings"

	"github.com/tombee/orchestrator/internal/domain"
)

// classification is the result of mapping (status, error, exit code) to
// the §7 failure taxonomy.
type classification struct {
	class             domain.FailureClass
	isRetryable       bool
	backoffSec        int
	remediationHints  []string
}

// classifierHints carries the structured classification a runErr
// optionally stamped onto the envelope's metadata (see worker/
// pipeline.go's stampFailureHint) before it was flattened to a string.
type classifierHints struct {
	errorType  string
	retryable  bool
	hasHints   bool
}

// classify implements §4.6 step 3 / §7's taxonomy: adapter-driven
// classification of a failed envelope. It prefers structured
// error-type hints where the adapter supplied one, and falls back to
// message-pattern matching since adapter errors are opaque by
// contract.
func classify(status domain.EnvelopeStatus, errMsg string, exitCode int, hints classifierHints) classification {
	if status == domain.EnvelopeSucceeded {
		return classification{class: domain.FailureNone}
	}

	if hints.hasHints {
		switch hints.errorType {
		case "timeout":
			c := classification{class: domain.FailureTimeout, isRetryable: hints.retryable}
			if hints.retryable {
				c.backoffSec = 5
			}
			return c
		}
	}

	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "cancel") || strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return classification{class: domain.FailureTimeout, isRetryable: true, backoffSec: 5}
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "authentication") || strings.Contains(lower, "401"):
		return classification{class: domain.FailureAuthentication, isRetryable: false,
			remediationHints: []string{"verify credentials are present and not expired"}}
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return classification{class: domain.FailureRateLimitExceeded, isRetryable: true, backoffSec: 30,
			remediationHints: []string{"retry after the advertised backoff window"}}
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return classification{class: domain.FailurePermissionDenied, isRetryable: false}
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404"):
		return classification{class: domain.FailureNotFound, isRetryable: false}
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom") || strings.Contains(lower, "resource exhausted"):
		return classification{class: domain.FailureResourceExhausted, isRetryable: true, backoffSec: 10}
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "validation"):
		return classification{class: domain.FailureInvalidInput, isRetryable: false}
	case strings.Contains(lower, "config"):
		return classification{class: domain.FailureConfigurationError, isRetryable: false}
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") || strings.Contains(lower, "dial"):
		return classification{class: domain.FailureNetworkError, isRetryable: true, backoffSec: 5}
	case exitCode > 0:
		return classification{class: domain.FailureInternalError, isRetryable: false}
	case errMsg == "":
		return classification{class: domain.FailureUnknown, isRetryable: false}
	default:
		return classification{class: domain.FailureInternalError, isRetryable: false}
	}
}
