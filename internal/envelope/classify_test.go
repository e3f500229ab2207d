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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/orchestrator/internal/domain"
)

func TestClassify_Succeeded(t *testing.T) {
	c := classify(domain.EnvelopeSucceeded, "", 0, classifierHints{})
	require.Equal(t, domain.FailureNone, c.class)
}

func TestClassify_RateLimitIsRetryableWithBackoff(t *testing.T) {
	c := classify(domain.EnvelopeFailed, "received 429 rate limit exceeded", 1, classifierHints{})
	require.Equal(t, domain.FailureRateLimitExceeded, c.class)
	require.True(t, c.isRetryable)
	require.Equal(t, 30, c.backoffSec)
}

func TestClassify_TimeoutIsRetryable(t *testing.T) {
	c := classify(domain.EnvelopeFailed, "context deadline exceeded: timed out waiting for adapter", 1, classifierHints{})
	require.Equal(t, domain.FailureTimeout, c.class)
	require.True(t, c.isRetryable)
}

func TestClassify_UnknownWhenNoErrorMessage(t *testing.T) {
	c := classify(domain.EnvelopeFailed, "", 0, classifierHints{})
	require.Equal(t, domain.FailureUnknown, c.class)
}

func TestClassify_NonZeroExitWithOpaqueMessageIsInternalError(t *testing.T) {
	c := classify(domain.EnvelopeFailed, "adapter exited unexpectedly", 1, classifierHints{})
	require.Equal(t, domain.FailureInternalError, c.class)
	require.False(t, c.isRetryable)
}

func TestClassify_NetworkFailureIsRetryable(t *testing.T) {
	c := classify(domain.EnvelopeFailed, "dial tcp: connection refused", 1, classifierHints{})
	require.Equal(t, domain.FailureNetworkError, c.class)
	require.True(t, c.isRetryable)
}
