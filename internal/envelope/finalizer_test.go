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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/orchestrator/internal/domain"
)

func TestFinalize_MissingRequiredFieldsFailsValidation(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{}
	req := &domain.RunRequest{}

	f.Finalize(context.Background(), env, req, RuntimeInfo{RuntimeMode: "command", RuntimeName: "command"}, "")

	require.Equal(t, domain.EnvelopeFailed, env.Status)
	require.Contains(t, env.Error, "missing required fields (status, summary)")
}

func TestFinalize_PreservesExistingErrorOnValidationFailure(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{Error: "adapter crashed"}
	req := &domain.RunRequest{}

	f.Finalize(context.Background(), env, req, RuntimeInfo{}, "")

	require.Contains(t, env.Error, "adapter crashed")
	require.Contains(t, env.Error, "missing required fields (status, summary)")
}

func TestFinalize_StampsRuntimeAndMCPMetadata(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{Status: domain.EnvelopeSucceeded, Summary: "done"}
	req := &domain.RunRequest{MCPConfigJSON: `{"servers":{"fs":{"command":"mcp-fs"}}}`}

	f.Finalize(context.Background(), env, req, RuntimeInfo{RuntimeMode: "subprocess", RuntimeName: "claude-stream"}, "")

	require.Equal(t, "subprocess", env.Metadata["runtimeMode"])
	require.Equal(t, "claude-stream", env.Metadata["runtimeName"])
	require.Equal(t, "true", env.Metadata["mcpConfigPresent"])
	require.Equal(t, "1", env.Metadata["mcpInstallActionCount"])
}

func TestFinalize_ExtractsUsageMetricsFromRawOutputRef(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{
		Status:       domain.EnvelopeSucceeded,
		Summary:      "done",
		RawOutputRef: `{"usage":{"totalTokens":1200,"costUsd":0.42}}`,
	}
	req := &domain.RunRequest{}

	f.Finalize(context.Background(), env, req, RuntimeInfo{RuntimeMode: "subprocess", RuntimeName: "claude-stream"}, "")

	require.Equal(t, float64(1200), env.Metrics["totalTokens"])
	require.Equal(t, 0.42, env.Metrics["costUsd"])
}

func TestFinalize_EmptyRawOutputRefLeavesMetricsNil(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{Status: domain.EnvelopeSucceeded, Summary: "done"}
	req := &domain.RunRequest{}

	f.Finalize(context.Background(), env, req, RuntimeInfo{}, "")

	require.Nil(t, env.Metrics)
}

func TestFinalize_ClassifiesAuthenticationFailure(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{Status: domain.EnvelopeFailed, Summary: "run failed", Error: "401 Unauthorized"}
	req := &domain.RunRequest{}

	f.Finalize(context.Background(), env, req, RuntimeInfo{ExitCode: 1}, "")

	require.Equal(t, string(domain.FailureAuthentication), env.Metadata["failureClass"])
	require.Equal(t, "false", env.Metadata["isRetryable"])
}

func TestFinalize_StructuredTimeoutHintOverridesMessagePatternMatching(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{
		Status:  domain.EnvelopeFailed,
		Summary: "run failed",
		Error:   "Execution cancelled or exceeded timeout",
		Metadata: map[string]string{
			"failureTypeHint":      "timeout",
			"failureRetryableHint": "true",
		},
	}
	req := &domain.RunRequest{}

	f.Finalize(context.Background(), env, req, RuntimeInfo{ExitCode: 1}, "")

	require.Equal(t, string(domain.FailureTimeout), env.Metadata["failureClass"])
	require.Equal(t, "true", env.Metadata["isRetryable"])
	require.Equal(t, "5", env.Metadata["suggestedBackoffSeconds"])
}

func TestFinalize_SuccessExtractsArtifactsUnderPolicy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("world!!"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0o644))

	f := NewFinalizer()
	env := &domain.RunEnvelope{Status: domain.EnvelopeSucceeded, Summary: "done"}
	req := &domain.RunRequest{ArtifactPolicy: domain.ArtifactPolicy{MaxArtifacts: 10, MaxTotalBytes: 1 << 20}}

	f.Finalize(context.Background(), env, req, RuntimeInfo{}, dir)

	require.Len(t, env.Artifacts, 2)
	require.Equal(t, "2", env.Metadata["extractedArtifactCount"])
	require.Equal(t, "12", env.Metadata["extractedArtifactSize"])
}

func TestFinalize_FailedRunSkipsArtifactExtraction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	f := NewFinalizer()
	env := &domain.RunEnvelope{Status: domain.EnvelopeFailed, Summary: "boom", Error: "internal"}
	req := &domain.RunRequest{}

	f.Finalize(context.Background(), env, req, RuntimeInfo{}, dir)

	require.Empty(t, env.Artifacts)
	require.NotContains(t, env.Metadata, "extractedArtifactCount")
}

func TestExtractWithJQ_FoldsScalarIntoMetrics(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{}

	err := f.ExtractWithJQ(context.Background(), env, `{"usage":{"totalTokens":4821}}`, ".usage.totalTokens", "total_tokens")

	require.NoError(t, err)
	require.Equal(t, float64(4821), env.Metrics["total_tokens"])
}

func TestExtractWithJQ_InvalidExpressionReturnsError(t *testing.T) {
	f := NewFinalizer()
	env := &domain.RunEnvelope{}

	err := f.ExtractWithJQ(context.Background(), env, `{"a":1}`, ".[", "x")

	require.Error(t, err)
}
