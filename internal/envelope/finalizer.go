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

// Package envelope implements the EnvelopeFinalizer (C7): validation,
// metadata stamping, failure classification and artifact extraction
// for every completed adapter run.
package envelope

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tombee/orchestrator/internal/domain"
	"github.com/tombee/orchestrator/internal/jq"
)

// Finalizer runs the §4.6 pipeline over a completed adapter run.
type Finalizer struct {
	jq *jq.Executor
}

// NewFinalizer creates a Finalizer with the teacher's default jq
// execution limits (1s timeout, 10MB input) for structured payload
// extraction.
func NewFinalizer() *Finalizer {
	return &Finalizer{jq: jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize)}
}

// RuntimeInfo carries the adapter identity stamped onto the envelope.
type RuntimeInfo struct {
	RuntimeMode string
	RuntimeName string
	ExitCode    int
}

// Finalize validates, stamps, classifies and extracts artifacts for
// envelope in place, per §4.6.
func (f *Finalizer) Finalize(ctx context.Context, envelope *domain.RunEnvelope, req *domain.RunRequest, info RuntimeInfo, workspaceHostPath string) {
	f.validate(envelope)
	f.stamp(envelope, req, info)
	f.extractUsageMetrics(ctx, envelope)
	f.classifyFailure(envelope, info.ExitCode)
	f.extractArtifacts(envelope, req, workspaceHostPath)
}

// validate implements §4.6 step 1.
func (f *Finalizer) validate(envelope *domain.RunEnvelope) {
	if envelope.Status != "" && envelope.Summary != "" {
		return
	}
	envelope.Status = domain.EnvelopeFailed
	msg := "Envelope validation failed: missing required fields (status, summary)"
	if envelope.Error != "" {
		envelope.Error = envelope.Error + "; " + msg
	} else {
		envelope.Error = msg
	}
}

// stamp implements §4.6 step 2.
func (f *Finalizer) stamp(envelope *domain.RunEnvelope, req *domain.RunRequest, info RuntimeInfo) {
	envelope.SetMetadata("runtimeMode", info.RuntimeMode)
	envelope.SetMetadata("runtimeName", info.RuntimeName)

	present := strings.TrimSpace(req.MCPConfigJSON) != ""
	envelope.SetMetadata("mcpConfigPresent", strconv.FormatBool(present))

	valid, installCount, diagnostics := ValidateMCPConfig(req.MCPConfigJSON)
	envelope.SetMetadata("mcpConfigValid", strconv.FormatBool(valid))
	envelope.SetMetadata("mcpInstallActionCount", strconv.Itoa(installCount))
	if len(diagnostics) > 0 {
		envelope.SetMetadata("mcpDiagnostics", strings.Join(diagnostics, " | "))
	}
}

// extractUsageMetrics mines the adapter's last structured usage payload
// (stamped onto RawOutputRef by the streaming adapters when they see a
// UsageUpdated event) for the two fields every harness reports under
// some name, folding them into envelope.Metrics via jq rather than a
// fixed struct, since each harness names its usage fields differently.
// A payload that has neither field, or no payload at all, leaves
// Metrics untouched — this step is opportunistic, not mandatory.
func (f *Finalizer) extractUsageMetrics(ctx context.Context, envelope *domain.RunEnvelope) {
	if strings.TrimSpace(envelope.RawOutputRef) == "" {
		return
	}
	_ = f.ExtractWithJQ(ctx, envelope, envelope.RawOutputRef, ".totalTokens // .tokens.total // .usage.totalTokens // 0", "totalTokens")
	_ = f.ExtractWithJQ(ctx, envelope, envelope.RawOutputRef, ".costUsd // .cost.usd // .usage.costUsd // 0", "costUsd")
}

// classifyFailure implements §4.6 step 3 / the §7 taxonomy.
func (f *Finalizer) classifyFailure(envelope *domain.RunEnvelope, exitCode int) {
	hints := classifierHints{}
	if t, ok := envelope.Metadata["failureTypeHint"]; ok {
		hints.hasHints = true
		hints.errorType = t
		hints.retryable = envelope.Metadata["failureRetryableHint"] == "true"
	}
	c := classify(envelope.Status, envelope.Error, exitCode, hints)
	envelope.SetMetadata("failureClass", string(c.class))
	envelope.SetMetadata("isRetryable", strconv.FormatBool(c.isRetryable))
	if c.backoffSec > 0 {
		envelope.SetMetadata("suggestedBackoffSeconds", strconv.Itoa(c.backoffSec))
	}
	if len(c.remediationHints) > 0 {
		envelope.SetMetadata("remediationHints", strings.Join(c.remediationHints, "; "))
	}
}

// extractArtifacts implements §4.6 step 4.
func (f *Finalizer) extractArtifacts(envelope *domain.RunEnvelope, req *domain.RunRequest, workspaceHostPath string) {
	if envelope.Status != domain.EnvelopeSucceeded {
		return
	}
	artifacts, totalBytes := extractArtifacts(workspaceHostPath, req.ArtifactPolicy)
	envelope.Artifacts = artifacts
	envelope.SetMetadata("extractedArtifactCount", strconv.Itoa(len(artifacts)))
	envelope.SetMetadata("extractedArtifactSize", strconv.FormatInt(totalBytes, 10))
}

// ExtractWithJQ applies a jq expression against an adapter's raw
// structured output (e.g. a usage/metrics payload embedded in
// RawOutputRef) and folds scalar results into envelope.Metrics. Unlike
// the mandatory §4.6 steps, this is opt-in: most adapters have no
// additional structured payload to mine beyond their event stream.
func (f *Finalizer) ExtractWithJQ(ctx context.Context, envelope *domain.RunEnvelope, rawJSON, expression, metricName string) error {
	var data any
	if err := json.Unmarshal([]byte(rawJSON), &data); err != nil {
		return err
	}
	result, err := f.jq.Execute(ctx, expression, data)
	if err != nil {
		return err
	}
	if num, ok := toFloat(result); ok {
		if envelope.Metrics == nil {
			envelope.Metrics = make(map[string]float64)
		}
		envelope.Metrics[metricName] = num
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
