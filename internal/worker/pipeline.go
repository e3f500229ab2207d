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

package worker

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/tombee/orchestrator/internal/domain"
	"github.com/tombee/orchestrator/internal/envelope"
	"github.com/tombee/orchestrator/internal/harness"
	"github.com/tombee/orchestrator/internal/ledger"
	"github.com/tombee/orchestrator/internal/log"
	"github.com/tombee/orchestrator/internal/tracing"
	orcherrors "github.com/tombee/orchestrator/pkg/errors"
)

// runPipeline executes the full dispatch -> workspace -> runtime ->
// finalize -> git -> ledger flow for one admitted request. It never
// panics out to the caller: every stage's failure is converted into a
// failed envelope and the pipeline still reaches the ledger write.
func (w *Worker) runPipeline(ctx context.Context, req *domain.RunRequest) {
	ctx, span := tracing.SafeStartSpan(ctx, w.tracer, "worker.run_pipeline", spanAttrs(req)...)
	defer tracing.SafeEndSpan(span)

	runLogger := log.WithHarness(log.WithRunContext(w.logger, req.RunID, req.TaskID), req.Harness)

	if err := w.ledger.MarkRunning(ctx, req.RunID); err != nil {
		var transErr *ledger.TransitionError
		if errors.As(err, &transErr) {
			// Already past Queued (e.g. cancelled before this worker
			// picked it up); nothing left to do.
			return
		}
		runLogger.Error("worker: mark running", "error", err)
		tracing.SafeRecordError(span, err)
		return
	}
	w.publishStatus("active")

	sink := w.newSink(req.RunID)

	wsCtx, wsSpan := tracing.SafeStartSpan(ctx, w.tracer, "worker.prepare_workspace", spanAttrs(req)...)
	ws, release, err := w.workspaces.Prepare(wsCtx, req)
	tracing.SafeRecordError(wsSpan, err)
	tracing.SafeEndSpan(wsSpan)
	if err != nil {
		env := &domain.RunEnvelope{
			Status:  domain.EnvelopeFailed,
			Summary: "Workspace preparation failed",
			Error:   err.Error(),
		}
		w.finalizer.Finalize(ctx, env, req, envelope.RuntimeInfo{}, "")
		sink.Emit(domain.EventRunCompleted, env.Summary, map[string]string{"status": string(env.Status)})
		w.completeRun(ctx, req, env)
		return
	}
	defer release()

	// A live MCP probe runs before the harness starts, independent of
	// ValidateMCPConfig's static syntax check: it actually spawns each
	// configured server over stdio so the envelope records which
	// installs came up, not just which ones parse.
	var mcpActions []domain.Action
	if strings.TrimSpace(req.MCPConfigJSON) != "" {
		probeCtx, probeSpan := tracing.SafeStartSpan(ctx, w.tracer, "worker.probe_mcp_servers", spanAttrs(req)...)
		mcpActions = envelope.ProbeMCPServers(probeCtx, req.MCPConfigJSON, 0)
		tracing.SafeEndSpan(probeSpan)
	}

	runCtx, runSpan := tracing.SafeStartSpan(ctx, w.tracer, "worker.execute_harness", spanAttrs(req)...)
	result, adapterName, runErr := w.router.Run(runCtx, req, ws.WorkspacePath, sink)
	tracing.SafeRecordError(runSpan, runErr)
	tracing.SafeEndSpan(runSpan)

	env := envelopeFromRunResult(result, runErr)
	env.Actions = append(env.Actions, mcpActions...)

	finalizeCtx, finalizeSpan := tracing.SafeStartSpan(ctx, w.tracer, "worker.finalize_envelope", spanAttrs(req)...)
	w.finalizer.Finalize(finalizeCtx, env, req, envelope.RuntimeInfo{
		RuntimeMode: w.router.AdvertisedMode(req.Harness, req.Mode),
		RuntimeName: adapterName,
	}, ws.WorkspacePath)
	tracing.SafeEndSpan(finalizeSpan)

	gitCtx, gitSpan := tracing.SafeStartSpan(ctx, w.tracer, "worker.git_finalize", spanAttrs(req)...)
	w.workspaces.Finalize(gitCtx, ws, env, req.TaskID, req.RunID)
	tracing.SafeEndSpan(gitSpan)

	sink.Emit(domain.EventRunCompleted, env.Summary, map[string]string{"status": string(env.Status)})
	w.completeRun(ctx, req, env)
}

// envelopeFromRunResult converts the router's outcome into the
// envelope the finalizer stamps, applying §5's cancellation wording
// verbatim when the run was cancelled or timed out.
func envelopeFromRunResult(result *harness.RuntimeResult, runErr error) *domain.RunEnvelope {
	if runErr == nil {
		return result.Envelope
	}

	var cancelErr *harness.CancellationError
	if errors.As(runErr, &cancelErr) {
		env := &domain.RunEnvelope{
			Status:  domain.EnvelopeFailed,
			Summary: "Run cancelled or timed out",
			Error:   "Execution cancelled or exceeded timeout",
		}
		stampFailureHint(env, cancelErr)
		return env
	}

	env := &domain.RunEnvelope{
		Status:  domain.EnvelopeFailed,
		Summary: "Harness execution crashed",
		Error:   runErr.Error(),
	}
	stampFailureHint(env, runErr)
	return env
}

// stampFailureHint records the error's structured classification, if
// it has one, as envelope metadata. EnvelopeFinalizer's classifyFailure
// prefers this hint over pattern-matching the error string, since a
// runErr that implements orcherrors.ErrorClassifier already knows its
// own category (e.g. CancellationError distinguishing a budget
// timeout from an explicit Cancel).
func stampFailureHint(env *domain.RunEnvelope, err error) {
	var classifier orcherrors.ErrorClassifier
	if !errors.As(err, &classifier) {
		return
	}
	env.SetMetadata("failureTypeHint", classifier.ErrorType())
	env.SetMetadata("failureRetryableHint", strconv.FormatBool(classifier.IsRetryable()))
}

// completeRun persists the terminal ledger state, releases the
// dispatch queue's admission slot, and reports the worker's new idle
// capacity.
func (w *Worker) completeRun(ctx context.Context, req *domain.RunRequest, env *domain.RunEnvelope) {
	state := domain.RunFailed
	if env.Status == domain.EnvelopeSucceeded {
		state = domain.RunSucceeded
		if env.Metadata["runDisposition"] == "obsolete" {
			state = domain.RunObsolete
		}
	}

	if err := w.ledger.MarkCompleted(ctx, req.RunID, state, env.Summary, marshalEnvelope(env)); err != nil {
		var transErr *ledger.TransitionError
		if !errors.As(err, &transErr) {
			log.WithRunContext(w.logger, req.RunID, req.TaskID).Error("worker: mark completed", "error", err)
		}
	}

	w.queue.MarkCompleted(req.RunID)
	w.publishStatus("idle")
}
