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

// Package worker implements the run pipeline that ties the ledger,
// dispatch queue, git workspace manager, harness router, envelope
// finalizer and event bus together into the dispatch -> workspace ->
// runtime -> finalize -> git -> ledger flow from §2. It is grounded on
// the teacher's internal/daemon/runner.Runner: a consumer loop pulling
// off a queue, one goroutine per admitted run, and a drain sequence
// built on the same poll-until-zero idiom as Runner.WaitForDrain.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/orchestrator/internal/dispatch"
	"github.com/tombee/orchestrator/internal/domain"
	"github.com/tombee/orchestrator/internal/envelope"
	"github.com/tombee/orchestrator/internal/harness"
	"github.com/tombee/orchestrator/internal/log"
)

// drainPollInterval mirrors the teacher's runner drain loop: poll every
// 100ms rather than relying on a channel every goroutine must remember
// to close.
const drainPollInterval = 100 * time.Millisecond

// RunLedger is the subset of *ledger.Ledger the pipeline depends on.
type RunLedger interface {
	MarkRunning(ctx context.Context, runID string) error
	MarkCompleted(ctx context.Context, runID string, state domain.RunState, summary, payloadJSON string) error
}

// JobQueue is the subset of *dispatch.Queue the consumer loop depends
// on.
type JobQueue interface {
	Dequeue(ctx context.Context) (*domain.RunRequest, context.Context, error)
	MarkCompleted(runID string)
	MaxSlots() int
	Close()
}

// WorkspaceManager is the subset of *gitworkspace.Manager the pipeline
// depends on.
type WorkspaceManager interface {
	Prepare(ctx context.Context, req *domain.RunRequest) (*domain.WorkspaceContext, func(), error)
	Finalize(ctx context.Context, ws *domain.WorkspaceContext, envelope *domain.RunEnvelope, taskID, runID string)
}

// HarnessRouter is the subset of *harness.Router the pipeline depends
// on.
type HarnessRouter interface {
	Run(ctx context.Context, req *domain.RunRequest, workspacePath string, sink harness.EventSink) (*harness.RuntimeResult, string, error)
	AdvertisedMode(harnessName, mode string) string
}

// EnvelopeFinalizer is the subset of *envelope.Finalizer the pipeline
// depends on.
type EnvelopeFinalizer interface {
	Finalize(ctx context.Context, envelope *domain.RunEnvelope, req *domain.RunRequest, info envelope.RuntimeInfo, workspaceHostPath string)
}

// EventPublisher is the subset of *eventbus.Bus the pipeline depends
// on.
type EventPublisher interface {
	PublishJobEvent(event domain.JobEvent)
	PublishWorkerStatus(status domain.WorkerStatus)
}

// Worker runs admitted jobs from a JobQueue through the full run
// pipeline, bounded by the queue's own admission accounting (a new
// DispatchJob call is refused once activeJobs reaches maxSlots, so the
// worker itself needs no separate semaphore).
type Worker struct {
	id         string
	ledger     RunLedger
	queue      JobQueue
	workspaces WorkspaceManager
	router     HarnessRouter
	finalizer  EnvelopeFinalizer
	bus        EventPublisher
	tracer     trace.Tracer
	logger     *slog.Logger

	draining   atomic.Bool
	activeMu   sync.Mutex
	activeRuns map[string]struct{}
	wg         sync.WaitGroup
}

// Tracer is the subset of tracing.Provider the pipeline depends on.
type Tracer interface {
	Tracer() trace.Tracer
}

// New creates a Worker wired to its dependencies. provider may be nil,
// in which case spans are no-ops (tracing.SafeStartSpan tolerates a nil
// tracer).
func New(
	id string,
	l RunLedger,
	queue JobQueue,
	workspaces WorkspaceManager,
	router HarnessRouter,
	finalizer EnvelopeFinalizer,
	bus EventPublisher,
	provider Tracer,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(log.WorkerIDKey, id)
	var tracer trace.Tracer
	if provider != nil {
		tracer = provider.Tracer()
	}
	return &Worker{
		id:         id,
		ledger:     l,
		queue:      queue,
		workspaces: workspaces,
		router:     router,
		finalizer:  finalizer,
		bus:        bus,
		tracer:     tracer,
		logger:     logger,
		activeRuns: make(map[string]struct{}),
	}
}

// Run consumes admitted jobs until ctx is cancelled or the queue
// closes, spawning one goroutine per run. It returns once every
// in-flight run's goroutine has been launched; callers that need to
// wait for those runs to finish should call WaitForDrain afterward.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, runCtx, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, dispatch.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("worker: dequeue failed", "error", err)
			continue
		}

		w.trackActive(req.RunID)
		w.wg.Add(1)
		go func(req *domain.RunRequest, runCtx context.Context) {
			defer w.wg.Done()
			defer w.untrackActive(req.RunID)
			w.runPipeline(runCtx, req)
		}(req, runCtx)
	}
}

func (w *Worker) trackActive(runID string) {
	w.activeMu.Lock()
	w.activeRuns[runID] = struct{}{}
	w.activeMu.Unlock()
}

func (w *Worker) untrackActive(runID string) {
	w.activeMu.Lock()
	delete(w.activeRuns, runID)
	w.activeMu.Unlock()
}

// ActiveRunIDs returns a snapshot of the run ids this worker currently
// admits owning, the input the OrphanReconciler needs to compute its
// set difference.
func (w *Worker) ActiveRunIDs() []string {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	ids := make([]string, 0, len(w.activeRuns))
	for id := range w.activeRuns {
		ids = append(ids, id)
	}
	return ids
}

// ActiveRunCount reports how many runs are currently executing.
func (w *Worker) ActiveRunCount() int {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	return len(w.activeRuns)
}

// StartDraining closes the dispatch queue (refusing new Dequeue calls
// once it's drained of already-admitted work) and flags the worker as
// draining for Heartbeat/health reporting.
func (w *Worker) StartDraining() {
	w.draining.Store(true)
	w.queue.Close()
}

// IsDraining reports whether StartDraining has been called.
func (w *Worker) IsDraining() bool {
	return w.draining.Load()
}

// WaitForDrain polls ActiveRunCount every 100ms until it reaches zero,
// ctx is cancelled, or timeout elapses, whichever comes first.
func (w *Worker) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if w.ActiveRunCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if timeout > 0 && time.Now().After(deadline) {
				return context.DeadlineExceeded
			}
		}
	}
}

// newSink builds the per-run event sink: every Emit call is wrapped
// into the harness-runtime-event envelope, projected onto a JobEvent
// category, and published on the bus. Returning the concrete *harness.
// Sink (not just the EventSink interface) lets the pipeline call Emit
// again itself to publish a final post-finalize completion event with
// the next sequence number in the same series.
func (w *Worker) newSink(runID string) *harness.Sink {
	return harness.NewSink(func(wire domain.WireEvent) {
		category, payloadJSON, schemaVersion := harness.Project(domain.RuntimeEvent{
			Sequence: wire.Sequence,
			Type:     wire.Type,
			Content:  wire.Content,
			Metadata: wire.Metadata,
		}, "")

		eventType := "log"
		if wire.Type == domain.EventRunCompleted {
			eventType = "completed"
		}

		w.bus.PublishJobEvent(domain.JobEvent{
			RunID:         runID,
			EventType:     eventType,
			Summary:       wire.Content,
			Metadata:      wire.Metadata,
			Sequence:      wire.Sequence,
			Category:      category,
			PayloadJSON:   payloadJSON,
			SchemaVersion: schemaVersion,
			TimestampMs:   time.Now().UnixMilli(),
		})
	})
}

func (w *Worker) publishStatus(status string) {
	w.bus.PublishWorkerStatus(domain.WorkerStatus{
		WorkerID:    w.id,
		Status:      status,
		ActiveSlots: w.ActiveRunCount(),
		MaxSlots:    w.queue.MaxSlots(),
		TimestampMs: time.Now().UnixMilli(),
	})
}

// spanAttrs builds the common set of attributes every pipeline-stage
// span carries.
func spanAttrs(req *domain.RunRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("run.id", req.RunID),
		attribute.String("task.id", req.TaskID),
		attribute.String("harness", req.Harness),
	}
}

func marshalEnvelope(envelope *domain.RunEnvelope) string {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return ""
	}
	return string(raw)
}
