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

// Package dispatch implements the bounded per-worker DispatchQueue (C2):
// slot accounting, the admitted-job registry, and the cancellation
// registry. The queueing discipline (a FIFO slice plus a
// buffered wake-up channel) is the teacher's internal/daemon/queue
// MemoryQueue, generalized from *queue.Job to *domain.RunRequest and
// given a maxSlots admission gate.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tombee/orchestrator/internal/domain"
	"github.com/tombee/orchestrator/internal/ledger"
	orcherrors "github.com/tombee/orchestrator/pkg/errors"
)

// ErrQueueClosed is returned by Enqueue/Dequeue once the queue has been
// closed, mirroring the teacher's queue.ErrQueueClosed.
var ErrQueueClosed = orcherrors.New("dispatch: queue closed")

// job is one admitted RunRequest plus the run context a consumer
// should execute it under: ctx is cancelled by cancel, which Cancel
// invokes, so the worker pipeline observes cancellation simply by
// selecting on the ctx it was handed at Dequeue.
type job struct {
	request *domain.RunRequest
	ctx     context.Context
	cancel  context.CancelFunc
}

// Queue is the bounded, per-worker DispatchQueue.
type Queue struct {
	ledger   *ledger.Ledger
	maxSlots int

	mu         sync.Mutex
	activeJobs map[string]*job // keyed by lower-cased runId
	pending    []*domain.RunRequest
	signal     chan struct{}
	closed     bool
}

// New creates a Queue bound to ledger with maxSlots admitted jobs.
func New(l *ledger.Ledger, maxSlots int) *Queue {
	return &Queue{
		ledger:     l,
		maxSlots:   maxSlots,
		activeJobs: make(map[string]*job),
		signal:     make(chan struct{}, 1),
	}
}

func key(runID string) string {
	return strings.ToLower(runID)
}

// jobContext derives the run context a consumer executes req under.
// A positive timeoutSec seeds a deadline, per spec §4.3's wall clock
// budget: the run's cancellation token fires on its own once the
// budget is exceeded, without Cancel ever being called explicitly.
func jobContext(req *domain.RunRequest) (context.Context, context.CancelFunc) {
	if req.TimeoutSec > 0 {
		return context.WithTimeout(context.Background(), time.Duration(req.TimeoutSec)*time.Second)
	}
	return context.WithCancel(context.Background())
}

// CanAccept reports whether another job may be admitted right now.
func (q *Queue) CanAccept() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.activeJobs) < q.maxSlots
}

// ActiveSlots returns the number of currently admitted jobs.
func (q *Queue) ActiveSlots() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.activeJobs)
}

// MaxSlots returns the worker's fixed concurrency budget.
func (q *Queue) MaxSlots() int {
	return q.maxSlots
}

// Enqueue admits req: it is persisted Queued in the ledger, registered
// in activeJobs, and handed to the consumer loop. Admission control
// (canAccept) is the RPC layer's job, not Enqueue's — Enqueue never
// blocks on slot availability.
func (q *Queue) Enqueue(ctx context.Context, req *domain.RunRequest) error {
	if err := q.ledger.UpsertQueued(ctx, req); err != nil {
		return orcherrors.Wrap(err, "dispatch: ledger upsert queued")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	jobCtx, cancel := jobContext(req)
	q.activeJobs[key(req.RunID)] = &job{request: req, ctx: jobCtx, cancel: cancel}
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue blocks until a request is available or ctx is cancelled,
// returning the next admitted request plus the run context a consumer
// must execute it under: that context is cancelled the moment Cancel
// is called for this run id.
func (q *Queue) Dequeue(ctx context.Context) (*domain.RunRequest, context.Context, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending = q.pending[1:]
			j := q.activeJobs[key(req.RunID)]
			q.mu.Unlock()
			if j == nil {
				// Completed/cancelled between enqueue and dequeue.
				continue
			}
			return req, j.ctx, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Cancel signals runId's cancellation token and ledger-marks it
// Cancelled. Returns whether runId was present (idempotent: a second
// call after the first returns false without error).
func (q *Queue) Cancel(ctx context.Context, runID string) (bool, error) {
	q.mu.Lock()
	j, ok := q.activeJobs[key(runID)]
	q.mu.Unlock()
	if !ok {
		return false, nil
	}

	j.cancel()
	if err := q.ledger.MarkCompleted(ctx, runID, domain.RunCancelled, "Run cancelled or timed out", ""); err != nil {
		var transErr *ledger.TransitionError
		if !orcherrors.As(err, &transErr) {
			return true, orcherrors.Wrap(err, "dispatch: ledger mark cancelled")
		}
		// Already past Queued/Running (e.g. completed concurrently); the
		// cancel signal still landed, so report it as accepted.
	}
	q.MarkCompleted(runID)
	return true, nil
}

// MarkCompleted removes runId from activeJobs. Idempotent.
func (q *Queue) MarkCompleted(runID string) {
	q.mu.Lock()
	delete(q.activeJobs, key(runID))
	q.mu.Unlock()
}

// Recover runs startup recovery: sweep stale Running entries to Failed,
// then re-enqueue every still-Queued request in creation order.
func (q *Queue) Recover(ctx context.Context) error {
	if _, err := q.ledger.RecoverStaleRunning(ctx); err != nil {
		return orcherrors.Wrap(err, "dispatch: recover stale running")
	}
	reqs, err := q.ledger.ListQueuedRequests(ctx)
	if err != nil {
		return orcherrors.Wrap(err, "dispatch: list queued requests")
	}
	for _, req := range reqs {
		q.mu.Lock()
		jobCtx, cancel := jobContext(req)
		q.activeJobs[key(req.RunID)] = &job{request: req, ctx: jobCtx, cancel: cancel}
		q.pending = append(q.pending, req)
		q.mu.Unlock()
	}
	if len(reqs) > 0 {
		q.wake()
	}
	return nil
}

// Close marks the queue closed; subsequent Enqueue/Dequeue calls return
// ErrQueueClosed once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}
