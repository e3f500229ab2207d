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

// Package reconciler implements the OrphanReconciler (C8): periodic
// (and on-demand, via the gateway's ReconcileOrphanedContainers)
// sweeps of containers labeled orchestrator.run-id whose run id is no
// longer tracked by this worker.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/orchestrator/internal/domain"
	"github.com/tombee/orchestrator/internal/util"
	orcherrors "github.com/tombee/orchestrator/pkg/errors"
)

// ContainerLister is the subset of *container.Executor the reconciler
// depends on.
type ContainerLister interface {
	ListByLabel(ctx context.Context, labelKey string) ([]domain.OrchestratorContainer, error)
	Remove(ctx context.Context, containerID string) error
}

// Reconciler periodically reaps containers no worker admits owning.
type Reconciler struct {
	containers ContainerLister
	logger     *slog.Logger
	interval   time.Duration
}

// New creates a Reconciler. interval is the period between automatic
// sweeps; a zero interval disables Run's ticking loop (the gateway's
// ReconcileOrphanedContainers still works as an on-demand call).
func New(containers ContainerLister, interval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{containers: containers, logger: logger, interval: interval}
}

// Run ticks every r.interval until ctx is cancelled, calling
// activeRunIDs() fresh on each tick to get the worker's current set of
// in-flight run ids.
func (r *Reconciler) Run(ctx context.Context, activeRunIDs func() []string) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileNow(ctx, activeRunIDs()); err != nil {
				r.logger.Error("reconciler: sweep failed", "error", err)
			}
		}
	}
}

// ReconcileNow lists every container labeled orchestrator.run-id,
// force-removes any whose run id is not in activeRunIDs, and returns
// what it removed. A container missing by the time Remove runs is not
// an error (§4.7).
func (r *Reconciler) ReconcileNow(ctx context.Context, activeRunIDs []string) ([]domain.RemovedContainer, error) {
	containers, err := r.containers.ListByLabel(ctx, domain.LabelRunID)
	if err != nil {
		return nil, orcherrors.Wrap(err, "reconciler: list labeled containers")
	}

	var removed []domain.RemovedContainer
	for _, c := range containers {
		if util.Contains(activeRunIDs, c.RunID) {
			continue
		}
		orphansDetected.Inc()
		if err := r.containers.Remove(ctx, c.ContainerID); err != nil {
			r.logger.Error("reconciler: remove orphan", "container_id", c.ContainerID, "run_id", c.RunID, "error", err)
			continue
		}
		orphansRemoved.Inc()
		removed = append(removed, domain.RemovedContainer{ContainerID: c.ContainerID, RunID: c.RunID})
	}
	return removed, nil
}
