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

package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/orchestrator/internal/domain"
)

type fakeContainerLister struct {
	containers []domain.OrchestratorContainer
	removed    []string
	removeErr  map[string]error
}

func (f *fakeContainerLister) ListByLabel(ctx context.Context, labelKey string) ([]domain.OrchestratorContainer, error) {
	return f.containers, nil
}

func (f *fakeContainerLister) Remove(ctx context.Context, containerID string) error {
	if err, ok := f.removeErr[containerID]; ok {
		return err
	}
	f.removed = append(f.removed, containerID)
	return nil
}

func TestReconcileNow_RemovesOnlyOrphans(t *testing.T) {
	lister := &fakeContainerLister{
		containers: []domain.OrchestratorContainer{
			{ContainerID: "c1", RunID: "run-active"},
			{ContainerID: "c2", RunID: "run-orphan"},
		},
	}
	r := New(lister, 0, nil)

	removed, err := r.ReconcileNow(context.Background(), []string{"run-active"})

	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, "c2", removed[0].ContainerID)
	require.Equal(t, []string{"c2"}, lister.removed)
}

func TestReconcileNow_NoOrphansRemovesNothing(t *testing.T) {
	lister := &fakeContainerLister{
		containers: []domain.OrchestratorContainer{{ContainerID: "c1", RunID: "run-active"}},
	}
	r := New(lister, 0, nil)

	removed, err := r.ReconcileNow(context.Background(), []string{"run-active"})

	require.NoError(t, err)
	require.Empty(t, removed)
}

func TestReconcileNow_MissingContainerOnRemoveIsNotFatal(t *testing.T) {
	lister := &fakeContainerLister{
		containers: []domain.OrchestratorContainer{{ContainerID: "c1", RunID: "run-orphan"}},
		removeErr:  map[string]error{"c1": errors.New("no such container")},
	}
	r := New(lister, 0, nil)

	removed, err := r.ReconcileNow(context.Background(), nil)

	require.NoError(t, err)
	require.Empty(t, removed)
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	lister := &fakeContainerLister{}
	r := New(lister, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, func() []string { return nil })
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRun_ZeroIntervalDisablesTicking(t *testing.T) {
	r := New(&fakeContainerLister{}, 0, nil)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), func() []string { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval should return immediately")
	}
}
