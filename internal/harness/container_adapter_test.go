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

package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	containerpkg "github.com/tombee/orchestrator/internal/container"
	"github.com/tombee/orchestrator/internal/domain"
)

type fakeContainerRunner struct {
	createdSpec containerpkg.Spec
	containerID string
	chunks      [][]byte
	exitCode    int
	waitErr     error
	removed     []string
}

func (f *fakeContainerRunner) Create(ctx context.Context, spec containerpkg.Spec) (string, error) {
	f.createdSpec = spec
	return f.containerID, nil
}

func (f *fakeContainerRunner) StreamLogs(ctx context.Context, containerID, expectedRunID string, onChunk func([]byte)) error {
	for _, c := range f.chunks {
		onChunk(c)
	}
	return nil
}

func (f *fakeContainerRunner) Wait(ctx context.Context, containerID string) (int, error) {
	return f.exitCode, f.waitErr
}

func (f *fakeContainerRunner) Remove(ctx context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func TestContainerRuntime_Name(t *testing.T) {
	a := NewContainerRuntime(&fakeContainerRunner{}, "sandbox:latest")
	require.Equal(t, "command", a.Name())
}

func TestContainerRuntime_Run_SuccessStampsSandboxLabels(t *testing.T) {
	runner := &fakeContainerRunner{containerID: "c1", exitCode: 0}
	a := NewContainerRuntime(runner, "sandbox:latest")
	sink := &recordingSink{}

	req := &domain.RunRequest{RunID: "run-1", TaskID: "task-1", RepositoryID: "repo-1", Command: "echo hi"}
	result, err := a.Run(context.Background(), req, "/ws", sink)

	require.NoError(t, err)
	require.Equal(t, domain.EnvelopeSucceeded, result.Envelope.Status)
	require.Equal(t, "sandbox:latest", runner.createdSpec.Image)
	require.Equal(t, "run-1", runner.createdSpec.Labels[domain.LabelRunID])
	require.Equal(t, "/ws", runner.createdSpec.WorkspaceHostPath)
	require.Equal(t, []string{"sh", "-c", "echo hi"}, runner.createdSpec.Cmd)
}

func TestContainerRuntime_Run_NonZeroExitFails(t *testing.T) {
	runner := &fakeContainerRunner{containerID: "c1", exitCode: 1}
	a := NewContainerRuntime(runner, "sandbox:latest")
	sink := &recordingSink{}

	result, err := a.Run(context.Background(), &domain.RunRequest{RunID: "run-1", Command: "false"}, "/ws", sink)

	require.NoError(t, err)
	require.Equal(t, domain.EnvelopeFailed, result.Envelope.Status)
	require.Contains(t, result.Envelope.Error, "exit code 1")
}

func TestContainerRuntime_Run_StreamsLogChunksAsCommandDelta(t *testing.T) {
	runner := &fakeContainerRunner{containerID: "c1", chunks: [][]byte{[]byte("hello world")}}
	a := NewContainerRuntime(runner, "sandbox:latest")
	sink := &recordingSink{}

	_, err := a.Run(context.Background(), &domain.RunRequest{RunID: "run-1", Command: "echo hi"}, "/ws", sink)

	require.NoError(t, err)
	var found bool
	for _, e := range sink.events {
		if e.Type == domain.EventCommandDelta && e.Content == "hello world" {
			found = true
		}
	}
	require.True(t, found)
}

func TestContainerRuntime_Run_CancellationRemovesContainer(t *testing.T) {
	runner := &fakeContainerRunner{containerID: "c1"}
	a := NewContainerRuntime(runner, "sandbox:latest")
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Run(ctx, &domain.RunRequest{RunID: "run-1", Command: "sleep 1"}, "/ws", sink)

	require.Error(t, err)
	var cancelErr *CancellationError
	require.ErrorAs(t, err, &cancelErr)
	require.Equal(t, []string{"c1"}, runner.removed)
}
