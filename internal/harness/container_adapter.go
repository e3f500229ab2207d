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
	"fmt"

	"golang.org/x/sync/errgroup"

	containerpkg "github.com/tombee/orchestrator/internal/container"
	"github.com/tombee/orchestrator/internal/domain"
)

// ContainerRunner is the subset of *container.Executor a ContainerRuntime
// depends on.
type ContainerRunner interface {
	Create(ctx context.Context, spec containerpkg.Spec) (string, error)
	StreamLogs(ctx context.Context, containerID, expectedRunID string, onChunk func([]byte)) error
	Wait(ctx context.Context, containerID string) (int, error)
	Remove(ctx context.Context, containerID string) error
}

// ContainerRuntime runs req.Command inside a sandboxed container built
// from image, bind-mounting the workspace at /workspace, rather than
// directly on the worker host. It registers under the same "command"
// name as CommandRuntime: whichever one RegisterDefaultAdapters wires
// in is the actual universal fallback, and only one of the two is ever
// registered for a given worker.
type ContainerRuntime struct {
	runner ContainerRunner
	image  string
}

// NewContainerRuntime creates a ContainerRuntime that runs every
// invocation in a fresh container from image.
func NewContainerRuntime(runner ContainerRunner, image string) *ContainerRuntime {
	return &ContainerRuntime{runner: runner, image: image}
}

func (a *ContainerRuntime) Name() string { return "command" }

func (a *ContainerRuntime) Run(ctx context.Context, req *domain.RunRequest, workspacePath string, sink EventSink) (*RuntimeResult, error) {
	sink.Emit(domain.EventRunLifecycle, "starting containerized command runtime", nil)

	command := req.Command
	if command == "" {
		command = req.Prompt
	}

	labels := map[string]string{
		domain.LabelRunID:  req.RunID,
		domain.LabelTaskID: req.TaskID,
		domain.LabelRepoID: req.RepositoryID,
	}
	for k, v := range req.ContainerLabels {
		labels[k] = v
	}

	containerID, err := a.runner.Create(ctx, containerpkg.Spec{
		Image:             a.image,
		Cmd:               []string{"sh", "-c", command},
		Env:               req.Env,
		Labels:            labels,
		WorkspaceHostPath: workspacePath,
		Sandbox:           req.SandboxProfile,
	})
	if err != nil {
		return nil, err
	}

	var exitCode int
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.runner.StreamLogs(groupCtx, containerID, req.RunID, func(chunk []byte) {
			if wire, ok := ParseWireEvent(chunk); ok {
				sink.Emit(wire.Type, wire.Content, wire.Metadata)
				return
			}
			sink.Emit(domain.EventCommandDelta, string(chunk), nil)
		})
	})
	group.Go(func() error {
		code, err := a.runner.Wait(groupCtx, containerID)
		exitCode = code
		return err
	})
	waitErr := group.Wait()

	if ctx.Err() != nil {
		_ = a.runner.Remove(context.Background(), containerID)
		return nil, &CancellationError{Cause: ctx.Err()}
	}

	envelope := &domain.RunEnvelope{}
	switch {
	case waitErr != nil:
		envelope.Status = domain.EnvelopeFailed
		envelope.Summary = "Harness execution crashed"
		envelope.Error = waitErr.Error()
	case exitCode != 0:
		envelope.Status = domain.EnvelopeFailed
		envelope.Summary = "Command exited non-zero"
		envelope.Error = fmt.Sprintf("exit code %d", exitCode)
	default:
		envelope.Status = domain.EnvelopeSucceeded
		envelope.Summary = "Command completed"
	}

	sink.Emit(domain.EventRunCompleted, string(envelope.Status), map[string]string{"status": string(envelope.Status)})
	return &RuntimeResult{Envelope: envelope}, nil
}
