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

// Package container implements the ContainerExecutor (C6): container
// create/start/stream-logs/wait/remove/kill-by-runId plus the
// label-based lookup the OrphanReconciler (C8) builds on. Grounded on
// the docker-backed executors in the retrieval pack's other example
// repos (asabla-conductor's executor.NewContainerExecutor,
// codepr-narwhal's runner pool), adapted to the modern
// github.com/docker/docker v28 API surface (container.StartOptions
// etc., not the deprecated types.*Options shapes those older examples
// use).
package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/tombee/orchestrator/internal/domain"
	orcherrors "github.com/tombee/orchestrator/pkg/errors"
)

// Spec describes the container to create for one run.
type Spec struct {
	Image             string
	Cmd               []string
	Env               map[string]string
	Labels            map[string]string
	WorkspaceHostPath string
	ArtifactsHostPath string
	Sandbox           domain.SandboxProfile
}

// Executor wraps a docker client to implement ContainerExecutor.
type Executor struct {
	cli *client.Client
}

// NewExecutor creates an Executor from the standard Docker environment
// (DOCKER_HOST, DOCKER_CERT_PATH, …).
func NewExecutor() (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, orcherrors.Wrap(err, "container: create docker client")
	}
	return &Executor{cli: cli}, nil
}

// Create builds and starts a container from spec, enforcing the
// sandbox profile from §4.5: dropped capabilities, no-new-privileges,
// readonly rootfs with tmpfs scratch space when requested, and
// network disablement.
func (e *Executor) Create(ctx context.Context, spec Spec) (string, error) {
	for _, required := range []string{domain.LabelRunID, domain.LabelTaskID, domain.LabelRepoID} {
		if _, ok := spec.Labels[required]; !ok {
			return "", fmt.Errorf("container: missing required label %s", required)
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    env,
		Labels: spec.Labels,
	}

	hostCfg := &container.HostConfig{
		AutoRemove:     true,
		ReadonlyRootfs: spec.Sandbox.ReadOnlyRootFS,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
	}

	if spec.Sandbox.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(spec.Sandbox.CPULimit * 1e9)
	}
	hostCfg.Memory = spec.Sandbox.MemoryBytes
	if hostCfg.Memory <= 0 {
		hostCfg.Memory = ParseMemoryLimit("")
	}

	if spec.Sandbox.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	if spec.Sandbox.ReadOnlyRootFS {
		hostCfg.Tmpfs = map[string]string{
			"/tmp":     "size=100m",
			"/var/tmp": "size=50m",
		}
	}

	if spec.WorkspaceHostPath != "" {
		hostCfg.Binds = append(hostCfg.Binds, spec.WorkspaceHostPath+":/workspace:rw")
		cfg.WorkingDir = "/workspace"
	}
	if spec.ArtifactsHostPath != "" {
		if err := os.MkdirAll(spec.ArtifactsHostPath, 0o755); err != nil {
			return "", orcherrors.Wrap(err, "container: create artifacts host path")
		}
		hostCfg.Binds = append(hostCfg.Binds, spec.ArtifactsHostPath+":/artifacts:rw")
	}
	cfg.User = "1000:1000"

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", orcherrors.Wrap(err, "container: create")
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", orcherrors.Wrap(err, "container: start")
	}

	return resp.ID, nil
}

// StreamLogs reads merged stdout+stderr as UTF-8 chunks, flushing
// onChunk when accumulated output reaches 4096 bytes or on EOF, and
// stopping (without awaiting further chunks) if ctx is cancelled. It
// verifies the container's orchestrator.run-id label matches
// expectedRunID before attaching.
func (e *Executor) StreamLogs(ctx context.Context, containerID, expectedRunID string, onChunk func([]byte)) error {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return orcherrors.Wrap(err, "container: inspect before log attach")
	}
	if inspect.Config == nil || inspect.Config.Labels[domain.LabelRunID] != expectedRunID {
		return fmt.Errorf("container: run-id label mismatch on %s", containerID)
	}

	out, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return orcherrors.Wrap(err, "container: attach logs")
	}
	defer out.Close()

	const flushSize = 4096
	buf := make([]byte, 0, flushSize)
	reader := bufio.NewReaderSize(out, flushSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		chunk := make([]byte, flushSize)
		n, readErr := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) >= flushSize {
				onChunk(buf)
				buf = make([]byte, 0, flushSize)
			}
		}
		if readErr != nil {
			if len(buf) > 0 {
				onChunk(buf)
			}
			if readErr == io.EOF {
				return nil
			}
			return orcherrors.Wrap(readErr, "container: read logs")
		}
	}
}

// Wait blocks until containerID exits, returning its integer exit
// status.
func (e *Executor) Wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, orcherrors.Wrap(err, "container: wait")
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Remove force-removes containerID; a missing container is not an
// error.
func (e *Executor) Remove(ctx context.Context, containerID string) error {
	err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return orcherrors.Wrap(err, "container: remove")
	}
	return nil
}

// KillByRunID looks up the container labeled with runID and either
// force-removes it or gracefully stops it (5s grace window) depending
// on force.
func (e *Executor) KillByRunID(ctx context.Context, runID string, force bool) error {
	containers, err := e.ListByLabelValue(ctx, domain.LabelRunID, runID)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		return nil
	}

	for _, c := range containers {
		if force {
			if err := e.Remove(ctx, c.ContainerID); err != nil {
				return err
			}
			continue
		}
		timeout := 5
		if err := e.cli.ContainerStop(ctx, c.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
			return orcherrors.Wrap(err, "container: stop")
		}
	}
	return nil
}

// ListByLabel returns every container whose labels contain labelKey,
// regardless of value — the sole predicate for "is an orchestrator
// container" used by the OrphanReconciler.
func (e *Executor) ListByLabel(ctx context.Context, labelKey string) ([]domain.OrchestratorContainer, error) {
	f := filters.NewArgs(filters.Arg("label", labelKey))
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, orcherrors.Wrap(err, "container: list by label")
	}
	return toOrchestratorContainers(summaries), nil
}

// ListByLabelValue returns every container whose labelKey equals value.
func (e *Executor) ListByLabelValue(ctx context.Context, labelKey, value string) ([]domain.OrchestratorContainer, error) {
	f := filters.NewArgs(filters.Arg("label", labelKey+"="+value))
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, orcherrors.Wrap(err, "container: list by label value")
	}
	return toOrchestratorContainers(summaries), nil
}

func toOrchestratorContainers(summaries []container.Summary) []domain.OrchestratorContainer {
	out := make([]domain.OrchestratorContainer, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, domain.OrchestratorContainer{
			ContainerID: s.ID,
			RunID:       s.Labels[domain.LabelRunID],
			TaskID:      s.Labels[domain.LabelTaskID],
			RepoID:      s.Labels[domain.LabelRepoID],
			State:       s.State,
			Image:       s.Image,
			CreatedAt:   time.Unix(s.Created, 0).UTC(),
		})
	}
	return out
}

// Close releases the underlying docker client.
func (e *Executor) Close() error {
	return e.cli.Close()
}
