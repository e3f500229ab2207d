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
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync/atomic"

	"github.com/tombee/orchestrator/internal/domain"
)

// StreamingAdapter runs a named agent-harness CLI binary as a
// subprocess and interprets its stdout as a sequence of structured
// runtime events (the harness-runtime-event wire envelope, or one
// structured JSON object per line). The concrete harnesses named in
// §4.4 (Codex app-server, Claude's stream-json, OpenCode's SSE client,
// Zai's Claude-compatible stream) are external collaborators per §1 —
// this adapter is the pluggable seam their actual processes attach to;
// building one per harness is a matter of supplying its binary name
// and argv.
type StreamingAdapter struct {
	name       string
	binaryName string
	buildArgs  func(req *domain.RunRequest) []string
}

// NewStreamingAdapter creates a StreamingAdapter registered under name,
// invoking binaryName with the argv buildArgs computes from the
// request.
func NewStreamingAdapter(name, binaryName string, buildArgs func(req *domain.RunRequest) []string) *StreamingAdapter {
	return &StreamingAdapter{name: name, binaryName: binaryName, buildArgs: buildArgs}
}

func (a *StreamingAdapter) Name() string { return a.name }

func (a *StreamingAdapter) Run(ctx context.Context, req *domain.RunRequest, workspacePath string, sink EventSink) (*RuntimeResult, error) {
	if _, err := exec.LookPath(a.binaryName); err != nil {
		return nil, errors.New("harness: " + a.binaryName + " not found on PATH: " + err.Error())
	}

	sink.Emit(domain.EventRunLifecycle, "starting "+a.name, nil)

	cmd := exec.CommandContext(ctx, a.binaryName, a.buildArgs(req)...)
	cmd.Dir = workspacePath
	cmd.Env = commandEnv(req)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var lastUsagePayload atomic.Value
	done := make(chan struct{}, 2)
	go drainStream(stdout, sink, done, &lastUsagePayload)
	go drainStream(stderrPipe, sink, done, &lastUsagePayload)
	<-done
	<-done

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, &CancellationError{Cause: ctx.Err()}
	}

	envelope := &domain.RunEnvelope{}
	if waitErr != nil {
		envelope.Status = domain.EnvelopeFailed
		envelope.Summary = "Harness execution crashed"
		envelope.Error = waitErr.Error()
	} else {
		envelope.Status = domain.EnvelopeSucceeded
		envelope.Summary = a.name + " completed"
	}
	if raw, ok := lastUsagePayload.Load().(string); ok && raw != "" {
		envelope.RawOutputRef = raw
	}

	sink.Emit(domain.EventRunCompleted, string(envelope.Status), map[string]string{"status": string(envelope.Status)})
	return &RuntimeResult{Envelope: envelope}, nil
}

// drainStream reads r line by line, projecting each line into a
// RuntimeEvent: a line matching the structured wire envelope is
// forwarded as-is (preserving the adapter's own sequence numbering
// intent — the Sink still assigns the canonical sequence); anything
// else becomes an AssistantDelta, since these harnesses' default
// output is natural-language assistant text, not raw command output.
// The most recent UsageUpdated event's content is stashed in
// lastUsagePayload so the caller can stamp it onto the envelope for
// EnvelopeFinalizer's jq-based metric extraction.
func drainStream(r io.Reader, sink EventSink, done chan<- struct{}, lastUsagePayload *atomic.Value) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if wire, ok := ParseWireEvent([]byte(line)); ok {
			sink.Emit(wire.Type, wire.Content, wire.Metadata)
			if wire.Type == domain.EventUsageUpdated && wire.Content != "" {
				lastUsagePayload.Store(wire.Content)
			}
			continue
		}
		sink.Emit(domain.EventAssistantDelta, line, nil)
	}
}

// RegisterDefaultAdapters wires the universal fallback plus a
// StreamingAdapter per named harness in §4.4's routing table into
// router. When containerRunner is non-nil, the fallback route runs
// inside a container built from containerImage (the production
// configuration); a nil containerRunner falls back to running
// directly on the worker host, which is what the test suite and a
// docker-less worker use.
func RegisterDefaultAdapters(router *Router, containerRunner ContainerRunner, containerImage string) {
	if containerRunner != nil {
		router.Register(NewContainerRuntime(containerRunner, containerImage))
	} else {
		router.Register(NewCommandRuntime())
	}
	router.Register(NewStreamingAdapter("codex-app-server", "codex", func(req *domain.RunRequest) []string {
		return []string{"app-server", "--prompt", req.Prompt}
	}))
	router.Register(NewStreamingAdapter("opencode-sse", "opencode", func(req *domain.RunRequest) []string {
		return []string{"run", "--sse", "--prompt", req.Prompt}
	}))
	router.Register(NewStreamingAdapter("claude-stream", "claude", func(req *domain.RunRequest) []string {
		return []string{"--print", "--output-format", "stream-json", req.Prompt}
	}))
	router.Register(NewStreamingAdapter("zai-claude-compatible", "claude", func(req *domain.RunRequest) []string {
		return []string{"--print", "--output-format", "stream-json", "--zai-compatible", req.Prompt}
	}))
}
