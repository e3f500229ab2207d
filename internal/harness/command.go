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
	"io"
	"os"
	"os/exec"

	"github.com/tombee/orchestrator/internal/domain"
)

// CommandRuntime is the universal fallback adapter: it runs
// req.Command as a shell command in the workspace, streaming combined
// stdout/stderr line by line, and reports success/failure from the
// process exit code. It has no structured protocol of its own: a line
// that parses as a harness-runtime-event wire envelope is forwarded as
// that typed event, and every other line becomes a CommandDelta event.
type CommandRuntime struct{}

// NewCommandRuntime creates a CommandRuntime adapter.
func NewCommandRuntime() *CommandRuntime { return &CommandRuntime{} }

func (a *CommandRuntime) Name() string { return "command" }

func (a *CommandRuntime) Run(ctx context.Context, req *domain.RunRequest, workspacePath string, sink EventSink) (*RuntimeResult, error) {
	sink.Emit(domain.EventRunLifecycle, "starting command runtime", nil)

	command := req.Command
	if command == "" {
		command = req.Prompt
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workspacePath
	cmd.Env = commandEnv(req)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if wire, ok := ParseWireEvent([]byte(line)); ok {
				sink.Emit(wire.Type, wire.Content, wire.Metadata)
				continue
			}
			sink.Emit(domain.EventCommandDelta, line, nil)
		}
		close(done)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	envelope := &domain.RunEnvelope{}
	if ctx.Err() != nil {
		return nil, &CancellationError{Cause: ctx.Err()}
	}
	if waitErr != nil {
		envelope.Status = domain.EnvelopeFailed
		envelope.Summary = "Harness execution crashed"
		envelope.Error = waitErr.Error()
	} else {
		envelope.Status = domain.EnvelopeSucceeded
		envelope.Summary = "Command completed"
	}

	sink.Emit(domain.EventRunCompleted, string(envelope.Status), map[string]string{"status": string(envelope.Status)})
	return &RuntimeResult{Envelope: envelope}, nil
}

// commandEnv builds the subprocess environment: the worker's own
// process environment plus req.Env overrides.
func commandEnv(req *domain.RunRequest) []string {
	env := append([]string{}, os.Environ()...)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}
