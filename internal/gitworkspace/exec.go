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

package gitworkspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/tombee/orchestrator/internal/config"
)

// CommandError is a git/gh invocation failure, formatted per spec §4.3's
// git invocation contract.
type CommandError struct {
	Operation string
	ExitCode  int
	Output    string
	AuthCtx   string // set for clone/fetch only
}

func (e *CommandError) Error() string {
	line := firstFatalLine(e.Output)
	msg := fmt.Sprintf("%s failed (exit %d): %s", e.Operation, e.ExitCode, line)
	if e.AuthCtx != "" {
		msg += " [" + e.AuthCtx + "]"
	}
	return msg
}

// firstFatalLine returns the first line containing "fatal:" in output,
// or the whole (joined) output if none matches.
func firstFatalLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "fatal:") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(strings.ReplaceAll(output, "\n", " "))
}

// runner executes git/gh with the contract env vars inherited and
// captures combined output. Every clone/fetch invocation's error is
// annotated with an auth-context string by the caller.
type runner struct {
	cfg *config.Config
}

// run executes name with args in dir, returning combined stdout+stderr.
// extraEnv is appended after the contract env vars (SSH_AUTH_SOCK,
// GIT_SSH_COMMAND, HOME, GIT_TERMINAL_PROMPT=0) so callers can override.
func (r *runner) run(ctx context.Context, dir, operation, name string, args []string, extraEnv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(r.baseEnv(), extraEnv...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if err == nil {
		return output, nil
	}

	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	return output, &CommandError{Operation: operation, ExitCode: exitCode, Output: output}
}

// baseEnv starts from the process environment (so PATH and friends
// resolve normally) and forces the git invocation contract's vars:
// GIT_TERMINAL_PROMPT=0 plus SSH_AUTH_SOCK, GIT_SSH_COMMAND, HOME taken
// from config rather than whatever the worker process happened to
// inherit.
func (r *runner) baseEnv() []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "GIT_TERMINAL_PROMPT=0")
	if r.cfg.SSHAuthSock != "" {
		env = append(env, "SSH_AUTH_SOCK="+r.cfg.SSHAuthSock)
	}
	if r.cfg.GitSSHCommand != "" {
		env = append(env, "GIT_SSH_COMMAND="+r.cfg.GitSSHCommand)
	}
	if r.cfg.Home != "" {
		env = append(env, "HOME="+r.cfg.Home)
	}
	return env
}
