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

package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"

	"github.com/tombee/orchestrator/internal/domain"
)

// ProbeMCPServers spawns each server in an inline mcpConfigJson over
// stdio and starts it, grounded on the teacher's mcp.Client.NewClient
// (internal/mcp/client.go), retargeted from a long-lived tool-calling
// client to a one-shot liveness probe run before a task's container
// starts. No MCP initialize handshake is sent: a server counts as up
// once its process starts within timeout. Every server produces one
// domain.Action ("started", or why it was rejected or failed to spawn
// or start) so the run's envelope records which MCP installs came up,
// independent of the static syntax check in ValidateMCPConfig.
func ProbeMCPServers(ctx context.Context, raw string, timeout time.Duration) []domain.Action {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cfg mcpInlineConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil
	}

	actions := make([]domain.Action, 0, len(cfg.Servers))
	for name, entry := range cfg.Servers {
		actions = append(actions, probeOne(ctx, name, entry, timeout))
	}
	return actions
}

func probeOne(ctx context.Context, name string, entry mcpServerEntry, timeout time.Duration) domain.Action {
	if err := validateCommand(entry.Command); err != nil {
		return domain.Action{Kind: "mcp_install", Detail: fmt.Sprintf("%s: rejected before spawn: %s", name, err)}
	}

	env := make([]string, 0, len(entry.Env))
	for k, v := range entry.Env {
		env = append(env, k+"="+v)
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mcpClient, err := client.NewStdioMCPClient(entry.Command, env, entry.Args...)
	if err != nil {
		return domain.Action{Kind: "mcp_install", Detail: fmt.Sprintf("%s: failed to spawn: %s", name, err)}
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(probeCtx); err != nil {
		return domain.Action{Kind: "mcp_install", Detail: fmt.Sprintf("%s: failed to start: %s", name, err)}
	}

	return domain.Action{Kind: "mcp_install", Detail: fmt.Sprintf("%s: started", name)}
}
