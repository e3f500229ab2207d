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
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// mcpServerEntry is one inline server definition inside a run request's
// mcpConfigJson, shaped after the teacher's (file-based, global)
// MCPServerEntry but validated per-run rather than loaded from disk.
type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type mcpInlineConfig struct {
	Servers map[string]mcpServerEntry `json:"servers"`
}

var serverNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

var shellInjectionPatterns = []string{";", "&&", "||", "|", "`", "$(", "${", "\n", "\r"}

// sensitiveEnvKeyPatterns flags env keys that likely carry secrets, so
// diagnostics never echo their values.
var sensitiveEnvKeyPatterns = []string{"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH", "API_KEY"}

// ValidateMCPConfig parses and validates an inline mcpConfigJson string,
// grounded on the teacher's MCP server-name/command/arg/env validation
// (internal/mcp/config.go) retargeted from a global YAML file to an
// inline per-run JSON blob. Returns the number of server entries
// (mcpInstallActionCount) and any diagnostics (joined by the caller).
func ValidateMCPConfig(raw string) (valid bool, installActionCount int, diagnostics []string) {
	if strings.TrimSpace(raw) == "" {
		return true, 0, nil
	}

	var cfg mcpInlineConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return false, 0, []string{"invalid mcpConfigJson: " + err.Error()}
	}

	var diags []string
	for name, entry := range cfg.Servers {
		installActionCount++
		if !serverNameRe.MatchString(name) {
			diags = append(diags, fmt.Sprintf("server %q: invalid name", name))
			continue
		}
		if err := validateCommand(entry.Command); err != nil {
			diags = append(diags, fmt.Sprintf("server %q: %s", name, err))
			continue
		}
		for _, arg := range entry.Args {
			if containsShellInjection(arg) {
				diags = append(diags, fmt.Sprintf("server %q: argument contains shell metacharacters", name))
				break
			}
		}
		for k := range entry.Env {
			if isSensitiveEnvKey(k) {
				continue // presence is fine, only the value must never be logged
			}
			if containsShellInjection(k) {
				diags = append(diags, fmt.Sprintf("server %q: env key %q contains shell metacharacters", name, k))
			}
		}
	}

	return len(diags) == 0, installActionCount, diags
}

func validateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("command is required")
	}
	if containsShellInjection(command) {
		return fmt.Errorf("command contains shell metacharacters")
	}
	if strings.Contains(command, "/") {
		return nil // absolute/relative path; existence checked by the harness at spawn time
	}
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("command %q not found on PATH", command)
	}
	return nil
}

func containsShellInjection(s string) bool {
	for _, pattern := range shellInjectionPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

func isSensitiveEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, pattern := range sensitiveEnvKeyPatterns {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}
