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

// Package config reads the environment variables the worker honors.
// Loading config from files or flags is out of scope for this core; the
// worker binary is the only caller that constructs one of these.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the set of environment variables honored by the run
// pipeline, per spec §6. Every field is read once at worker startup;
// nothing here is re-read mid-run.
type Config struct {
	DefaultBranch string

	GitCommitterName  string
	GitCommitterEmail string
	GitAuthorName     string
	GitAuthorEmail    string

	GitHubToken   string
	GHToken       string
	SSHAuthSock   string
	GitSSHCommand string
	Home          string

	WorkerSSHAvailable bool

	HarnessMode          string
	HarnessRuntimeMode   string
	HarnessExecutionMode string
	Prompt               string
	Harness              string

	// Worker-daemon process configuration (cmd/orchestrator-worker).
	WorkerID          string
	MaxSlots          int
	LedgerPath        string
	WorkspacesRoot    string
	GatewayAddr       string
	MetricsAddr       string
	SandboxImage      string
	ReconcileInterval time.Duration
	DrainTimeout      time.Duration
	TraceSampleRatio  float64
	PIDFilePath       string
}

// defaultCommitterName and defaultCommitterEmail are used when the
// worker's environment sets none of GIT_COMMITTER_*/GIT_AUTHOR_*.
const (
	defaultCommitterName  = "AgentsDashboard Bot"
	defaultCommitterEmail = "agentsdashboard-bot@local"
)

// FromEnv reads Config from the process environment.
func FromEnv() *Config {
	cfg := &Config{
		DefaultBranch: os.Getenv("DEFAULT_BRANCH"),

		GitCommitterName:  os.Getenv("GIT_COMMITTER_NAME"),
		GitCommitterEmail: os.Getenv("GIT_COMMITTER_EMAIL"),
		GitAuthorName:     os.Getenv("GIT_AUTHOR_NAME"),
		GitAuthorEmail:    os.Getenv("GIT_AUTHOR_EMAIL"),

		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
		GHToken:       os.Getenv("GH_TOKEN"),
		SSHAuthSock:   os.Getenv("SSH_AUTH_SOCK"),
		GitSSHCommand: os.Getenv("GIT_SSH_COMMAND"),
		Home:          os.Getenv("HOME"),

		WorkerSSHAvailable: os.Getenv("WORKER_SSH_AVAILABLE") != "false",

		HarnessMode:          os.Getenv("HARNESS_MODE"),
		HarnessRuntimeMode:   os.Getenv("HARNESS_RUNTIME_MODE"),
		HarnessExecutionMode: os.Getenv("HARNESS_EXECUTION_MODE"),
		Prompt:               os.Getenv("PROMPT"),
		Harness:              os.Getenv("HARNESS"),

		WorkerID:          firstNonEmpty(os.Getenv("WORKER_ID"), "worker-1"),
		MaxSlots:          envInt("MAX_SLOTS", 4),
		LedgerPath:        firstNonEmpty(os.Getenv("LEDGER_PATH"), "./orchestrator-ledger.db"),
		WorkspacesRoot:    firstNonEmpty(os.Getenv("WORKSPACES_ROOT"), "./workspaces"),
		GatewayAddr:       firstNonEmpty(os.Getenv("GATEWAY_ADDR"), ":7530"),
		MetricsAddr:       firstNonEmpty(os.Getenv("METRICS_ADDR"), ":7531"),
		SandboxImage:      firstNonEmpty(os.Getenv("SANDBOX_IMAGE"), "ghcr.io/tombee/orchestrator-sandbox:latest"),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL_SECONDS", 60*time.Second),
		DrainTimeout:      envDuration("DRAIN_TIMEOUT_SECONDS", 30*time.Second),
		TraceSampleRatio:  envFloat("TRACE_SAMPLE_RATIO", 0),
		PIDFilePath:       os.Getenv("PID_FILE"),
	}
	return cfg
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return time.Duration(v) * time.Second
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

// CommitIdentity resolves the committer/author name and email to use for
// a commit, falling back GIT_COMMITTER_* -> GIT_AUTHOR_* -> the fixed
// bot identity, per spec §4.3 step 3.
func (c *Config) CommitIdentity() (name, email string) {
	name = firstNonEmpty(c.GitCommitterName, c.GitAuthorName, defaultCommitterName)
	email = firstNonEmpty(c.GitCommitterEmail, c.GitAuthorEmail, defaultCommitterEmail)
	return name, email
}

// GitHubAuthToken returns the token to use for gh/HTTPS auth, preferring
// GH_TOKEN over GITHUB_TOKEN (gh's own precedence).
func (c *Config) GitHubAuthToken() string {
	return firstNonEmpty(c.GHToken, c.GitHubToken)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
