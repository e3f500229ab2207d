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
	"errors"
	"strings"

	"github.com/tombee/orchestrator/internal/domain"
)

// route is one entry of the §4.4 routing table.
type route struct {
	primary  string
	fallback string // "" means no fallback
	mode     string // advertised mode
}

// normalizeHarness lower-cases and trims a harness identifier so
// "Claude Code", "claude-code" and "claude_code" all resolve the same
// way.
func normalizeHarness(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, "_", "-")
	h = strings.ReplaceAll(h, " ", "-")
	return h
}

func resolveRoute(harness, mode string) route {
	h := normalizeHarness(harness)
	m := strings.ToLower(strings.TrimSpace(mode))

	switch h {
	case "codex":
		if m == "command" {
			return route{primary: "command", mode: "command"}
		}
		return route{primary: "codex-app-server", fallback: "command", mode: "app-server"}
	case "opencode", "open-code":
		return route{primary: "opencode-sse", mode: "sse"}
	case "claude", "claude-code":
		return route{primary: "claude-stream", fallback: "command", mode: "stream-json"}
	case "zai":
		return route{primary: "zai-claude-compatible", fallback: "command", mode: "stream-json"}
	default:
		return route{primary: "command", mode: "command"}
	}
}

// Router is the HarnessRuntimeRouter (C4): it selects a primary (and
// optional fallback) RuntimeAdapter from (harness, mode) and runs the
// fallback-on-failure protocol from §4.4.
type Router struct {
	adapters map[string]RuntimeAdapter
}

// NewRouter creates a Router with no adapters registered.
func NewRouter() *Router {
	return &Router{adapters: make(map[string]RuntimeAdapter)}
}

// Register adds adapter to the registry under its own Name().
func (r *Router) Register(adapter RuntimeAdapter) {
	r.adapters[adapter.Name()] = adapter
}

// AdvertisedMode returns the wire-facing mode for (harness, mode),
// e.g. "app-server" for codex's default structured route.
func (r *Router) AdvertisedMode(harness, mode string) string {
	return resolveRoute(harness, mode).mode
}

// Run selects the primary adapter for req and executes it, falling
// back to the secondary adapter on a non-cancellation error per §4.4.
// sink receives events from whichever adapter actually ran (and, if a
// fallback occurs, first a Diagnostic event describing the primary's
// failure).
func (r *Router) Run(ctx context.Context, req *domain.RunRequest, workspacePath string, sink EventSink) (*RuntimeResult, string, error) {
	rt := resolveRoute(req.Harness, req.Mode)

	primary, ok := r.adapters[rt.primary]
	if !ok {
		return nil, "", errNoAdapter(rt.primary)
	}

	result, err := primary.Run(ctx, req, workspacePath, sink)
	if err == nil {
		return result, rt.primary, nil
	}

	var cancelErr *CancellationError
	if errors.As(err, &cancelErr) || rt.fallback == "" {
		return nil, rt.primary, err
	}

	sink.Emit(domain.EventDiagnostic, "Structured runtime '"+rt.primary+"' failed: "+err.Error(), map[string]string{
		"structuredRuntimeFallback": "true",
		"structuredRuntimeFailure":  err.Error(),
	})

	fallback, ok := r.adapters[rt.fallback]
	if !ok {
		return nil, rt.primary, errNoAdapter(rt.fallback)
	}
	result, fbErr := fallback.Run(ctx, req, workspacePath, sink)
	if fbErr != nil {
		return nil, rt.fallback, fbErr
	}
	if result.Envelope != nil {
		result.Envelope.SetMetadata("structuredRuntimeFallback", "true")
		result.Envelope.SetMetadata("structuredRuntimeFailure", err.Error())
	}
	return result, rt.fallback, nil
}

func errNoAdapter(name string) error {
	return errors.New("harness: no adapter registered for " + name)
}
