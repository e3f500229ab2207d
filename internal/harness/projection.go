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
	"encoding/json"
	"strings"

	"github.com/tombee/orchestrator/internal/domain"
)

// structuredPayload is the shape of an embedded structured JSON event,
// as described in §4.4's event-to-category projection.
type structuredPayload struct {
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schemaVersion,omitempty"`
	Properties    json.RawMessage `json:"properties,omitempty"`
}

// categoryMap projects a raw type string onto the canonical category
// per §4.4's table.
func categoryMap(rawType string) string {
	t := strings.ToLower(rawType)
	switch {
	case t == "":
		return "run.lifecycle"
	case t == "reasoning_delta":
		return "reasoning.delta"
	case t == "assistant_delta":
		return "assistant.delta"
	case t == "command_output":
		return "command.delta"
	case t == "diff_update":
		return "diff.updated"
	case t == "diagnostic" || t == "error":
		return "error"
	case t == "completion":
		return "run.completed"
	case t == "log" || strings.HasPrefix(t, "session."):
		if t == "session.usage" {
			return "usage.updated"
		}
		return "run.lifecycle"
	case strings.HasPrefix(t, "message.part."):
		return "assistant.delta"
	case t == "usage.updated":
		return "usage.updated"
	default:
		return t
	}
}

// Project turns one RuntimeEvent's content into a JobEvent's category
// and payload, preferring embedded structured JSON over the event's own
// Type when content looks like a structured payload object.
// structuredProtocolVersion is the request-provided fallback used when
// the embedded payload has no schemaVersion (§9's documented
// precedence: embedded payload > request value > default).
func Project(event domain.RuntimeEvent, structuredProtocolVersion string) (category, payloadJSON, schemaVersion string) {
	content := strings.TrimSpace(event.Content)
	if strings.HasPrefix(content, "{") {
		var payload structuredPayload
		if err := json.Unmarshal([]byte(content), &payload); err == nil && payload.Type != "" {
			category = categoryMap(payload.Type)
			schemaVersion = firstNonEmpty(payload.SchemaVersion, structuredProtocolVersion, domain.DefaultSchemaVersion)
			if len(payload.Properties) > 0 {
				payloadJSON = string(payload.Properties)
			} else {
				payloadJSON = content
			}
			return category, payloadJSON, schemaVersion
		}
	}

	category = eventTypeCategory(event.Type)
	schemaVersion = firstNonEmpty(structuredProtocolVersion, domain.DefaultSchemaVersion)
	return category, "", schemaVersion
}

// eventTypeCategory maps an adapter-assigned RuntimeEventType directly
// onto a canonical category when the event carries no embedded
// structured JSON payload to project from instead.
func eventTypeCategory(t domain.RuntimeEventType) string {
	switch t {
	case domain.EventRunLifecycle:
		return "run.lifecycle"
	case domain.EventAssistantDelta:
		return "assistant.delta"
	case domain.EventReasoningDelta:
		return "reasoning.delta"
	case domain.EventCommandDelta:
		return "command.delta"
	case domain.EventDiffUpdated:
		return "diff.updated"
	case domain.EventUsageUpdated:
		return "usage.updated"
	case domain.EventDiagnostic, domain.EventError:
		return "error"
	case domain.EventRunCompleted:
		return "run.completed"
	default:
		return "run.lifecycle"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
