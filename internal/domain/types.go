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

// Package domain holds the wire and storage types shared across the
// dispatch, workspace, harness, container and ledger packages. Keeping
// them in one leaf package avoids import cycles between components that
// all need to see a RunRequest or a RunEnvelope.
package domain

import "time"

// RunState is a run's position in the ledger state machine.
type RunState string

const (
	RunQueued    RunState = "Queued"
	RunRunning   RunState = "Running"
	RunSucceeded RunState = "Succeeded"
	RunFailed    RunState = "Failed"
	RunCancelled RunState = "Cancelled"
	RunObsolete  RunState = "Obsolete"
)

// SandboxProfile bounds the resources a run's container may consume.
type SandboxProfile struct {
	CPULimit       float64 `json:"cpuLimit"`
	MemoryBytes    int64   `json:"memoryBytes"`
	NetworkDisabled bool   `json:"networkDisabled"`
	ReadOnlyRootFS bool    `json:"readOnlyRootFs"`
}

// ArtifactPolicy bounds artifact extraction after a run.
type ArtifactPolicy struct {
	MaxArtifacts  int   `json:"maxArtifacts"`
	MaxTotalBytes int64 `json:"maxTotalBytes"`
}

// InputPart is one piece of a multi-part prompt (text, file reference, …).
type InputPart struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// ImageAttachment is a single image reference attached to a run's prompt.
type ImageAttachment struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// RunRequest is the immutable dispatch input for one run. runId is the
// system-wide unique key; callers must not mutate a RunRequest after
// submitting it, and adapters must not retain it past their run call.
type RunRequest struct {
	RunID             string            `json:"runId"`
	RepositoryID      string            `json:"repositoryId"`
	TaskID            string            `json:"taskId"`
	Harness           string            `json:"harness"`
	Mode              string            `json:"mode"`
	Prompt            string            `json:"prompt"`
	Command           string            `json:"command,omitempty"`
	TimeoutSec        int               `json:"timeoutSec"`
	SandboxProfile    SandboxProfile    `json:"sandboxProfile"`
	ArtifactPolicy    ArtifactPolicy    `json:"artifactPolicy"`
	Env               map[string]string `json:"env,omitempty"`
	ContainerLabels   map[string]string `json:"containerLabels,omitempty"`
	CloneURL          string            `json:"cloneUrl"`
	Branch            string            `json:"branch,omitempty"`
	InputParts        []InputPart       `json:"inputParts,omitempty"`
	ImageAttachments  []ImageAttachment `json:"imageAttachments,omitempty"`
	MCPConfigJSON     string            `json:"mcpConfigJson,omitempty"`
}

// RunLedgerEntry is the durable record of one run's lifecycle.
type RunLedgerEntry struct {
	RunID       string     `json:"runId"`
	TaskID      string     `json:"taskId"`
	State       RunState   `json:"state"`
	Summary     string     `json:"summary"`
	PayloadJSON string     `json:"payloadJson,omitempty"`
	RequestJSON string     `json:"requestJson"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// EnvelopeStatus is the outcome reported by a RuntimeAdapter.
type EnvelopeStatus string

const (
	EnvelopeSucceeded EnvelopeStatus = "succeeded"
	EnvelopeFailed    EnvelopeStatus = "failed"
	EnvelopeUnknown   EnvelopeStatus = "unknown"
)

// Artifact is one file extracted from a run's workspace after completion.
type Artifact struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Action is a side-effecting action an adapter reports having taken
// (e.g. an MCP tool install) independent of the diff it produced.
type Action struct {
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
}

// RunEnvelope is the canonical result object returned by a RuntimeAdapter
// and finalized by the EnvelopeFinalizer.
type RunEnvelope struct {
	Status      EnvelopeStatus     `json:"status"`
	Summary     string             `json:"summary"`
	Error       string             `json:"error,omitempty"`
	Artifacts   []Artifact         `json:"artifacts,omitempty"`
	Actions     []Action           `json:"actions,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	RawOutputRef string            `json:"rawOutputRef,omitempty"`
}

// SetMetadata sets metadata[key] = value, initializing the map if needed.
func (e *RunEnvelope) SetMetadata(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// RuntimeEventType is the canonical type of one RuntimeEvent, as assigned
// by the adapter emitting it (before outer projection, see §4.4).
type RuntimeEventType string

const (
	EventRunLifecycle   RuntimeEventType = "RunLifecycle"
	EventAssistantDelta RuntimeEventType = "AssistantDelta"
	EventReasoningDelta RuntimeEventType = "ReasoningDelta"
	EventCommandDelta   RuntimeEventType = "CommandDelta"
	EventDiffUpdated    RuntimeEventType = "DiffUpdated"
	EventUsageUpdated   RuntimeEventType = "UsageUpdated"
	EventDiagnostic     RuntimeEventType = "Diagnostic"
	EventError          RuntimeEventType = "Error"
	EventRunCompleted   RuntimeEventType = "RunCompleted"
)

// HarnessRuntimeEventMarker identifies a log chunk as a structured
// runtime event wire envelope rather than opaque log text.
const HarnessRuntimeEventMarker = "agentsdashboard.harness-runtime-event.v1"

// DefaultSchemaVersion is used when neither the embedded payload nor the
// request specify a structured-event schema version.
const DefaultSchemaVersion = "harness-structured-event-v2"

// RuntimeEvent is one totally-ordered (per run) event emitted by an
// adapter through an EventSink.
type RuntimeEvent struct {
	Sequence int64                  `json:"sequence"`
	Type     RuntimeEventType       `json:"type"`
	Content  string                 `json:"content"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// WireEvent is the wire envelope a RuntimeEvent is wrapped in so the
// outer processor can distinguish structured events from opaque log
// text on the shared log stream.
type WireEvent struct {
	Marker   string            `json:"marker"`
	Sequence int64             `json:"sequence"`
	Type     RuntimeEventType  `json:"type"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JobEvent is the control-plane-facing projection of a RuntimeEvent,
// delivered over SubscribeEvents.
type JobEvent struct {
	RunID         string            `json:"runId"`
	EventType     string            `json:"eventType"` // log | log_chunk | completed
	Summary       string            `json:"summary,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Sequence      int64             `json:"sequence"`
	Category      string            `json:"category,omitempty"`
	PayloadJSON   string            `json:"payloadJson,omitempty"`
	SchemaVersion string            `json:"schemaVersion,omitempty"`
	TimestampMs   int64             `json:"timestampMs"`
}

// WorkerStatus is a heartbeat projected onto the event bus.
type WorkerStatus struct {
	WorkerID    string `json:"workerId"`
	Status      string `json:"status"`
	ActiveSlots int    `json:"activeSlots"`
	MaxSlots    int    `json:"maxSlots"`
	TimestampMs int64  `json:"timestampMs"`
	Message     string `json:"message,omitempty"`
}

// WorkspaceContext describes the on-disk git checkout backing one run.
// It exists only for the duration of that run.
type WorkspaceContext struct {
	WorkspacePath       string
	MainBranch          string
	HeadCommitBeforeRun string
	GitAuth             GitAuth
}

// GitAuth is the effective auth strategy that succeeded during the
// clone/fetch fallback chain, reused for all subsequent commands.
type GitAuth struct {
	Scheme       string // ssh | gh | https | direct
	SSHAvailable bool
	KeyCandidate string
	RewrittenURL string
	ExtraHeader  string // http.<url>.extraheader value, when using a token
}

// OrchestratorContainer is a container as observed from the runtime via
// its orchestrator.* labels.
type OrchestratorContainer struct {
	ContainerID string
	RunID       string
	TaskID      string
	RepoID      string
	State       string
	Image       string
	CreatedAt   time.Time
}

// RemovedContainer identifies one container force-removed by the
// OrphanReconciler (C8), reported back over ReconcileOrphanedContainers.
type RemovedContainer struct {
	ContainerID string `json:"containerId"`
	RunID       string `json:"runId"`
}

// FailureClass is the taxonomy EnvelopeFinalizer stamps onto a failed
// envelope's metadata.
type FailureClass string

const (
	FailureNone               FailureClass = "None"
	FailureAuthentication     FailureClass = "AuthenticationError"
	FailureRateLimitExceeded  FailureClass = "RateLimitExceeded"
	FailureTimeout            FailureClass = "Timeout"
	FailureResourceExhausted  FailureClass = "ResourceExhausted"
	FailureInvalidInput       FailureClass = "InvalidInput"
	FailureConfigurationError FailureClass = "ConfigurationError"
	FailureNetworkError       FailureClass = "NetworkError"
	FailurePermissionDenied   FailureClass = "PermissionDenied"
	FailureNotFound           FailureClass = "NotFound"
	FailureInternalError      FailureClass = "InternalError"
	FailureUnknown            FailureClass = "Unknown"
)

// Container orchestrator labels, per spec §6.
const (
	LabelRunID  = "orchestrator.run-id"
	LabelTaskID = "orchestrator.task-id"
	LabelRepoID = "orchestrator.repo-id"
)
