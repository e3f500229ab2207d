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
	"sync/atomic"

	"github.com/tombee/orchestrator/internal/domain"
)

// Sink is the canonical EventSink: single-producer, ordered, assigning
// a monotonic sequence starting at 1 and wrapping every event in the
// harness-runtime-event wire envelope (§4.4) before forwarding to
// publish.
type Sink struct {
	seq     int64
	publish func(domain.WireEvent)
}

// NewSink creates a Sink that forwards wrapped events to publish.
func NewSink(publish func(domain.WireEvent)) *Sink {
	return &Sink{publish: publish}
}

// Emit assigns the next sequence number and forwards the wrapped event.
func (s *Sink) Emit(eventType domain.RuntimeEventType, content string, metadata map[string]string) {
	seq := atomic.AddInt64(&s.seq, 1)
	s.publish(domain.WireEvent{
		Marker:   domain.HarnessRuntimeEventMarker,
		Sequence: seq,
		Type:     eventType,
		Content:  content,
		Metadata: metadata,
	})
}

// ParseWireEvent attempts to interpret a raw log chunk as a structured
// runtime event: it must parse as JSON with marker equal to
// HarnessRuntimeEventMarker, a positive sequence, and a non-empty type
// (§6, "Harness structured event wire"). Otherwise ok is false and the
// chunk should be forwarded verbatim as a log_chunk event.
func ParseWireEvent(raw []byte) (event domain.WireEvent, ok bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return domain.WireEvent{}, false
	}
	var e domain.WireEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.WireEvent{}, false
	}
	if e.Marker != domain.HarnessRuntimeEventMarker || e.Sequence <= 0 || e.Type == "" {
		return domain.WireEvent{}, false
	}
	return e, true
}
