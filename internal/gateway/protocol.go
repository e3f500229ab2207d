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

// Package gateway implements the WorkerGatewayRPC (C9): the
// Dispatch/Cancel/Heartbeat/SubscribeEvents/ReconcileOrphanedContainers
// surface a control plane drives a worker through. Framing is grounded
// on the teacher's internal/rpc/protocol.go Message envelope
// (request/response/stream/error/correlationId), narrowed from a
// generic multi-domain RPC bus to this package's five worker methods
// and carried over a plain net.Conn with one JSON value per
// encoding/json.Decoder.Decode call rather than the teacher's
// gorilla/websocket transport, which is not part of this core's
// dependency set.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/orchestrator/internal/domain"
)

// MessageType identifies the kind of Message on the wire.
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeStream   MessageType = "stream"
	MessageTypeError    MessageType = "error"
)

var (
	ErrInvalidMessage       = errors.New("gateway: invalid message format")
	ErrMissingCorrelationID = errors.New("gateway: missing correlation id")
	ErrMethodNotFound       = errors.New("gateway: method not found")
)

// Message is the wire envelope for every request, response and stream
// chunk exchanged over a gateway connection.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Method        string          `json:"method,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorPayload   `json:"error,omitempty"`
	StreamID      string          `json:"streamId,omitempty"`
	StreamDone    bool            `json:"streamDone,omitempty"`
}

// ErrorPayload carries structured error information on a MessageTypeError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Method names accepted by Server.Handle.
const (
	MethodDispatchJob                 = "DispatchJob"
	MethodCancelJob                   = "CancelJob"
	MethodHeartbeat                   = "Heartbeat"
	MethodSubscribeEvents             = "SubscribeEvents"
	MethodReconcileOrphanedContainers = "ReconcileOrphanedContainers"
)

// DispatchJobResult is the response to a DispatchJob call.
type DispatchJobResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// CancelJobParams identifies the run to cancel.
type CancelJobParams struct {
	RunID string `json:"runId"`
}

// CancelJobResult is the response to a CancelJob call.
type CancelJobResult struct {
	Accepted bool `json:"accepted"`
}

// HeartbeatParams reports a worker's current load.
type HeartbeatParams struct {
	WorkerID    string `json:"workerId"`
	ActiveSlots int    `json:"activeSlots"`
	MaxSlots    int    `json:"maxSlots"`
}

// HeartbeatResult is the response to a Heartbeat call.
type HeartbeatResult struct {
	Acknowledged bool `json:"acknowledged"`
}

// ReconcileOrphanedContainersParams supplies the run ids a worker
// currently considers active.
type ReconcileOrphanedContainersParams struct {
	ActiveRunIDs []string `json:"activeRunIds"`
}

// ReconcileOrphanedContainersResult is the response to a
// ReconcileOrphanedContainers call.
type ReconcileOrphanedContainersResult struct {
	OrphanedCount     int                       `json:"orphanedCount"`
	RemovedContainers []domain.RemovedContainer `json:"removedContainers"`
}

// newResponse builds a MessageTypeResponse carrying result, correlated
// to correlationID.
func newResponse(correlationID string, result interface{}) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal result: %w", err)
	}
	return &Message{Type: MessageTypeResponse, CorrelationID: correlationID, Result: data}, nil
}

// newErrorResponse builds a MessageTypeError correlated to correlationID.
func newErrorResponse(correlationID, code, message string) *Message {
	return &Message{
		Type:          MessageTypeError,
		CorrelationID: correlationID,
		Error:         &ErrorPayload{Code: code, Message: message},
	}
}

// newStreamMessage builds one chunk of a streaming response.
func newStreamMessage(correlationID, streamID string, data interface{}, done bool) (*Message, error) {
	var result json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("gateway: marshal stream chunk: %w", err)
		}
		result = encoded
	}
	return &Message{
		Type:          MessageTypeStream,
		CorrelationID: correlationID,
		StreamID:      streamID,
		Result:        result,
		StreamDone:    done,
	}, nil
}

// validate checks that m is well-formed enough to dispatch.
func (m *Message) validate() error {
	if m.CorrelationID == "" {
		return ErrMissingCorrelationID
	}
	if m.Type == MessageTypeRequest && m.Method == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidMessage)
	}
	return nil
}

// newCorrelationID generates a fresh request correlation id, used by
// test clients and any future outbound-initiated messages (e.g.
// unsolicited WorkerStatus pushes use the subscription's own stream id
// instead).
func newCorrelationID() string {
	return uuid.New().String()
}
