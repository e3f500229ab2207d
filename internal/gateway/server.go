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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/tombee/orchestrator/internal/domain"
	"github.com/tombee/orchestrator/internal/log"
	orcherrors "github.com/tombee/orchestrator/pkg/errors"
)

// Dispatcher is the subset of *dispatch.Queue the gateway depends on.
// Declared here (rather than imported concretely) so gateway has no
// compile-time dependency on the dispatch package's ledger wiring.
type Dispatcher interface {
	CanAccept() bool
	Enqueue(ctx context.Context, req *domain.RunRequest) error
	Cancel(ctx context.Context, runID string) (bool, error)
}

// EventSubscriber is the subset of *eventbus.Bus the gateway depends on.
type EventSubscriber interface {
	SubscribeJobEvents(runID string) (<-chan domain.JobEvent, func())
	SubscribeWorkerStatus() (<-chan domain.WorkerStatus, func())
	PublishWorkerStatus(status domain.WorkerStatus)
}

// OrphanReconciler is the subset of the C8 reconciler the gateway
// depends on for the synchronous ReconcileOrphanedContainers call.
type OrphanReconciler interface {
	ReconcileNow(ctx context.Context, activeRunIDs []string) (orphaned []domain.RemovedContainer, err error)
}

// Server handles gateway connections, one goroutine per net.Conn.
type Server struct {
	dispatcher Dispatcher
	bus        EventSubscriber
	reconciler OrphanReconciler
	logger     *slog.Logger
	rpcLog     *log.RPCMiddleware
}

// NewServer creates a gateway Server wired to the given dependencies.
func NewServer(dispatcher Dispatcher, bus EventSubscriber, reconciler OrphanReconciler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dispatcher: dispatcher, bus: bus, reconciler: reconciler, logger: logger, rpcLog: log.NewRPCMiddleware(logger)}
}

// Handle serves one connection until it closes or ctx is cancelled.
// SubscribeEvents requests spawn their own goroutine for the lifetime
// of the subscription; every other method is handled inline on the
// read loop.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	remoteAddr := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}

	write := func(msg *Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return json.NewEncoder(conn).Encode(msg)
	}

	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF {
				s.logger.Debug("gateway: decode failed", "error", err)
			}
			return
		}
		if err := msg.validate(); err != nil {
			_ = write(newErrorResponse(msg.CorrelationID, "invalid_message", err.Error()))
			continue
		}

		rpcReq := &log.RPCRequest{
			MessageType:   msg.Method,
			CorrelationID: msg.CorrelationID,
			RemoteAddr:    remoteAddr,
		}

		switch msg.Method {
		case MethodDispatchJob:
			_ = s.rpcLog.Handler(rpcReq, func() error { return s.handleDispatchJob(ctx, &msg, write) })
		case MethodCancelJob:
			_ = s.rpcLog.Handler(rpcReq, func() error { return s.handleCancelJob(ctx, &msg, write) })
		case MethodHeartbeat:
			_ = s.rpcLog.Handler(rpcReq, func() error { return s.handleHeartbeat(&msg, write) })
		case MethodReconcileOrphanedContainers:
			_ = s.rpcLog.Handler(rpcReq, func() error { return s.handleReconcile(ctx, &msg, write) })
		case MethodSubscribeEvents:
			log.LogRPCRequest(s.logger, rpcReq)
			wg.Add(1)
			go func(m Message) {
				defer wg.Done()
				s.handleSubscribeEvents(ctx, &m, write)
			}(msg)
		default:
			_ = write(newErrorResponse(msg.CorrelationID, "method_not_found", ErrMethodNotFound.Error()))
		}
	}
}

func (s *Server) handleDispatchJob(ctx context.Context, msg *Message, write func(*Message) error) error {
	var req domain.RunRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		_ = write(newErrorResponse(msg.CorrelationID, "invalid_params", err.Error()))
		return err
	}

	result := DispatchJobResult{}
	switch {
	case strings.TrimSpace(req.RunID) == "":
		result.Reason = (&orcherrors.ValidationError{Field: "run_id", Message: "is required"}).Error()
	case !s.dispatcher.CanAccept():
		result.Reason = "worker at capacity"
	default:
		if err := s.dispatcher.Enqueue(ctx, &req); err != nil {
			result.Reason = err.Error()
			break
		}
		result.Accepted = true
	}

	resp, err := newResponse(msg.CorrelationID, result)
	if err != nil {
		s.logger.Error("gateway: build dispatch response", "error", err)
		return err
	}
	_ = write(resp)
	if !result.Accepted {
		return errors.New(result.Reason)
	}
	return nil
}

func (s *Server) handleCancelJob(ctx context.Context, msg *Message, write func(*Message) error) error {
	var params CancelJobParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		_ = write(newErrorResponse(msg.CorrelationID, "invalid_params", err.Error()))
		return err
	}

	accepted, cancelErr := s.dispatcher.Cancel(ctx, params.RunID)
	if cancelErr != nil {
		s.logger.Error("gateway: cancel job", "run_id", params.RunID, "error", cancelErr)
	}

	resp, err := newResponse(msg.CorrelationID, CancelJobResult{Accepted: accepted})
	if err != nil {
		s.logger.Error("gateway: build cancel response", "error", err)
		return err
	}
	_ = write(resp)
	return cancelErr
}

func (s *Server) handleHeartbeat(msg *Message, write func(*Message) error) error {
	var params HeartbeatParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		_ = write(newErrorResponse(msg.CorrelationID, "invalid_params", err.Error()))
		return err
	}

	s.bus.PublishWorkerStatus(domain.WorkerStatus{
		WorkerID:    params.WorkerID,
		Status:      "active",
		ActiveSlots: params.ActiveSlots,
		MaxSlots:    params.MaxSlots,
	})

	resp, err := newResponse(msg.CorrelationID, HeartbeatResult{Acknowledged: true})
	if err != nil {
		s.logger.Error("gateway: build heartbeat response", "error", err)
		return err
	}
	_ = write(resp)
	return nil
}

func (s *Server) handleReconcile(ctx context.Context, msg *Message, write func(*Message) error) error {
	var params ReconcileOrphanedContainersParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		_ = write(newErrorResponse(msg.CorrelationID, "invalid_params", err.Error()))
		return err
	}

	removed, err := s.reconciler.ReconcileNow(ctx, params.ActiveRunIDs)
	if err != nil {
		_ = write(newErrorResponse(msg.CorrelationID, "reconcile_failed", err.Error()))
		return err
	}

	resp, err := newResponse(msg.CorrelationID, ReconcileOrphanedContainersResult{
		OrphanedCount:     len(removed),
		RemovedContainers: removed,
	})
	if err != nil {
		s.logger.Error("gateway: build reconcile response", "error", err)
		return err
	}
	_ = write(resp)
	return nil
}

// handleSubscribeEvents streams JobEvents for the run id given in
// params until the subscriber channel closes (bus shutdown) or ctx is
// cancelled (caller disconnects), per §4.8's "terminates on caller
// cancellation".
func (s *Server) handleSubscribeEvents(ctx context.Context, msg *Message, write func(*Message) error) {
	var params struct {
		RunID string `json:"runId"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	events, unsub := s.bus.SubscribeJobEvents(strings.ToLower(params.RunID))
	defer unsub()

	streamID := newCorrelationID()
	for {
		select {
		case <-ctx.Done():
			stream, _ := newStreamMessage(msg.CorrelationID, streamID, nil, true)
			_ = write(stream)
			return
		case event, ok := <-events:
			if !ok {
				stream, _ := newStreamMessage(msg.CorrelationID, streamID, nil, true)
				_ = write(stream)
				return
			}
			stream, err := newStreamMessage(msg.CorrelationID, streamID, event, false)
			if err != nil {
				s.logger.Error("gateway: build stream chunk", "error", err)
				continue
			}
			if err := write(stream); err != nil {
				return
			}
		}
	}
}
