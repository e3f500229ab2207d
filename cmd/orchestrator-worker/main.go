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

// Command orchestrator-worker runs the worker daemon: it accepts
// DispatchJob/CancelJob/Heartbeat/ReconcileOrphanedContainers/
// SubscribeEvents connections on GATEWAY_ADDR, executes admitted
// runs through the full pipeline, and serves Prometheus metrics and a
// liveness probe on METRICS_ADDR.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/orchestrator/internal/config"
	"github.com/tombee/orchestrator/internal/container"
	"github.com/tombee/orchestrator/internal/dispatch"
	"github.com/tombee/orchestrator/internal/domain"
	"github.com/tombee/orchestrator/internal/envelope"
	"github.com/tombee/orchestrator/internal/eventbus"
	"github.com/tombee/orchestrator/internal/gateway"
	"github.com/tombee/orchestrator/internal/gitworkspace"
	"github.com/tombee/orchestrator/internal/harness"
	"github.com/tombee/orchestrator/internal/ledger"
	"github.com/tombee/orchestrator/internal/lifecycle"
	"github.com/tombee/orchestrator/internal/log"
	"github.com/tombee/orchestrator/internal/reconciler"
	"github.com/tombee/orchestrator/internal/tracing"
	"github.com/tombee/orchestrator/internal/worker"
)

// noopContainerLister backs the reconciler when no container runtime is
// available: nothing is ever listed, so ReconcileOrphanedContainers is a
// well-defined no-op instead of a nil dereference.
type noopContainerLister struct{}

func (noopContainerLister) ListByLabel(ctx context.Context, labelKey string) ([]domain.OrchestratorContainer, error) {
	return nil, nil
}

func (noopContainerLister) Remove(ctx context.Context, containerID string) error {
	return nil
}

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchestrator-worker %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	if cfg.PIDFilePath != "" {
		pidFile := lifecycle.NewPIDFileManager(cfg.PIDFilePath)
		if err := pidFile.Create(os.Getpid()); err != nil {
			logger.Error("lifecycle: failed to create PID file", slog.String("path", cfg.PIDFilePath), slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := pidFile.Remove(); err != nil {
				logger.Warn("lifecycle: failed to remove PID file", slog.Any("error", err))
			}
		}()
	}

	provider, err := tracing.NewProvider(tracing.Config{
		ServiceName:    "orchestrator-worker",
		ServiceVersion: version,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		logger.Error("tracing: failed to initialize provider", slog.Any("error", err))
		os.Exit(1)
	}

	l, err := ledger.Open(ledger.Config{Path: cfg.LedgerPath})
	if err != nil {
		logger.Error("ledger: failed to open", slog.Any("error", err))
		os.Exit(1)
	}

	queue := dispatch.New(l, cfg.MaxSlots)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := queue.Recover(ctx); err != nil {
		logger.Error("dispatch: failed to recover queued runs", slog.Any("error", err))
		os.Exit(1)
	}

	workspaces := gitworkspace.New(cfg.WorkspacesRoot, cfg)

	router := harness.NewRouter()

	var containerExecutor *container.Executor
	executor, err := container.NewExecutor()
	if err != nil {
		logger.Warn("container: docker unavailable, falling back to host-exec command runtime", slog.Any("error", err))
	} else {
		containerExecutor = executor
	}

	if containerExecutor != nil {
		harness.RegisterDefaultAdapters(router, containerExecutor, cfg.SandboxImage)
	} else {
		harness.RegisterDefaultAdapters(router, nil, cfg.SandboxImage)
	}

	finalizer := envelope.NewFinalizer()
	bus := eventbus.New()

	w := worker.New(cfg.WorkerID, l, queue, workspaces, router, finalizer, bus, provider, logger)

	// The reconciler always needs a ContainerLister: without docker there
	// are no containers to orphan, so ReconcileOrphanedContainers simply
	// reports nothing removed rather than the gateway crashing a nil call.
	var lister reconciler.ContainerLister = noopContainerLister{}
	if containerExecutor != nil {
		lister = containerExecutor
	}
	recon := reconciler.New(lister, cfg.ReconcileInterval, logger)

	srv := gateway.NewServer(queue, bus, recon, logger)

	listener, err := net.Listen("tcp", cfg.GatewayAddr)
	if err != nil {
		logger.Error("gateway: failed to listen", slog.String("addr", cfg.GatewayAddr), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("gateway: listening", slog.String("addr", cfg.GatewayAddr))

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("gateway: accept failed", slog.Any("error", err))
				continue
			}
			go srv.Handle(ctx, conn)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", tracing.MetricsHandler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if _, err := l.Stats(r.Context()); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics: listening", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics: server failed", slog.Any("error", err))
		}
	}()

	go w.Run(ctx)
	go recon.Run(ctx, w.ActiveRunIDs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown: draining in-flight runs", slog.Duration("timeout", cfg.DrainTimeout))
	w.StartDraining()
	if err := w.WaitForDrain(ctx, cfg.DrainTimeout); err != nil {
		logger.Warn("shutdown: drain did not complete cleanly", slog.Any("error", err))
	}

	_ = listener.Close()
	_ = metricsServer.Shutdown(context.Background())
	cancel()
	_ = provider.Shutdown(context.Background())
	_ = l.Close()
}
