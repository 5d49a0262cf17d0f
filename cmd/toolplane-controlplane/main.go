// The control plane binary: HTTP gateway, event emitter, and the run
// orchestrator wake consumer in one process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolplane/toolplane/core/controlplane/gateway"
	"github.com/toolplane/toolplane/core/controlplane/guard"
	"github.com/toolplane/toolplane/core/controlplane/jobs"
	"github.com/toolplane/toolplane/core/controlplane/runs"
	"github.com/toolplane/toolplane/core/controlplane/tools"
	"github.com/toolplane/toolplane/core/infra/config"
	"github.com/toolplane/toolplane/core/infra/events"
	"github.com/toolplane/toolplane/core/infra/locks"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
	"github.com/toolplane/toolplane/core/infra/redisutil"
)

func main() {
	cfg := config.Load()

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		logging.Error("main", "redis client", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	if err := pingRedis(client); err != nil {
		logging.Error("main", "redis unreachable", "error", err)
		os.Exit(1)
	}

	g, err := guard.New(cfg.APIKeys)
	if err != nil {
		logging.Error("main", "api key spec", "error", err)
		os.Exit(1)
	}

	bus, err := events.NewBus(cfg.NatsURL)
	if err != nil {
		logging.Error("main", "nats connect", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	emitter := events.NewEmitter(bus)
	defer emitter.Close()

	jobStore := jobs.NewStoreWithClient(client)
	registry := tools.NewRegistryWithClient(client)
	runStore := runs.NewStoreWithClient(client)
	lockStore := locks.NewStoreWithClient(client)
	waker := runs.NewWaker(bus)

	jobMetrics := metrics.NewProm("toolplane")
	creation := jobs.NewCreationService(jobStore, registry, emitter, jobMetrics)
	dispatcher := jobs.NewDispatcher(jobStore, emitter, jobMetrics, waker)
	gate := jobs.NewGate(jobStore, emitter, jobMetrics, waker, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := registry.LoadBootstrap(ctx, cfg.ClusterID, cfg.ToolsConfigPath); err != nil {
		logging.Error("main", "tool bootstrap", "error", err)
		os.Exit(1)
	}

	if cfg.ReasonerURL != "" {
		runMetrics := metrics.NewRunProm("toolplane")
		orch := runs.NewOrchestrator(runStore, runs.NewHTTPReasoner(cfg.ReasonerURL), creation, jobStore, lockStore, runMetrics)
		consumer := runs.NewConsumer(orch, runMetrics)
		if err := consumer.Start(ctx, bus); err != nil {
			logging.Error("main", "wake consumer", "error", err)
			os.Exit(1)
		}
		logging.Info("main", "run orchestration enabled", "reasoner", cfg.ReasonerURL)
	} else {
		logging.Warn("main", "REASONER_URL unset, run orchestration disabled")
	}

	hub, err := gateway.NewHub(bus)
	if err != nil {
		logging.Error("main", "event hub", "error", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(gateway.Options{
		Guard:      g,
		Creation:   creation,
		Dispatcher: dispatcher,
		Gate:       gate,
		JobStore:   jobStore,
		RunStore:   runStore,
		Registry:   registry,
		Waker:      waker,
		Hub:        hub,
		Metrics:    metrics.NewGatewayProm("toolplane"),
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logging.Info("main", "metrics listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logging.Error("main", "metrics server", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("main", "gateway listening", "addr", cfg.HTTPAddr, "cluster", cfg.ClusterID)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("main", "gateway server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logging.Info("main", "shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func pingRedis(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
