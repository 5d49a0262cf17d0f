// The supervisor binary runs the self-healing sweep loop on its own so the
// gateway can be scaled and restarted without pausing recovery.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolplane/toolplane/core/controlplane/jobs"
	"github.com/toolplane/toolplane/core/controlplane/runs"
	"github.com/toolplane/toolplane/core/infra/config"
	"github.com/toolplane/toolplane/core/infra/events"
	"github.com/toolplane/toolplane/core/infra/logging"
	"github.com/toolplane/toolplane/core/infra/metrics"
)

func main() {
	cfg := config.Load()

	store, err := jobs.NewStore(cfg.RedisURL)
	if err != nil {
		logging.Error("main", "job store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bus, err := events.NewBus(cfg.NatsURL)
	if err != nil {
		logging.Error("main", "nats connect", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	emitter := events.NewEmitter(bus)
	defer emitter.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup := jobs.NewSupervisor(
		store,
		cfg.ClusterID,
		cfg.SweepInterval,
		emitter,
		metrics.NewProm("toolplane_supervisor"),
		runs.NewWaker(bus),
	)
	sup.Start(ctx)
	defer sup.Stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		logging.Info("main", "metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("main", "metrics server", "error", err)
		}
	}()

	logging.Info("main", "supervisor running", "cluster", cfg.ClusterID, "interval", cfg.SweepInterval.String())
	<-ctx.Done()
	logging.Info("main", "shutting down")
}
