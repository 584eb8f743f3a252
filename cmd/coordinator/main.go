// Package main implements the sluice coordinator, which accepts
// cluster-wide queue listing and drop requests, fans them out to the
// registered nodes and serves their progress and results.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Coordinator                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /queue/listing-requests   submit/poll│
//	│    /queue/drop-requests      submit/poll│
//	│    /register, /nodes         membership │
//	│    /health, /metrics                    │
//	├─────────────────────────────────────────┤
//	│  RequestRegistry → Fanout → nodes       │
//	│  HealthMonitor   → Membership           │
//	└─────────────────────────────────────────┘
//
// Configuration comes from an optional YAML file (--config) and the
// environment: SLUICE_COORDINATOR_LISTEN, SLUICE_NODE_TIMEOUT,
// SLUICE_LOG_LEVEL, SLUICE_LOG_FORMAT.
//
// Example usage:
//
//	SLUICE_COORDINATOR_LISTEN=:8080 ./coordinator
//
//	# List the cluster queue, largest first
//	curl -X POST localhost:8080/queue/listing-requests \
//	  -d '{"sortColumn":"size","sortDirection":"desc","maxResults":100}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/config"
	"github.com/dreamware/sluice/internal/coordinator"
	"github.com/dreamware/sluice/internal/logging"
	"github.com/dreamware/sluice/internal/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Run the sluice coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateCoordinator(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	return cmd
}

// coordinatorApp is the wired coordinator, kept separate from the listener
// so tests can drive it through httptest.
type coordinatorApp struct {
	members  *coordinator.Membership
	fanout   *coordinator.Fanout
	registry *coordinator.RequestRegistry
	monitor  *coordinator.HealthMonitor
	server   *server
}

func newApp(cfg *config.Config, logger *zap.Logger) *coordinatorApp {
	client := cluster.NewClient(nil)
	members := coordinator.NewMembership()
	fanout := coordinator.NewFanout(client,
		coordinator.WithNodeTimeout(cfg.Coordinator.NodeTimeout),
		coordinator.WithFanoutLogger(logger.Named("fanout")))
	registry := coordinator.NewRequestRegistry(fanout, members,
		coordinator.WithIdleTimeout(cfg.Coordinator.IdleTimeout),
		coordinator.WithSweepInterval(cfg.Coordinator.SweepInterval),
		coordinator.WithRegistryLogger(logger.Named("registry")))

	monitor := coordinator.NewHealthMonitor(cfg.Coordinator.HealthInterval,
		coordinator.WithMaxFailures(cfg.Coordinator.HealthMaxFailures),
		coordinator.WithHealthLogger(logger.Named("health")))
	monitor.SetCheckFunction(client.Health)
	monitor.SetOnUnhealthy(func(id string) {
		if members.Remove(id) {
			logger.Warn("node removed after failed health checks", zap.String("node", id))
		}
	})

	return &coordinatorApp{
		members:  members,
		fanout:   fanout,
		registry: registry,
		monitor:  monitor,
		server:   newServer(registry, members, monitor, client, logger),
	}
}

// shutdown cancels live requests and waits for their node calls to return.
func (a *coordinatorApp) shutdown() {
	a.monitor.Stop()
	a.registry.Close()
	a.fanout.Wait()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics.Register(nil)
	app := newApp(cfg, logger)

	loopCtx, stopLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		app.registry.Run(loopCtx)
	}()
	go func() {
		defer loops.Done()
		app.monitor.Start(loopCtx, app.members.Nodes)
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           app.server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	logger.Info("coordinator listening", zap.String("addr", cfg.Coordinator.Listen))
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	for range errc {
	}
	stopLoops()
	loops.Wait()
	app.shutdown()
	logger.Info("coordinator stopped")
	return serveErr
}
