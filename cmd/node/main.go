// Package main implements the sluice node, which holds a flow-unit queue
// and executes the listing and drop steps the coordinator sends it.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health            liveness          │
//	│    /info              node state        │
//	│    /queue/size        queue size        │
//	│    /queue/flowfiles   enqueue           │
//	│    /queue/listing     listing step      │
//	│    /queue/drop        drop step         │
//	│    /queue/cancel      cancel a step     │
//	├─────────────────────────────────────────┤
//	│  Executor → MemoryQueue                 │
//	│  Registration → coordinator             │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: unique node identifier (required)
//   - NODE_LISTEN: listen address (default ":8081")
//   - NODE_ADDR: address the coordinator dials (default derived from NODE_LISTEN)
//   - COORDINATOR_ADDR: coordinator URL (default "http://127.0.0.1:8080")
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/config"
	"github.com/dreamware/sluice/internal/logging"
	"github.com/dreamware/sluice/internal/node"
	"github.com/dreamware/sluice/internal/queue"
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
		Use:           "node",
		Short:         "Run a sluice queue node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateNode(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg.Node, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	return cmd
}

func run(ctx context.Context, cfg config.Node, logger *zap.Logger) error {
	logger = logger.With(zap.String("node", cfg.ID))
	info := cluster.NodeInfo{ID: cfg.ID, Addr: cfg.AdvertiseAddr()}
	q := queue.NewMemoryQueue(cfg.QueueCapacity, nil)
	exec := node.NewExecutor(info, q, cfg.ChunkSize, logger)

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           node.NewServer(info, exec, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	logger.Info("node listening", zap.String("listen", cfg.Listen), zap.String("public", info.Addr))
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	err := register(ctx, cfg.CoordinatorURL, info, cfg.RegisterAttempts, cfg.RegisterInterval, logger)
	if err == nil {
		select {
		case <-ctx.Done():
		case err = <-errc:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("server shutdown error", zap.Error(serr))
	}
	for range errc {
	}
	logger.Info("node stopped")
	return err
}

// register announces the node to the coordinator, retrying to ride out a
// coordinator that is still starting. A node that cannot register is never
// sent steps, so running out of attempts is an error.
func register(ctx context.Context, coord string, info cluster.NodeInfo, attempts int, interval time.Duration, logger *zap.Logger) error {
	url := strings.TrimRight(coord, "/") + "/register"
	body := cluster.RegisterRequest{Node: info}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, url, body, nil)
		if lastErr == nil {
			logger.Info("registered with coordinator", zap.String("coordinator", coord))
			return nil
		}
		logger.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("failed to register with coordinator after %d attempts: %w", attempts, lastErr)
}
