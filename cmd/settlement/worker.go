package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallet-settlement/pkg/api"
	"wallet-settlement/pkg/intake"
	"wallet-settlement/pkg/reconciler"
	"wallet-settlement/pkg/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func (a *app) workerCmd() *cobra.Command {
	var withAPI bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Settle queued transactions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runWorker(ctx, withAPI)
		},
	}
	cmd.Flags().BoolVar(&withAPI, "api", false, "also serve the read-only HTTP API")
	return cmd
}

func (a *app) runWorker(ctx context.Context, withAPI bool) error {
	s, err := a.open(true)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := reconciler.New(s.ledger, s.balances, s.providers,
		a.config.Reconciler.WithMetrics(s.metrics).WithLogger(a.logger))
	if err != nil {
		return err
	}

	poolCfg := a.config.Worker
	poolCfg.Metrics = s.metrics
	poolCfg.Logger = a.logger
	pool, err := worker.New(s.queue, rec, poolCfg)
	if err != nil {
		return err
	}

	svc, err := s.intake(a)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(ctx)
	})
	if a.config.Sweep.Interval > 0 {
		g.Go(func() error {
			a.sweep(ctx, svc)
			return nil
		})
	}
	if withAPI {
		g.Go(func() error {
			return a.serveUntilDone(ctx, s)
		})
	}

	a.logger.Info("worker started",
		zap.String("pool", pool.ID()),
		zap.String("queue", s.queue.Name()),
		zap.Int("concurrency", poolCfg.Concurrency),
	)
	err = g.Wait()

	stats := pool.Stats()
	a.logger.Info("worker stopped",
		zap.Int64("processed", stats.Processed),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("retried", stats.Retried),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sweep requeues pending transactions whose work item never reached the
// queue, every Sweep.Interval until ctx is done.
func (a *app) sweep(ctx context.Context, svc *intake.Service) {
	ticker := time.NewTicker(a.config.Sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.RequeuePending(ctx, a.config.Sweep.OlderThan); err != nil && ctx.Err() == nil {
				a.logger.Warn("pending sweep failed", zap.Error(err))
			}
		}
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.open(false)
			if err != nil {
				return err
			}
			defer s.Close()
			return a.serveUntilDone(ctx, s)
		},
	}
}

// serveUntilDone runs the API server until ctx is done, then shuts it down
// gracefully.
func (a *app) serveUntilDone(ctx context.Context, s *stack) error {
	apiCfg := a.config.API
	apiCfg.Logger = a.logger
	server := api.NewServer(s.ledger, s.balances, s.providers, s.registry, apiCfg)
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}
