// Package main provides the Trilha delay scheduler service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trilhacare/trilha/pkg/execution"
	"github.com/trilhacare/trilha/pkg/persistence"
	"github.com/trilhacare/trilha/pkg/scheduler"
)

// Service wraps the polling worker with process lifecycle handling.
type Service struct {
	id      string
	worker  *scheduler.Worker
	logger  *slog.Logger
	timeout time.Duration
}

func NewService(
	id string,
	p persistence.Persistence,
	engine *execution.Engine,
	interval time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		id:      id,
		worker:  scheduler.NewWorker(p, engine, interval, logger),
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// Run starts the worker and blocks until SIGINT or SIGTERM.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.worker.Start(ctx); err != nil {
		return err
	}

	s.logger.Info("Scheduler started", "scheduler_id", s.id)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		s.logger.Info("Received signal, shutting down gracefully", "signal", sig)
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer stopCancel()

	return s.worker.Stop(stopCtx)
}
