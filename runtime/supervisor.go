// Package runtime hosts the coordinator loop and the supervision of the
// long-lived workers around it.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/contract"
	apperrors "chatsync/errors"
)

const defaultRestartDelay = 2 * time.Second

// Supervisor runs workers, recovers their panics and restarts them after a
// delay until the context is cancelled.
type Supervisor struct {
	log          *slog.Logger
	restartDelay time.Duration
	wg           sync.WaitGroup
}

func NewSupervisor(log *slog.Logger, restartDelay time.Duration) *Supervisor {
	if restartDelay == 0 {
		restartDelay = defaultRestartDelay
	}
	return &Supervisor{log: log, restartDelay: restartDelay}
}

// Start launches every worker in its own goroutine.
func (s *Supervisor) Start(ctx context.Context, workers ...contract.Worker) {
	for _, w := range workers {
		s.wg.Add(1)
		go func(w contract.Worker) {
			defer s.wg.Done()
			s.supervise(ctx, w)
		}(w)
	}
}

// Wait blocks until every supervised worker has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, w contract.Worker) {
	name := contract.GetWorkerName(w)
	for {
		err := s.runOnce(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error("Worker stopped, restarting", "worker", name, "error", err)
		} else {
			s.log.Warn("Worker returned early, restarting", "worker", name)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, w contract.Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", apperrors.ErrWorkerPanic, r)
		}
	}()
	return w.Run(ctx)
}
