package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers and the reaper.
type Pool struct {
	workers []*Worker
	reaper  *Reaper
	cfg     Config
	logger  *slog.Logger
}

// NewPool creates cfg.PoolSize workers sharing deps. reaper may be nil when
// reaping runs elsewhere.
func NewPool(deps Deps, reaper *Reaper, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	workers := make([]*Worker, cfg.PoolSize)
	for i := range workers {
		id := fmt.Sprintf("%s-%d-%s", host, i, uuid.NewString()[:8])
		workers[i] = NewWorker(id, deps, cfg, logger)
	}
	return &Pool{workers: workers, reaper: reaper, cfg: cfg, logger: logger}
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run blocks until ctx is cancelled and every worker has finished its
// in-flight job and reported itself stopped.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range p.workers {
		g.Go(func() error {
			hbCtx, stopHeartbeats := context.WithCancel(context.WithoutCancel(gctx))
			hbDone := make(chan struct{})
			go func() {
				defer close(hbDone)
				_ = w.RunHeartbeats(hbCtx)
			}()

			err := w.Run(gctx)
			stopHeartbeats()
			<-hbDone
			return err
		})
	}

	if p.reaper != nil {
		g.Go(func() error {
			return p.reaper.Run(gctx, p.cfg.ReaperInterval)
		})
	}

	p.logger.InfoContext(ctx, "worker pool started",
		"workers", len(p.workers),
		"reaper", p.reaper != nil,
	)
	err := g.Wait()
	p.logger.InfoContext(context.WithoutCancel(ctx), "worker pool stopped")
	return err
}
