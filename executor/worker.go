package executor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/queue"
)

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Workers           int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// WorkerPool claims pending work items and runs them through the executor.
// Each worker polls independently; the claim update in the queue store keeps
// two workers off the same item.
type WorkerPool struct {
	items *queue.Store
	exec  *Executor
	cfg   WorkerConfig
	log   *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerPool creates a stopped pool.
func NewWorkerPool(items *queue.Store, exec *Executor, cfg WorkerConfig, log *zap.SugaredLogger) *WorkerPool {
	return &WorkerPool{
		items: items,
		exec:  exec,
		cfg:   cfg,
		log:   log,
	}
}

// Start launches the workers. Calling Start on a running pool is an error.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", hostname, i)
		p.wg.Add(1)
		go p.loop(ctx, workerID)
	}

	p.log.Infow("Worker pool started",
		"workers", p.cfg.Workers,
		"poll_interval", p.cfg.PollInterval,
	)
	return nil
}

// Stop cancels the workers and waits for in-flight items to finish, up to
// 30 seconds.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Infow("Worker pool stopped")
	case <-time.After(30 * time.Second):
		p.log.Warnw("Worker pool stop timed out with items in flight")
	}
}

func (p *WorkerPool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	log := p.log.With("worker_id", workerID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var consecutiveErrors int
	for {
		if err := p.cycle(ctx, workerID); err != nil {
			consecutiveErrors++
			backoff := backoffFor(consecutiveErrors)
			log.Errorw("Worker cycle failed",
				"error", err,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		consecutiveErrors = 0

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// backoffFor computes the retry delay after n consecutive cycle failures:
// 2s, 4s, 8s, 16s, then 30s. The shift count is clamped first so a
// long-running failure (database down for hours) cannot overflow the
// arithmetic into a negative duration and turn the backoff into a hot loop.
func backoffFor(n int) time.Duration {
	if n > 5 {
		n = 5
	}
	backoff := time.Second << uint(n)
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// cycle recovers stale claims, then drains the queue until no claimable
// work remains.
func (p *WorkerPool) cycle(ctx context.Context, workerID string) error {
	if _, err := p.items.RequeueStale(ctx, p.cfg.VisibilityTimeout); err != nil {
		return errors.Wrap(err, "requeue stale claims")
	}

	for {
		item, err := p.items.Claim(ctx, workerID)
		if errors.Is(err, errors.ErrNoClaimableWork) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "claim work item")
		}

		if err := p.exec.Process(ctx, item); err != nil {
			return errors.Wrapf(err, "process item %s", item.ID)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}
