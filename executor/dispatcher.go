package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/queue"
	"github.com/stratusanalytics/relay/schedule"
)

// DispatcherConfig tunes the recurring-job dispatcher.
type DispatcherConfig struct {
	PollInterval time.Duration
	// DefaultEstimate mirrors the executor's depth-1 estimate; the dispatcher
	// gates on it before enqueuing so underfunded owners never accumulate
	// doomed work items.
	DefaultEstimate float64
}

// Dispatcher turns due recurring jobs into queued work items. Schedules
// advance after every dispatch attempt, funded or not, so a broke owner's
// job skips runs instead of piling them up.
type Dispatcher struct {
	jobs  *schedule.Store
	items *queue.Store
	cfg   DispatcherConfig
	log   *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(jobs *schedule.Store, items *queue.Store, cfg DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		jobs:  jobs,
		items: items,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// Start launches the poll loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatcher already running")
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.done = make(chan struct{})

	go d.loop(ctx)

	d.log.Infow("Schedule dispatcher started", "poll_interval", d.cfg.PollInterval)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	done := d.done
	d.mu.Unlock()

	<-done
	d.log.Infow("Schedule dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.DispatchDue(ctx); err != nil {
			d.log.Errorw("Schedule dispatch pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchDue runs one dispatch pass over all currently due jobs.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	now := d.now().UTC()

	due, err := d.jobs.LoadDue(ctx, now)
	if err != nil {
		return errors.Wrap(err, "load due jobs")
	}

	for _, job := range due {
		d.dispatch(ctx, job, now)

		// The schedule advances regardless of the dispatch outcome. A job
		// that cannot advance is deactivated so it stops occupying every
		// future pass.
		if err := d.jobs.AdvanceSchedule(ctx, &job.Job, now); err != nil {
			d.log.Errorw("Schedule advance failed, deactivating job",
				"job_id", job.ID,
				"error", err,
			)
			if err := d.jobs.Deactivate(ctx, job.ID); err != nil {
				d.log.Errorw("Job deactivation failed", "job_id", job.ID, "error", err)
			}
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, job *schedule.DueJob, now time.Time) {
	log := d.log.With("job_id", job.ID, "owner", job.OwnerID, "identifier", job.TargetIdentifier)

	depth := job.ResearchDepth
	if depth < 1 {
		depth = 1
	}
	estimate := d.cfg.DefaultEstimate * float64(depth)
	if !job.OwnerFunded || job.OwnerBalance <= 0 || job.OwnerBalance < estimate {
		log.Warnw("Skipping dispatch for underfunded owner",
			"balance", job.OwnerBalance,
			"estimate", estimate,
			"funded", job.OwnerFunded,
		)
		return
	}

	// scheduled_for keeps repeat dispatches of an unchanged job from
	// fingerprinting identically in the queue; the translator ignores it.
	body, err := json.Marshal(map[string]interface{}{
		"ticker":        job.TargetIdentifier,
		"stages":        job.Analysts,
		"depth":         depth,
		"scheduled_for": now.Format(time.RFC3339),
	})
	if err != nil {
		log.Errorw("Dispatch body marshal failed", "error", err)
		return
	}

	subject := fmt.Sprintf("scheduled analysis %s", job.TargetIdentifier)
	item, err := d.items.Enqueue(ctx, job.OwnerID, subject, string(body))
	if errors.IsDuplicateItemError(err) {
		log.Debugw("Dispatch absorbed by existing work item", "item_id", item.ID)
		return
	}
	if err != nil {
		log.Errorw("Dispatch enqueue failed", "error", err)
		return
	}

	log.Infow("Scheduled analysis dispatched", "item_id", item.ID)
}
