package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/schedule"
	"github.com/stratusanalytics/relay/translate"
)

func newDispatchHarness(t *testing.T) (*harness, *schedule.Store, *Dispatcher) {
	t.Helper()
	h := newHarness(t, &stubEngine{})
	jobs := schedule.NewStore(h.db, zap.NewNop().Sugar())
	d := NewDispatcher(jobs, h.items, DispatcherConfig{
		PollInterval:    time.Minute,
		DefaultEstimate: 1.0,
	}, zap.NewNop().Sugar())
	return h, jobs, d
}

func TestDispatchDueEnqueuesFundedJobs(t *testing.T) {
	ctx := context.Background()
	h, jobs, d := newDispatchHarness(t)
	h.fund(t, "owner@example.com", 10)

	job := schedule.NewJob("owner@example.com", "600519", []string{"market"}, 1, schedule.TriggerInterval)
	job.IntervalSeconds = 3600
	require.NoError(t, jobs.Create(ctx, job))

	require.NoError(t, d.DispatchDue(ctx))

	pending, err := h.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	advanced, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, advanced.NextRunAt)
	assert.True(t, advanced.NextRunAt.After(time.Now().Add(30*time.Minute)))
	assert.True(t, advanced.Active)
}

func TestDispatchDueSkipsUnderfundedOwnerButStillAdvances(t *testing.T) {
	ctx := context.Background()
	h, jobs, d := newDispatchHarness(t)

	job := schedule.NewJob("broke@example.com", "600519", []string{"market"}, 1, schedule.TriggerInterval)
	job.IntervalSeconds = 3600
	require.NoError(t, jobs.Create(ctx, job))

	require.NoError(t, d.DispatchDue(ctx))

	pending, err := h.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "underfunded owners must not accumulate work items")

	// The schedule still moved forward; the skipped run is simply lost.
	advanced, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, advanced.NextRunAt)
	assert.True(t, advanced.Active)
}

func TestDispatchDueDeactivatesOneShotJobs(t *testing.T) {
	ctx := context.Background()
	h, jobs, d := newDispatchHarness(t)
	h.fund(t, "owner@example.com", 10)

	job := schedule.NewJob("owner@example.com", "000001", []string{"news"}, 1, schedule.TriggerOnce)
	require.NoError(t, jobs.Create(ctx, job))

	require.NoError(t, d.DispatchDue(ctx))

	pending, err := h.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	done, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, done.Active)
	assert.Nil(t, done.NextRunAt)

	// A second pass sees nothing due.
	require.NoError(t, d.DispatchDue(ctx))
	pending, err = h.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDispatchRedeliveryIsAbsorbedByTheQueue(t *testing.T) {
	ctx := context.Background()
	h, jobs, d := newDispatchHarness(t)
	h.fund(t, "owner@example.com", 10)

	// Freeze time so both passes produce an identical dispatch body.
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	job := schedule.NewJob("owner@example.com", "300750", []string{"market"}, 1, schedule.TriggerInterval)
	job.IntervalSeconds = 3600
	require.NoError(t, jobs.Create(ctx, job))

	require.NoError(t, d.DispatchDue(ctx))

	// Force the job due again and redispatch at the same instant.
	_, err := h.db.ExecContext(ctx, `UPDATE recurring_jobs SET next_run_at = NULL WHERE id = ?`, job.ID)
	require.NoError(t, err)
	require.NoError(t, d.DispatchDue(ctx))

	pending, err := h.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDispatchBodyTranslates(t *testing.T) {
	ctx := context.Background()
	h, jobs, d := newDispatchHarness(t)
	h.fund(t, "owner@example.com", 10)

	job := schedule.NewJob("owner@example.com", "600519", []string{"market", "sentiment"}, 2, schedule.TriggerOnce)
	require.NoError(t, jobs.Create(ctx, job))
	require.NoError(t, d.DispatchDue(ctx))

	item, err := h.items.Claim(ctx, "test-worker")
	require.NoError(t, err)

	// The dispatched body, scheduled_for marker included, must translate
	// cleanly back into a request.
	req, err := translate.Parse([]byte(item.Body))
	require.NoError(t, err)
	assert.Equal(t, "600519", req.Ticker)
	assert.Equal(t, 2, req.Depth)
	assert.Equal(t, []translate.Stage{translate.StageMarket, translate.StageSocial}, req.Stages)
}
