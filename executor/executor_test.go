package executor

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/engine"
	relaytest "github.com/stratusanalytics/relay/internal/testing"
	"github.com/stratusanalytics/relay/ledger"
	"github.com/stratusanalytics/relay/mail"
	"github.com/stratusanalytics/relay/queue"
)

type stubEngine struct {
	snapshots   []engine.Snapshot
	initErr     error
	streamErr   error
	decision    string
	decisionErr error
}

func (s *stubEngine) InitialState(identifier string, day time.Time) (engine.State, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	return engine.State{"identifier": identifier}, nil
}

func (s *stubEngine) Stream(ctx context.Context, state engine.State, args engine.Args) (<-chan engine.Snapshot, error) {
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	out := make(chan engine.Snapshot, len(s.snapshots))
	for _, snap := range s.snapshots {
		out <- snap
	}
	close(out)
	return out, nil
}

func (s *stubEngine) ProcessDecision(ctx context.Context, finalSection, identifier string) (string, error) {
	if s.decisionErr != nil {
		return "", s.decisionErr
	}
	if s.decision != "" {
		return s.decision, nil
	}
	return finalSection, nil
}

type stubCourier struct {
	mu   sync.Mutex
	sent []mail.Outgoing
	err  error
}

func (c *stubCourier) Send(ctx context.Context, msg mail.Outgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubCourier) messages() []mail.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mail.Outgoing(nil), c.sent...)
}

type harness struct {
	db      *sql.DB
	items   *queue.Store
	books   *ledger.Store
	runs    *RunLog
	courier *stubCourier
	exec    *Executor
}

func newHarness(t *testing.T, eng engine.Engine) *harness {
	t.Helper()
	conn := relaytest.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	h := &harness{
		db:      conn,
		items:   queue.NewStore(conn, log, false),
		books:   ledger.NewStore(conn, log),
		runs:    NewRunLog(conn),
		courier: &stubCourier{},
	}
	h.exec = New(h.items, h.books, h.runs, eng, h.courier, Config{
		DefaultEstimate: 1.0,
		ReportsDir:      t.TempDir(),
		DefaultProvider: engine.ProviderDashscope,
	}, log)
	return h
}

func (h *harness) fund(t *testing.T, identity string, amount float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.books.EnsureAccount(ctx, identity, "CNY"))
	require.NoError(t, h.books.Credit(ctx, identity, amount))
}

func (h *harness) enqueue(t *testing.T, identity, body string) *queue.WorkItem {
	t.Helper()
	item, err := h.items.Enqueue(context.Background(), identity, "analysis request", body)
	require.NoError(t, err)
	return item
}

const requestBody = `{"ticker": "600519", "stages": ["market", "news"], "depth": 1}`

func TestProcessSuccessSettlesActualCost(t *testing.T) {
	ctx := context.Background()
	eng := &stubEngine{
		snapshots: []engine.Snapshot{
			{MarketReport: "M", Cost: 0.1},
			{MarketReport: "M", NewsReport: "N", FinalDecision: "hold", Cost: 0.4},
		},
		decision: "HOLD with tight stop",
	}
	h := newHarness(t, eng)
	h.fund(t, "alice@example.com", 10)
	item := h.enqueue(t, "alice@example.com", requestBody)

	require.NoError(t, h.exec.Process(ctx, item))

	got, err := h.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, got.Status)

	balance, err := h.books.Balance(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.InDelta(t, 9.6, balance, 1e-9)

	msgs := h.courier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice@example.com", msgs[0].To)
	assert.Equal(t, "HOLD with tight stop", msgs[0].Body)
	assert.NotEmpty(t, msgs[0].HTMLBody)
	require.NotNil(t, msgs[0].Attachment)
	assert.Contains(t, string(msgs[0].Attachment.Data), "### Market Analysis")
	assert.Contains(t, string(msgs[0].Attachment.Data), "### News Analysis")

	runs, err := h.runs.ForIdentity(ctx, "alice@example.com", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunSucceeded, runs[0].Status)
	assert.InDelta(t, 0.4, runs[0].ActualCost, 1e-9)
	assert.InDelta(t, 1.0, runs[0].EstimatedCost, 1e-9)
}

func TestProcessEngineFailureRefundsFullEstimate(t *testing.T) {
	ctx := context.Background()
	eng := &stubEngine{streamErr: assert.AnError}
	h := newHarness(t, eng)
	h.fund(t, "bob@example.com", 5)
	item := h.enqueue(t, "bob@example.com", requestBody)

	require.NoError(t, h.exec.Process(ctx, item))

	got, err := h.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)

	balance, err := h.books.Balance(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.InDelta(t, 5, balance, 1e-9)

	msgs := h.courier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Subject, "failed")
	assert.Nil(t, msgs[0].Attachment)

	runs, err := h.runs.ForIdentity(ctx, "bob@example.com", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestProcessEmptyStreamIsAFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &stubEngine{})
	h.fund(t, "carol@example.com", 5)
	item := h.enqueue(t, "carol@example.com", requestBody)

	require.NoError(t, h.exec.Process(ctx, item))

	got, err := h.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)

	balance, err := h.books.Balance(ctx, "carol@example.com")
	require.NoError(t, err)
	assert.InDelta(t, 5, balance, 1e-9)
}

func TestProcessUnparseableBodyIsNeverCharged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &stubEngine{})
	h.fund(t, "dave@example.com", 5)
	item := h.enqueue(t, "dave@example.com", "this is not a request")

	require.NoError(t, h.exec.Process(ctx, item))

	got, err := h.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)

	balance, err := h.books.Balance(ctx, "dave@example.com")
	require.NoError(t, err)
	assert.InDelta(t, 5, balance, 1e-9)

	msgs := h.courier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Subject, "rejected")

	runs, err := h.runs.ForIdentity(ctx, "dave@example.com", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestProcessGateRefusesUnderfundedIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &stubEngine{})
	h.fund(t, "erin@example.com", 0.5)
	item := h.enqueue(t, "erin@example.com", requestBody)

	require.NoError(t, h.exec.Process(ctx, item))

	got, err := h.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)

	balance, err := h.books.Balance(ctx, "erin@example.com")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, balance, 1e-9)

	msgs := h.courier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Subject, "refused")
}

func TestProcessDeepResearchScalesEstimate(t *testing.T) {
	ctx := context.Background()
	eng := &stubEngine{
		snapshots: []engine.Snapshot{{MarketReport: "M", Cost: 2.0}},
	}
	h := newHarness(t, eng)
	h.fund(t, "frank@example.com", 10)
	item := h.enqueue(t, "frank@example.com",
		`{"ticker": "000001", "stages": ["market"], "depth": 3}`)

	require.NoError(t, h.exec.Process(ctx, item))

	// Estimate was 3.0, actual 2.0; only the actual sticks.
	balance, err := h.books.Balance(ctx, "frank@example.com")
	require.NoError(t, err)
	assert.InDelta(t, 8, balance, 1e-9)

	runs, err := h.runs.ForIdentity(ctx, "frank@example.com", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.InDelta(t, 3.0, runs[0].EstimatedCost, 1e-9)
}

func TestProcessCourierFailureDoesNotFailTheRun(t *testing.T) {
	ctx := context.Background()
	eng := &stubEngine{
		snapshots: []engine.Snapshot{{MarketReport: "M", Cost: 0.2}},
	}
	h := newHarness(t, eng)
	h.courier.err = assert.AnError
	h.fund(t, "grace@example.com", 5)
	item := h.enqueue(t, "grace@example.com", requestBody)

	require.NoError(t, h.exec.Process(ctx, item))

	got, err := h.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, got.Status)
}

func TestBackoffGrowsAndStaysCapped(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 16*time.Second, backoffFor(4))
	assert.Equal(t, 30*time.Second, backoffFor(5))

	// Failure streaks long enough to overflow a shifted int64 must still
	// back off at the cap, never spin.
	for _, n := range []int{6, 34, 64, 1 << 20} {
		got := backoffFor(n)
		assert.Equal(t, 30*time.Second, got, "consecutive failures = %d", n)
		assert.Positive(t, got)
	}
}

func TestWorkerCycleDrainsQueue(t *testing.T) {
	ctx := context.Background()
	eng := &stubEngine{
		snapshots: []engine.Snapshot{{MarketReport: "M", Cost: 0.1}},
	}
	h := newHarness(t, eng)
	h.fund(t, "heidi@example.com", 10)

	for _, body := range []string{
		`{"ticker": "600519", "depth": 1}`,
		`{"ticker": "000001", "depth": 1}`,
		`{"ticker": "300750", "depth": 1}`,
	} {
		h.enqueue(t, "heidi@example.com", body)
	}

	pool := NewWorkerPool(h.items, h.exec, WorkerConfig{
		Workers:           1,
		PollInterval:      time.Minute,
		VisibilityTimeout: 15 * time.Minute,
	}, zap.NewNop().Sugar())
	require.NoError(t, pool.cycle(ctx, "test-worker"))

	stats, err := h.items.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats[queue.StatusDone])
	assert.Zero(t, stats[queue.StatusPending])
	assert.Zero(t, stats[queue.StatusProcessing])
}
