package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	relaytest "github.com/stratusanalytics/relay/internal/testing"
	"github.com/stratusanalytics/relay/ledger"
	"github.com/stratusanalytics/relay/mail"
	"github.com/stratusanalytics/relay/queue"
)

type stubInbox struct {
	mu       sync.Mutex
	messages []mail.Message
	seen     []uint32
	fetchErr error
	closed   bool
}

func (in *stubInbox) FetchUnseen(ctx context.Context) ([]mail.Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.fetchErr != nil {
		return nil, in.fetchErr
	}
	var unseen []mail.Message
	for _, msg := range in.messages {
		if !in.isSeen(msg.UID) {
			unseen = append(unseen, msg)
		}
	}
	return unseen, nil
}

func (in *stubInbox) isSeen(uid uint32) bool {
	for _, s := range in.seen {
		if s == uid {
			return true
		}
	}
	return false
}

func (in *stubInbox) MarkSeen(ctx context.Context, uid uint32) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.seen = append(in.seen, uid)
	return nil
}

func (in *stubInbox) Close() error {
	in.closed = true
	return nil
}

type stubCourier struct {
	mu   sync.Mutex
	sent []mail.Outgoing
}

func (c *stubCourier) Send(ctx context.Context, msg mail.Outgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubCourier) messages() []mail.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mail.Outgoing(nil), c.sent...)
}

type fixture struct {
	inbox   *stubInbox
	courier *stubCourier
	items   *queue.Store
	books   *ledger.Store
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := relaytest.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	f := &fixture{
		inbox:   &stubInbox{},
		courier: &stubCourier{},
		items:   queue.NewStore(conn, log, false),
		books:   ledger.NewStore(conn, log),
	}
	f.svc = New(f.inbox, f.courier, f.items, f.books, Config{
		PollInterval:    time.Minute,
		DefaultEstimate: 1.0,
	}, log)
	return f
}

func (f *fixture) fund(t *testing.T, identity string, amount float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.books.EnsureAccount(ctx, identity, "CNY"))
	require.NoError(t, f.books.Credit(ctx, identity, amount))
}

func TestPollAdmitsFundedSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice@example.com", 10)
	f.inbox.messages = []mail.Message{
		{UID: 1, From: "alice@example.com", Subject: "analyze moutai", Body: `{"ticker": "600519"}`},
	}

	require.NoError(t, f.svc.Poll(ctx))

	pending, err := f.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Equal(t, []uint32{1}, f.inbox.seen)

	msgs := f.courier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Analysis request accepted", msgs[0].Subject)
	assert.Contains(t, msgs[0].Body, "queued behind 0 other")
}

func TestPollRefusesUnknownSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.inbox.messages = []mail.Message{
		{UID: 7, From: "stranger@example.com", Body: `{"ticker": "600519"}`},
	}

	require.NoError(t, f.svc.Poll(ctx))

	pending, err := f.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, []uint32{7}, f.inbox.seen, "refused mail is still marked seen")

	msgs := f.courier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Analysis request refused", msgs[0].Subject)
}

func TestPollRefusesUnderfundedSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "bob@example.com", 0.25)
	f.inbox.messages = []mail.Message{
		{UID: 2, From: "bob@example.com", Body: `{"ticker": "000001"}`},
	}

	require.NoError(t, f.svc.Poll(ctx))

	pending, err := f.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	msgs := f.courier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Analysis request refused", msgs[0].Subject)
}

func TestPollAbsorbsRedeliveredMailSilently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice@example.com", 10)
	f.inbox.messages = []mail.Message{
		{UID: 1, From: "alice@example.com", Subject: "analyze", Body: `{"ticker": "600519"}`},
	}

	require.NoError(t, f.svc.Poll(ctx))

	// The same message comes back with a fresh UID, as after a crash
	// between enqueue and mark-seen.
	f.inbox.messages = append(f.inbox.messages, mail.Message{
		UID: 2, From: "alice@example.com", Subject: "analyze", Body: `{"ticker": "600519"}`,
	})
	require.NoError(t, f.svc.Poll(ctx))

	pending, err := f.items.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Equal(t, []uint32{1, 2}, f.inbox.seen)

	// Only the first delivery earned an acceptance reply.
	msgs := f.courier.messages()
	require.Len(t, msgs, 1)
}

func TestPollQueuePositionCountsAhead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice@example.com", 10)
	f.inbox.messages = []mail.Message{
		{UID: 1, From: "alice@example.com", Body: `{"ticker": "600519"}`},
		{UID: 2, From: "alice@example.com", Body: `{"ticker": "000001"}`},
		{UID: 3, From: "alice@example.com", Body: `{"ticker": "300750"}`},
	}

	require.NoError(t, f.svc.Poll(ctx))

	msgs := f.courier.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0].Body, "behind 0 other")
	assert.Contains(t, msgs[1].Body, "behind 1 other")
	assert.Contains(t, msgs[2].Body, "behind 2 other")
}

func TestPollErrorLeavesMailUnseen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.inbox.fetchErr = assert.AnError

	err := f.svc.Poll(ctx)
	require.Error(t, err)
	assert.Empty(t, f.inbox.seen)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice@example.com", 10)
	f.inbox.messages = []mail.Message{
		{UID: 1, From: "alice@example.com", Body: `{"ticker": "600519"}`},
	}

	require.NoError(t, f.svc.Start(context.Background()))
	require.Error(t, f.svc.Start(context.Background()), "double start must fail")

	// The first poll runs immediately on start.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending, _ := f.items.PendingCount(context.Background()); pending == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.svc.Stop()
	assert.True(t, f.inbox.closed)

	pending, err := f.items.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
