package queue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/errors"
	relaytest "github.com/stratusanalytics/relay/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := relaytest.CreateTestDB(t)
	return NewStore(db, zap.NewNop().Sugar(), false)
}

func TestEnqueueDeduplicatesIdenticalContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "trader@example.com", "analyze", `{"ticker":"000831"}`)
	if err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	second, err := store.Enqueue(ctx, "trader@example.com", "analyze", `{"ticker":"000831"}`)
	if !errors.IsDuplicateItemError(err) {
		t.Fatalf("expected duplicate item error, got: %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("duplicate enqueue should surface the existing item %s, got %+v", first.ID, second)
	}

	pending, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected exactly 1 pending row after duplicate delivery, got %d", pending)
	}
}

func TestEnqueueDeduplicatesWithoutSubject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "trader@example.com", "", "body"); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(ctx, "trader@example.com", "", "body"); !errors.IsDuplicateItemError(err) {
		t.Fatalf("subjectless duplicate should be absorbed, got: %v", err)
	}
}

func TestEnqueueDifferentContentIsNotDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "trader@example.com", "analyze", "body-1"); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(ctx, "trader@example.com", "analyze", "body-2"); err != nil {
		t.Fatalf("second enqueue with different body failed: %v", err)
	}

	pending, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if pending != 2 {
		t.Errorf("expected 2 pending rows, got %d", pending)
	}
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "trader@example.com", "analyze", "one item, many workers")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan *WorkItem, workers)
	misses := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claimed, err := store.Claim(ctx, "worker-"+string(rune('a'+n)))
			if err != nil {
				misses <- err
				return
			}
			claims <- claimed
		}(i)
	}
	wg.Wait()
	close(claims)
	close(misses)

	if len(claims) != 1 {
		t.Fatalf("expected exactly 1 successful claim, got %d", len(claims))
	}
	claimed := <-claims
	if claimed.ID != item.ID {
		t.Errorf("claimed wrong item: got %s, want %s", claimed.ID, item.ID)
	}
	if claimed.Status != StatusProcessing {
		t.Errorf("claimed item should be processing, got %s", claimed.Status)
	}
	if claimed.ClaimedAt == nil || claimed.WorkerID == "" {
		t.Errorf("claim should bind worker and timestamp, got %+v", claimed)
	}

	for err := range misses {
		if !errors.Is(err, errors.ErrNoClaimableWork) {
			t.Errorf("losing workers should see ErrNoClaimableWork, got: %v", err)
		}
	}
}

func TestClaimReturnsOldestPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older, err := store.Enqueue(ctx, "trader@example.com", "first", "first body")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(ctx, "trader@example.com", "second", "second body"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Push the first item firmly into the past so ordering is unambiguous
	// at RFC3339 second granularity.
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := store.db.ExecContext(ctx,
		`UPDATE work_items SET created_at = ? WHERE id = ?`, past, older.ID); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	claimed, err := store.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.ID != older.ID {
		t.Errorf("claim should pick the oldest pending item, got %s want %s", claimed.ID, older.ID)
	}
}

func TestClaimOrderIsDeterministicWithinOneSecond(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, subject := range []string{"a", "b", "c", "d"} {
		item, err := store.Enqueue(ctx, "trader@example.com", subject, "body "+subject)
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		ids = append(ids, item.ID)
	}

	// Collapse all rows onto one timestamp; RFC3339 seconds cannot order
	// them, so claiming must fall back to the id tiebreaker.
	if _, err := store.db.ExecContext(ctx,
		`UPDATE work_items SET created_at = ?`,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("timestamp collapse failed: %v", err)
	}
	sort.Strings(ids)

	for i, want := range ids {
		claimed, err := store.Claim(ctx, "worker-1")
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if claimed.ID != want {
			t.Fatalf("claim %d returned %s, want %s (id order)", i, claimed.ID, want)
		}
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Claim(context.Background(), "worker-1")
	if !errors.Is(err, errors.ErrNoClaimableWork) {
		t.Fatalf("expected ErrNoClaimableWork on empty queue, got: %v", err)
	}
}

func TestRequeueStaleRecoversExpiredClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	timeout := 15 * time.Minute

	item, err := store.Enqueue(ctx, "trader@example.com", "analyze", "stale claim body")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := store.Claim(ctx, "doomed-worker"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Simulate a worker that died two timeouts ago.
	expired := time.Now().UTC().Add(-2 * timeout).Format(time.RFC3339)
	if _, err := store.db.ExecContext(ctx,
		`UPDATE work_items SET claimed_at = ? WHERE id = ?`, expired, item.ID); err != nil {
		t.Fatalf("backdate claim failed: %v", err)
	}

	requeued, err := store.RequeueStale(ctx, timeout)
	if err != nil {
		t.Fatalf("requeue stale failed: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected 1 requeued item, got %d", requeued)
	}

	recovered, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if recovered.Status != StatusPending {
		t.Errorf("recovered item should be pending, got %s", recovered.Status)
	}
	if recovered.ClaimedAt != nil || recovered.WorkerID != "" {
		t.Errorf("recovered item should have claim cleared, got %+v", recovered)
	}
}

func TestRequeueStaleLeavesFreshClaimsAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "trader@example.com", "analyze", "fresh claim body"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	claimed, err := store.Claim(ctx, "live-worker")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	requeued, err := store.RequeueStale(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("requeue stale failed: %v", err)
	}
	if requeued != 0 {
		t.Errorf("fresh claim must not be requeued, got %d", requeued)
	}

	still, err := store.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if still.Status != StatusProcessing || still.WorkerID != "live-worker" {
		t.Errorf("fresh claim should be untouched, got %+v", still)
	}
}

func TestRequeueStaleRecoversClaimlessProcessingRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "trader@example.com", "analyze", "orphan body")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := store.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, claimed_at = NULL WHERE id = ?`,
		StatusProcessing, item.ID); err != nil {
		t.Fatalf("orphan setup failed: %v", err)
	}

	requeued, err := store.RequeueStale(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("requeue stale failed: %v", err)
	}
	if requeued != 1 {
		t.Errorf("processing row without claimed_at should be recovered, got %d", requeued)
	}
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "trader@example.com", "analyze", "terminal body")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := store.Claim(ctx, "worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := store.MarkDone(ctx, item.ID); err != nil {
		t.Fatalf("mark done failed: %v", err)
	}
	if err := store.MarkDone(ctx, item.ID); err != nil {
		t.Fatalf("second mark done should be a no-op, got: %v", err)
	}

	done, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if done.Status != StatusDone {
		t.Errorf("expected done, got %s", done.Status)
	}
}

func TestMarkFailedRecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "trader@example.com", "analyze", "failing body")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := store.Claim(ctx, "worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := store.MarkFailed(ctx, item.ID, "engine exploded"); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}

	failed, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("expected failed, got %s", failed.Status)
	}
	if failed.Error != "engine exploded" {
		t.Errorf("expected recorded error text, got %q", failed.Error)
	}
}

func TestGetMissingItem(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-item")
	if !errors.IsNotFoundError(err) {
		t.Fatalf("expected not found, got: %v", err)
	}
}
