package queue

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/errors"
)

// Store provides persistence for work items. Timestamps are stored as
// RFC3339 UTC text so lexical comparison in SQL matches time order.
type Store struct {
	db     *sql.DB
	log    *zap.SugaredLogger
	salted bool
}

// NewStore creates a work item store. salted selects the legacy
// time-salted fingerprint mode (see Fingerprint).
func NewStore(db *sql.DB, log *zap.SugaredLogger, salted bool) *Store {
	return &Store{db: db, log: log, salted: salted}
}

// Enqueue inserts a pending work item for the submission. A duplicate
// submission (same identity, subject and content fingerprint) is absorbed:
// the existing item is returned together with errors.ErrDuplicateItem so
// callers can tell absorption from a fresh enqueue.
//
// Subject is stored as a plain string, never NULL, so the uniqueness
// constraint applies to subjectless submissions too.
func (s *Store) Enqueue(ctx context.Context, identity, subject, body string) (*WorkItem, error) {
	item := NewWorkItem(identity, subject, body, s.salted)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, source_identity, subject, body, content_fingerprint, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.SourceIdentity,
		item.Subject,
		item.Body,
		item.ContentFingerprint,
		item.Status,
		item.CreatedAt.Format(time.RFC3339),
		item.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			existing, getErr := s.findByFingerprint(ctx, identity, subject, item.ContentFingerprint)
			if getErr != nil {
				return nil, errors.Wrap(getErr, "load duplicate work item")
			}
			return existing, errors.Wrapf(errors.ErrDuplicateItem, "fingerprint %s", item.ContentFingerprint)
		}
		return nil, errors.Wrap(err, "insert work item")
	}

	s.log.Debugw("Work item enqueued",
		"item_id", item.ID,
		"identity", item.SourceIdentity,
	)
	return item, nil
}

// Claim atomically transitions the oldest pending item to processing and
// binds it to workerID. The transition is a conditional update guarded on
// status, so under concurrent callers at most one receives any given item.
// Returns errors.ErrNoClaimableWork when the pending pool is empty.
func (s *Store) Claim(ctx context.Context, workerID string) (*WorkItem, error) {
	for {
		var id string
		// created_at is second-granularity RFC3339 text; the id tiebreaker
		// keeps claim order deterministic within one second.
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM work_items
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1`,
			StatusPending,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, errors.ErrNoClaimableWork
		}
		if err != nil {
			return nil, errors.Wrap(err, "select claimable work item")
		}

		now := time.Now().UTC().Format(time.RFC3339)
		result, err := s.db.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, claimed_at = ?, worker_id = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusProcessing, now, workerID, now, id, StatusPending,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "claim work item %s", id)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "claim rows affected")
		}
		if affected == 1 {
			return s.Get(ctx, id)
		}
		// Lost the race for this row; another worker flipped it first.
		// The next iteration selects the next-oldest pending candidate.
	}
}

// MarkDone records successful completion. Idempotent.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, error = NULL, updated_at = ? WHERE id = ?`,
		StatusDone, now, id,
	)
	if err != nil {
		return errors.Wrapf(err, "mark work item %s done", id)
	}
	return nil
}

// MarkFailed records failure with the error text. Idempotent.
func (s *Store) MarkFailed(ctx context.Context, id string, errText string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, errText, now, id,
	)
	if err != nil {
		return errors.Wrapf(err, "mark work item %s failed", id)
	}
	return nil
}

// RequeueStale resets to pending every processing item whose claim is older
// than the visibility timeout (or has no claim timestamp at all), making
// work abandoned by a crashed worker claimable again. Returns the number of
// items handed back to the pending pool.
func (s *Store) RequeueStale(ctx context.Context, visibilityTimeout time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-visibilityTimeout).Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = ?, claimed_at = NULL, worker_id = NULL, updated_at = ?
		WHERE status = ? AND (claimed_at IS NULL OR claimed_at < ?)`,
		StatusPending, now.Format(time.RFC3339), StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "requeue stale work items")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "requeue rows affected")
	}
	if affected > 0 {
		s.log.Warnw("Requeued stale work items",
			"count", affected,
			"visibility_timeout", visibilityTimeout,
		)
	}
	return affected, nil
}

// Get retrieves a work item by ID. Returns errors.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*WorkItem, error) {
	item := &WorkItem{}
	args := &itemScanArgs{}

	err := s.db.QueryRowContext(ctx,
		`SELECT `+standardSelectColumns+` FROM work_items WHERE id = ?`, id,
	).Scan(scanTargets(item, args)...)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "work item %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get work item %s", id)
	}
	if err := applyScanArgs(item, args); err != nil {
		return nil, err
	}
	return item, nil
}

// PendingCount returns the number of items waiting to be claimed.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE status = ?`, StatusPending,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count pending work items")
	}
	return count, nil
}

// Stats returns item counts per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count work items by status")
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (s *Store) findByFingerprint(ctx context.Context, identity, subject, fingerprint string) (*WorkItem, error) {
	item := &WorkItem{}
	args := &itemScanArgs{}

	err := s.db.QueryRowContext(ctx,
		`SELECT `+standardSelectColumns+` FROM work_items
		 WHERE source_identity = ? AND subject = ? AND content_fingerprint = ?`,
		identity, subject, fingerprint,
	).Scan(scanTargets(item, args)...)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "fingerprint %s", fingerprint)
	}
	if err != nil {
		return nil, errors.Wrap(err, "find work item by fingerprint")
	}
	if err := applyScanArgs(item, args); err != nil {
		return nil, err
	}
	return item, nil
}
