// Package executor orchestrates work items end to end: claim, translate,
// gate, pre-debit, run the analysis engine, aggregate its stream, persist
// and mail the report, then settle the ledger. It also hosts the worker
// pool and the recurring-job dispatcher.
package executor

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/stratusanalytics/relay/errors"
)

// Run statuses recorded in the run log.
const (
	RunSucceeded = "success"
	RunFailed    = "failure"
)

// Run is one recorded execution of a work item, kept for manual
// reconciliation of ledger activity.
type Run struct {
	ID            string
	WorkItemID    string
	Identity      string
	Identifier    string
	Status        string
	EstimatedCost float64
	ActualCost    float64
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RunLog persists execution history.
type RunLog struct {
	db *sql.DB
}

// NewRunLog creates a run log over the shared database.
func NewRunLog(db *sql.DB) *RunLog {
	return &RunLog{db: db}
}

// Record inserts one run. An empty ID is assigned.
func (l *RunLog) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, work_item_id, identity, identifier, status,
			estimated_cost, actual_cost, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.WorkItemID,
		run.Identity,
		run.Identifier,
		run.Status,
		run.EstimatedCost,
		run.ActualCost,
		nullableText(run.Error),
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "record run for item %s", run.WorkItemID)
	}
	return nil
}

// ForIdentity returns an identity's most recent runs, newest first.
func (l *RunLog) ForIdentity(ctx context.Context, identity string, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, work_item_id, identity, identifier, status,
			estimated_cost, actual_cost, error, started_at, finished_at
		FROM job_runs
		WHERE identity = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		identity, limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list runs for %s", identity)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var errText sql.NullString
		var started, finished string
		if err := rows.Scan(&run.ID, &run.WorkItemID, &run.Identity, &run.Identifier,
			&run.Status, &run.EstimatedCost, &run.ActualCost, &errText, &started, &finished); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		if errText.Valid {
			run.Error = errText.String
		}
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			run.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, finished); err == nil {
			run.FinishedAt = t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
