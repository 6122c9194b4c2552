package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/errors"
)

// DueJob is a job selected for dispatch, carrying the owner's current
// ledger balance so the dispatcher can gate without a second query.
type DueJob struct {
	Job
	OwnerBalance float64
	OwnerFunded  bool // false when the owner has no ledger account at all
}

// Store provides persistence for recurring jobs.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates a schedule store.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// Create validates and persists a job.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	analysts, err := json.Marshal(job.Analysts)
	if err != nil {
		return errors.Wrap(err, "marshal analysts")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recurring_jobs (id, owner_id, target_identifier, analysts, research_depth,
			trigger_type, interval_seconds, cron_expr, next_run_at, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		job.TargetIdentifier,
		string(analysts),
		job.ResearchDepth,
		job.TriggerType,
		nullableInt(job.IntervalSeconds),
		nullableString(job.CronExpr),
		nullableTime(job.NextRunAt),
		job.Active,
		job.CreatedAt.Format(time.RFC3339),
		job.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "insert recurring job %s", job.ID)
	}

	s.log.Infow("Recurring job created",
		"job_id", job.ID,
		"owner", job.OwnerID,
		"identifier", job.TargetIdentifier,
		"trigger", job.TriggerType,
	)
	return nil
}

// Get retrieves one job by ID. Returns errors.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, target_identifier, analysts, research_depth,
			trigger_type, interval_seconds, cron_expr, next_run_at, active, created_at, updated_at
		FROM recurring_jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "recurring job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get recurring job %s", id)
	}
	return job, nil
}

// List returns all jobs, active first, soonest next run first.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, target_identifier, analysts, research_depth,
			trigger_type, interval_seconds, cron_expr, next_run_at, active, created_at, updated_at
		FROM recurring_jobs
		ORDER BY active DESC, next_run_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list recurring jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan recurring job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// LoadDue returns active jobs whose next_run_at is unset or has passed,
// oldest due first, joined with the owning identity's ledger balance.
func (s *Store) LoadDue(ctx context.Context, now time.Time) ([]*DueJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id, j.owner_id, j.target_identifier, j.analysts, j.research_depth,
			j.trigger_type, j.interval_seconds, j.cron_expr, j.next_run_at, j.active,
			j.created_at, j.updated_at, a.balance
		FROM recurring_jobs j
		LEFT JOIN ledger_accounts a ON a.identity = j.owner_id
		WHERE j.active = 1 AND (j.next_run_at IS NULL OR j.next_run_at <= ?)
		ORDER BY j.next_run_at ASC
		LIMIT 100`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, errors.Wrap(err, "load due recurring jobs")
	}
	defer rows.Close()

	var due []*DueJob
	for rows.Next() {
		var raw jobScanArgs
		var balance sql.NullFloat64
		job := &Job{}
		if err := rows.Scan(jobScanTargets(job, &raw, &balance)...); err != nil {
			return nil, errors.Wrap(err, "scan due job")
		}
		if err := applyJobScanArgs(job, &raw); err != nil {
			return nil, err
		}
		due = append(due, &DueJob{
			Job:          *job,
			OwnerBalance: balance.Float64,
			OwnerFunded:  balance.Valid,
		})
	}
	return due, rows.Err()
}

// AdvanceSchedule moves the job past a dispatch at now: interval jobs get
// now+interval, cron jobs the next expression match, one-shot jobs are
// deactivated. Called right after enqueueing the dispatch, before the run
// outcome is known.
func (s *Store) AdvanceSchedule(ctx context.Context, job *Job, now time.Time) error {
	next, err := job.NextAfter(now)
	if err != nil {
		return errors.Wrapf(err, "compute next run for job %s", job.ID)
	}

	active := job.Active
	if job.TriggerType == TriggerOnce {
		active = false
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE recurring_jobs SET next_run_at = ?, active = ?, updated_at = ? WHERE id = ?`,
		nullableTime(next), active, now.UTC().Format(time.RFC3339), job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "advance schedule for job %s", job.ID)
	}

	job.NextRunAt = next
	job.Active = active

	s.log.Debugw("Schedule advanced",
		"job_id", job.ID,
		"trigger", job.TriggerType,
		"next_run_at", next,
		"active", active,
	)
	return nil
}

// Deactivate turns a job off without deleting its history.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		UPDATE recurring_jobs SET active = 0, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return errors.Wrapf(err, "deactivate recurring job %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "deactivate rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "recurring job %s", id)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

type jobScanArgs struct {
	analysts        string
	intervalSeconds sql.NullInt64
	cronExpr        sql.NullString
	nextRunAt       sql.NullString
	createdAt       string
	updatedAt       string
}

func jobScanTargets(job *Job, args *jobScanArgs, extra ...interface{}) []interface{} {
	targets := []interface{}{
		&job.ID,
		&job.OwnerID,
		&job.TargetIdentifier,
		&args.analysts,
		&job.ResearchDepth,
		&job.TriggerType,
		&args.intervalSeconds,
		&args.cronExpr,
		&args.nextRunAt,
		&job.Active,
		&args.createdAt,
		&args.updatedAt,
	}
	return append(targets, extra...)
}

func applyJobScanArgs(job *Job, args *jobScanArgs) error {
	if err := json.Unmarshal([]byte(args.analysts), &job.Analysts); err != nil {
		return errors.Wrapf(err, "unmarshal analysts for job %s", job.ID)
	}
	if args.intervalSeconds.Valid {
		job.IntervalSeconds = args.intervalSeconds.Int64
	}
	if args.cronExpr.Valid {
		job.CronExpr = args.cronExpr.String
	}
	if args.nextRunAt.Valid && args.nextRunAt.String != "" {
		t, err := time.Parse(time.RFC3339, args.nextRunAt.String)
		if err != nil {
			return errors.Wrapf(err, "parse next_run_at for job %s", job.ID)
		}
		job.NextRunAt = &t
	}

	createdAt, err := time.Parse(time.RFC3339, args.createdAt)
	if err != nil {
		return errors.Wrapf(err, "parse created_at for job %s", job.ID)
	}
	job.CreatedAt = createdAt

	updatedAt, err := time.Parse(time.RFC3339, args.updatedAt)
	if err != nil {
		return errors.Wrapf(err, "parse updated_at for job %s", job.ID)
	}
	job.UpdatedAt = updatedAt

	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var args jobScanArgs
	if err := row.Scan(jobScanTargets(job, &args)...); err != nil {
		return nil, err
	}
	if err := applyJobScanArgs(job, &args); err != nil {
		return nil, err
	}
	return job, nil
}

func nullableInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
