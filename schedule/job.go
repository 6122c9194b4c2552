// Package schedule implements the recurring job register: persisted
// interval, cron and one-shot analysis schedules with next-run computation.
// Schedules are advanced immediately after dispatch, independent of the run
// outcome, so a failing analysis never wedges its schedule.
package schedule

import (
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/stratusanalytics/relay/errors"
)

// TriggerType selects how a job's next run time is computed.
type TriggerType string

const (
	// TriggerInterval reschedules a fixed duration after each dispatch
	TriggerInterval TriggerType = "interval"
	// TriggerCron reschedules from a standard 5-field cron expression
	TriggerCron TriggerType = "cron"
	// TriggerOnce dispatches a single time, then deactivates
	TriggerOnce TriggerType = "once"
)

// Job is one persisted schedule definition.
type Job struct {
	ID               string      `json:"id"`
	OwnerID          string      `json:"owner_id"`
	TargetIdentifier string      `json:"target_identifier"`
	Analysts         []string    `json:"analysts"`
	ResearchDepth    int         `json:"research_depth"`
	TriggerType      TriggerType `json:"trigger_type"`
	IntervalSeconds  int64       `json:"interval_seconds,omitempty"`
	CronExpr         string      `json:"cron_expr,omitempty"`
	NextRunAt        *time.Time  `json:"next_run_at,omitempty"`
	Active           bool        `json:"active"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// NewJob creates an active job with a fresh ID. NextRunAt starts nil, which
// LoadDue treats as immediately due.
func NewJob(ownerID, identifier string, analysts []string, depth int, trigger TriggerType) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		TargetIdentifier: identifier,
		Analysts:         analysts,
		ResearchDepth:    depth,
		TriggerType:      trigger,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate checks the job definition. Cron expressions are parsed here so a
// broken schedule is rejected at creation instead of wedging the dispatcher.
func (j *Job) Validate() error {
	if j.OwnerID == "" {
		return errors.Wrap(errors.ErrBadRequest, "schedule requires an owner")
	}
	if j.TargetIdentifier == "" {
		return errors.Wrap(errors.ErrBadRequest, "schedule requires a target identifier")
	}
	switch j.TriggerType {
	case TriggerInterval:
		if j.IntervalSeconds <= 0 {
			return errors.Wrap(errors.ErrBadRequest, "interval schedule requires interval_seconds > 0")
		}
	case TriggerCron:
		if _, err := cron.ParseStandard(j.CronExpr); err != nil {
			return errors.WrapBadRequest(err, "invalid cron expression")
		}
	case TriggerOnce:
		// nothing to validate
	default:
		return errors.Wrapf(errors.ErrBadRequest, "unknown trigger type %q", j.TriggerType)
	}
	return nil
}

// NextAfter computes when the job should run next, given a dispatch at now.
// Returns nil for one-shot jobs, which have no next run.
func (j *Job) NextAfter(now time.Time) (*time.Time, error) {
	switch j.TriggerType {
	case TriggerInterval:
		next := now.Add(time.Duration(j.IntervalSeconds) * time.Second)
		return &next, nil
	case TriggerCron:
		spec, err := cron.ParseStandard(j.CronExpr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse cron expression %q", j.CronExpr)
		}
		next := spec.Next(now)
		return &next, nil
	case TriggerOnce:
		return nil, nil
	default:
		return nil, errors.Newf("unknown trigger type %q", j.TriggerType)
	}
}
