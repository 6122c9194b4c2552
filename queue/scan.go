package queue

import (
	"database/sql"
	"time"

	"github.com/stratusanalytics/relay/errors"
)

// standardSelectColumns is the column list every work item query selects,
// in the order the scan helpers expect.
const standardSelectColumns = `id, source_identity, subject, body, content_fingerprint, status, error, claimed_at, worker_id, created_at, updated_at`

// itemScanArgs holds the nullable and text-encoded columns that need
// post-processing after a row scan.
type itemScanArgs struct {
	subject   sql.NullString
	errText   sql.NullString
	claimedAt sql.NullString
	workerID  sql.NullString
	createdAt string
	updatedAt string
}

// scanTargets returns scan destinations for standardSelectColumns.
func scanTargets(item *WorkItem, args *itemScanArgs) []interface{} {
	return []interface{}{
		&item.ID,
		&item.SourceIdentity,
		&args.subject,
		&item.Body,
		&item.ContentFingerprint,
		&item.Status,
		&args.errText,
		&args.claimedAt,
		&args.workerID,
		&args.createdAt,
		&args.updatedAt,
	}
}

// applyScanArgs converts scanned nullable columns onto the item.
func applyScanArgs(item *WorkItem, args *itemScanArgs) error {
	if args.subject.Valid {
		item.Subject = args.subject.String
	}
	if args.errText.Valid {
		item.Error = args.errText.String
	}
	if args.workerID.Valid {
		item.WorkerID = args.workerID.String
	}
	if args.claimedAt.Valid && args.claimedAt.String != "" {
		t, err := time.Parse(time.RFC3339, args.claimedAt.String)
		if err != nil {
			return errors.Wrapf(err, "parse claimed_at for item %s", item.ID)
		}
		item.ClaimedAt = &t
	}

	createdAt, err := time.Parse(time.RFC3339, args.createdAt)
	if err != nil {
		return errors.Wrapf(err, "parse created_at for item %s", item.ID)
	}
	item.CreatedAt = createdAt

	updatedAt, err := time.Parse(time.RFC3339, args.updatedAt)
	if err != nil {
		return errors.Wrapf(err, "parse updated_at for item %s", item.ID)
	}
	item.UpdatedAt = updatedAt

	return nil
}
