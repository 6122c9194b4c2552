// Package queue implements the durable work queue: persisted inbound work
// items with content-based deduplication, an atomic claim protocol for
// concurrent consumers, and stale-claim reclamation.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status of a work item in its queue lifecycle.
type Status string

const (
	// StatusPending means the item is waiting to be claimed
	StatusPending Status = "pending"
	// StatusProcessing means a worker has claimed the item
	StatusProcessing Status = "processing"
	// StatusDone means processing finished successfully
	StatusDone Status = "done"
	// StatusFailed means processing finished with an error
	StatusFailed Status = "failed"
)

// WorkItem is one inbound unit of work, typically a single analysis request
// lifted from an email or a recurring schedule.
type WorkItem struct {
	ID                 string     `json:"id"`
	SourceIdentity     string     `json:"source_identity"`
	Subject            string     `json:"subject,omitempty"`
	Body               string     `json:"body"`
	ContentFingerprint string     `json:"content_fingerprint"`
	Status             Status     `json:"status"`
	Error              string     `json:"error,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	WorkerID           string     `json:"worker_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewWorkItem creates a pending work item with its content fingerprint
// computed from the submission fields.
func NewWorkItem(identity, subject, body string, salted bool) *WorkItem {
	now := time.Now().UTC()
	return &WorkItem{
		ID:                 uuid.NewString(),
		SourceIdentity:     identity,
		Subject:            subject,
		Body:               body,
		ContentFingerprint: Fingerprint(identity, subject, body, salted),
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// IsTerminal reports whether the item has reached a final status.
func (w *WorkItem) IsTerminal() bool {
	return w.Status == StatusDone || w.Status == StatusFailed
}
