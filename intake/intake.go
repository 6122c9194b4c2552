// Package intake polls the mailbox for analysis requests and admits them
// into the work queue. Admission is cheap on purpose: the body is not parsed
// here, only the sender's ledger standing is checked, so a flood of junk
// mail costs one gate query each.
package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/ledger"
	"github.com/stratusanalytics/relay/mail"
	"github.com/stratusanalytics/relay/queue"
)

// Config tunes the intake service.
type Config struct {
	PollInterval time.Duration
	// DefaultEstimate is the gate threshold for new submissions. The real
	// estimate is computed later by the executor once the body is parsed.
	DefaultEstimate float64
}

// Service is the mailbox-to-queue bridge.
type Service struct {
	inbox   mail.Inbox
	courier mail.Courier
	items   *queue.Store
	books   *ledger.Store
	cfg     Config
	log     *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped intake service.
func New(inbox mail.Inbox, courier mail.Courier, items *queue.Store, books *ledger.Store,
	cfg Config, log *zap.SugaredLogger) *Service {
	return &Service{
		inbox:   inbox,
		courier: courier,
		items:   items,
		books:   books,
		cfg:     cfg,
		log:     log,
	}
}

// Start launches the poll loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("intake service already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.done = make(chan struct{})

	go s.loop(ctx)

	s.log.Infow("Intake service started", "poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop cancels the poll loop, waits for it and closes the mailbox.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	if err := s.inbox.Close(); err != nil {
		s.log.Warnw("Mailbox close failed", "error", err)
	}
	s.log.Infow("Intake service stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Poll(ctx); err != nil {
			s.log.Errorw("Mailbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one fetch-and-admit pass over the mailbox.
func (s *Service) Poll(ctx context.Context) error {
	messages, err := s.inbox.FetchUnseen(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch unseen mail")
	}

	for _, msg := range messages {
		if err := s.admit(ctx, msg); err != nil {
			// Leave the message unseen so the next poll retries it.
			s.log.Errorw("Message admission failed",
				"uid", msg.UID,
				"from", msg.From,
				"error", err,
			)
			continue
		}
		if err := s.inbox.MarkSeen(ctx, msg.UID); err != nil {
			s.log.Warnw("Mark seen failed, message will be refetched",
				"uid", msg.UID,
				"error", err,
			)
		}
	}
	return nil
}

// admit gates one message on the sender's ledger standing and enqueues it.
func (s *Service) admit(ctx context.Context, msg mail.Message) error {
	log := s.log.With("uid", msg.UID, "from", msg.From)

	if err := s.books.Gate(ctx, msg.From, s.cfg.DefaultEstimate); err != nil {
		if errors.IsNotFoundError(err) || errors.IsInsufficientBalanceError(err) {
			log.Infow("Submission refused at gate", "reason", err)
			s.reply(ctx, msg.From, "Analysis request refused",
				"Your account balance cannot cover an analysis. Please top up and resubmit.")
			return nil
		}
		return errors.Wrap(err, "gate submission")
	}

	item, err := s.items.Enqueue(ctx, msg.From, msg.Subject, msg.Body)
	if errors.IsDuplicateItemError(err) {
		// Redelivered or resent mail; the original item already covers it.
		log.Debugw("Submission absorbed by existing work item", "item_id", item.ID)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "enqueue submission")
	}

	pending, err := s.items.PendingCount(ctx)
	if err != nil {
		log.Warnw("Pending count unavailable for acceptance reply", "error", err)
		pending = 1
	}
	s.reply(ctx, msg.From, "Analysis request accepted",
		fmt.Sprintf("Your request was accepted and queued behind %d other request(s).", pending-1))

	log.Infow("Submission enqueued", "item_id", item.ID)
	return nil
}

// reply sends a courtesy response. Failures are logged and swallowed; the
// submission's fate was already decided.
func (s *Service) reply(ctx context.Context, to, subject, body string) {
	err := s.courier.Send(ctx, mail.Outgoing{To: to, Subject: subject, Body: body})
	if err != nil {
		s.log.Warnw("Courtesy reply failed",
			"to", to,
			"subject", subject,
			"error", err,
		)
	}
}
