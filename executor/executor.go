package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/engine"
	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/ledger"
	"github.com/stratusanalytics/relay/mail"
	"github.com/stratusanalytics/relay/queue"
	"github.com/stratusanalytics/relay/report"
	"github.com/stratusanalytics/relay/translate"
)

// Config tunes per-run behavior of the executor.
type Config struct {
	// DefaultEstimate is the pre-debited cost for depth-1 runs; deeper
	// research scales it linearly.
	DefaultEstimate float64
	// ReportsDir is the artifact root, one subtree per identifier and day.
	ReportsDir string
	// DefaultProvider backs requests whose provider name classifies as
	// unknown.
	DefaultProvider engine.ProviderKind
}

// Executor processes claimed work items end to end. Every domain failure
// (bad payload, refused gate, engine error) is terminal for the item and
// recorded on it; only storage failures propagate to the worker loop.
type Executor struct {
	items   *queue.Store
	books   *ledger.Store
	runs    *RunLog
	engine  engine.Engine
	courier mail.Courier
	cfg     Config
	log     *zap.SugaredLogger

	now func() time.Time
}

// New creates an executor.
func New(items *queue.Store, books *ledger.Store, runs *RunLog, eng engine.Engine,
	courier mail.Courier, cfg Config, log *zap.SugaredLogger) *Executor {
	return &Executor{
		items:   items,
		books:   books,
		runs:    runs,
		engine:  eng,
		courier: courier,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Process handles one claimed work item. The claim transaction committed
// before this call; nothing here holds database locks across the engine
// run.
func (e *Executor) Process(ctx context.Context, item *queue.WorkItem) error {
	started := e.now()
	log := e.log.With("item_id", item.ID, "identity", item.SourceIdentity)

	// Translation precedes the debit, so unparseable requests are never
	// charged.
	req, err := translate.Parse([]byte(item.Body))
	if err != nil {
		log.Warnw("Work item failed translation", "error", err)
		e.notify(ctx, item.SourceIdentity, "Analysis request rejected",
			fmt.Sprintf("Your request could not be understood: %v", err))
		return e.items.MarkFailed(ctx, item.ID, err.Error())
	}
	log = log.With("identifier", req.Ticker)

	estimate := e.cfg.DefaultEstimate * float64(req.Depth)
	if err := e.books.Gate(ctx, item.SourceIdentity, estimate); err != nil {
		log.Warnw("Work item refused by ledger gate", "error", err)
		e.notify(ctx, item.SourceIdentity, "Analysis request refused",
			"Your balance cannot cover this analysis. Please top up and resubmit.")
		return e.items.MarkFailed(ctx, item.ID, err.Error())
	}

	// Pre-debit the estimate before dispatch. Checking first and charging
	// after the run would let concurrent requests share one stale balance.
	if err := e.books.Debit(ctx, item.SourceIdentity, estimate); err != nil {
		return errors.Wrap(err, "pre-debit estimate")
	}

	provider := engine.ClassifyProvider(req.Provider)
	if provider == engine.ProviderUnknown {
		provider = e.cfg.DefaultProvider
	}

	outcome := e.run(ctx, req, provider)
	finished := e.now()

	run := &Run{
		WorkItemID:    item.ID,
		Identity:      item.SourceIdentity,
		Identifier:    req.Ticker,
		EstimatedCost: estimate,
		StartedAt:     started,
		FinishedAt:    finished,
	}

	if outcome.err != nil {
		// Engine failure: the full estimate is credited back and the worker
		// moves on to the next item.
		log.Errorw("Analysis run failed", "error", outcome.err)
		if err := e.books.Refund(ctx, item.SourceIdentity, estimate); err != nil {
			log.Errorw("Refund after failed run did not apply", "error", err)
		}
		e.notify(ctx, item.SourceIdentity, fmt.Sprintf("Analysis of %s failed", req.Ticker),
			"The analysis run failed and your balance was not charged. Please try again later.")

		run.Status = RunFailed
		run.Error = outcome.err.Error()
		if err := e.runs.Record(ctx, run); err != nil {
			log.Errorw("Run log write failed", "error", err)
		}
		return e.items.MarkFailed(ctx, item.ID, outcome.err.Error())
	}

	if err := e.books.Settle(ctx, item.SourceIdentity, estimate, outcome.actualCost); err != nil {
		log.Errorw("Ledger settlement did not apply", "error", err)
	}

	e.sendReport(ctx, item.SourceIdentity, req.Ticker, outcome)

	run.Status = RunSucceeded
	run.ActualCost = outcome.actualCost
	if err := e.runs.Record(ctx, run); err != nil {
		log.Errorw("Run log write failed", "error", err)
	}

	log.Infow("Analysis run completed",
		"estimated", estimate,
		"actual", outcome.actualCost,
		"artifacts", outcome.artifactDir,
	)
	return e.items.MarkDone(ctx, item.ID)
}

type runOutcome struct {
	composite   string
	decision    string
	actualCost  float64
	artifactDir string
	err         error
}

// run drives one engine stream through a fresh aggregator. Snapshot
// delivery is serialized by the range loop; the aggregator needs no locks.
func (e *Executor) run(ctx context.Context, req *translate.Request, provider engine.ProviderKind) runOutcome {
	day := e.now().UTC()

	writer, err := report.NewWriter(e.cfg.ReportsDir, req.Ticker, day, e.log)
	if err != nil {
		return runOutcome{err: err}
	}
	agg := report.NewAggregator(req.Stages, report.Sinks{writer}, e.log)

	state, err := e.engine.InitialState(req.Ticker, day)
	if err != nil {
		return runOutcome{err: errors.Wrap(err, "build initial engine state")}
	}

	stream, err := e.engine.Stream(ctx, state, engine.Args{
		Stages:   req.Stages,
		Depth:    req.Depth,
		Provider: provider,
	})
	if err != nil {
		return runOutcome{err: errors.Wrap(err, "start engine stream")}
	}

	var terminal engine.Snapshot
	var received bool
	for snap := range stream {
		agg.Apply(snap)
		terminal = snap
		received = true
	}
	if ctx.Err() != nil {
		return runOutcome{err: errors.Wrap(ctx.Err(), "engine stream interrupted")}
	}
	if !received {
		return runOutcome{err: errors.New("engine stream produced no snapshots")}
	}

	composite := agg.Finalize(terminal)

	decision, err := e.engine.ProcessDecision(ctx, agg.State().Section(report.SectionFinalDecision), req.Ticker)
	if err != nil {
		return runOutcome{err: errors.Wrap(err, "process terminal decision")}
	}

	return runOutcome{
		composite:   composite,
		decision:    decision,
		actualCost:  terminal.Cost,
		artifactDir: writer.Dir(),
	}
}

// sendReport mails the final composite. Delivery failures are logged and
// never fail the run: the outcome was decided by the engine, and the
// artifacts are already on disk.
func (e *Executor) sendReport(ctx context.Context, identity, identifier string, outcome runOutcome) {
	html, err := report.ConvertHTML([]byte(outcome.composite))
	if err != nil {
		e.log.Errorw("Report conversion failed", "identifier", identifier, "error", err)
		html = nil
	}

	msg := mail.Outgoing{
		To:       identity,
		Subject:  fmt.Sprintf("Analysis report for %s", identifier),
		Body:     outcome.decision,
		HTMLBody: html,
		Attachment: &mail.Attachment{
			Filename:    fmt.Sprintf("%s-report.md", identifier),
			ContentType: "text/markdown",
			Data:        []byte(outcome.composite),
		},
	}
	if err := e.courier.Send(ctx, msg); err != nil {
		e.log.Errorw("Report delivery failed",
			"identity", identity,
			"identifier", identifier,
			"error", err,
		)
	}
}

func (e *Executor) notify(ctx context.Context, identity, subject, body string) {
	err := e.courier.Send(ctx, mail.Outgoing{To: identity, Subject: subject, Body: body})
	if err != nil {
		e.log.Warnw("Notification delivery failed",
			"identity", identity,
			"subject", subject,
			"error", err,
		)
	}
}
