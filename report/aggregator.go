package report

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/engine"
	"github.com/stratusanalytics/relay/translate"
)

// Sink receives aggregation callbacks for persistence side effects. The
// executor registers sinks once at construction; callbacks are invoked on
// the aggregator's goroutine and must not block for long.
type Sink interface {
	OnSectionUpdated(section Section, content string)
	OnStatusChanged(stage Stage, status StageStatus)
	OnMessage(ts time.Time, kind, content string)
}

// Sinks fans callbacks out to several sinks in registration order.
type Sinks []Sink

func (s Sinks) OnSectionUpdated(section Section, content string) {
	for _, sink := range s {
		sink.OnSectionUpdated(section, content)
	}
}

func (s Sinks) OnStatusChanged(stage Stage, status StageStatus) {
	for _, sink := range s {
		sink.OnStatusChanged(stage, status)
	}
}

func (s Sinks) OnMessage(ts time.Time, kind, content string) {
	for _, sink := range s {
		sink.OnMessage(ts, kind, content)
	}
}

// analystBinding ties a requested analyst stage to its snapshot field and
// report section.
type analystBinding struct {
	stage   Stage
	section Section
	extract func(engine.Snapshot) string
}

var analystBindings = map[translate.Stage]analystBinding{
	translate.StageMarket: {StageMarketAnalyst, SectionMarket,
		func(s engine.Snapshot) string { return s.MarketReport }},
	translate.StageSocial: {StageSocialAnalyst, SectionSentiment,
		func(s engine.Snapshot) string { return s.SentimentReport }},
	translate.StageNews: {StageNewsAnalyst, SectionNews,
		func(s engine.Snapshot) string { return s.NewsReport }},
	translate.StageFundamentals: {StageFundamentalsAnalyst, SectionFundamentals,
		func(s engine.Snapshot) string { return s.FundamentalsReport }},
}

// Aggregator owns one run's State and folds the engine's snapshot stream
// into it. Single-owner and single-threaded: the executor serializes
// snapshot delivery, so no internal locking is needed.
type Aggregator struct {
	state *State
	sink  Sink
	log   *zap.SugaredLogger

	// hand-off chain over the analysts actually requested, in order
	chain []analystBinding

	// cumulative-transcript watermarks for last-line extraction
	prevBull    int
	prevBear    int
	prevRisky   int
	prevSafe    int
	prevNeutral int

	seenMessages int

	now func() time.Time
}

// NewAggregator creates an aggregator for one request. requested selects
// which analyst stages participate in the hand-off chain; the first one is
// marked in progress immediately.
func NewAggregator(requested []translate.Stage, sink Sink, log *zap.SugaredLogger) *Aggregator {
	if sink == nil {
		sink = Sinks{}
	}
	a := &Aggregator{
		state: NewState(),
		sink:  sink,
		log:   log,
		now:   time.Now,
	}
	for _, stage := range requested {
		if binding, ok := analystBindings[stage]; ok {
			a.chain = append(a.chain, binding)
		}
	}
	if len(a.chain) > 0 {
		a.setStatus(a.chain[0].stage, StatusInProgress)
	}
	return a
}

// State exposes the aggregate view, for composites and status inspection.
func (a *Aggregator) State() *State {
	return a.state
}

// Apply folds one snapshot into the state. The checks are independent and
// non-exclusive: a single snapshot may carry several updates at once.
// Applying the same snapshot twice is a no-op.
func (a *Aggregator) Apply(snap engine.Snapshot) {
	a.applyMessages(snap)
	a.applyAnalysts(snap)
	a.applyResearchDebate(snap)
	a.applyTraderPlan(snap)
	a.applyRiskDebate(snap)
}

// Finalize treats the terminal snapshot as authoritative: any section still
// empty takes the terminal value, every stage is forced to completed, and
// the final composite is returned.
func (a *Aggregator) Finalize(terminal engine.Snapshot) string {
	fill := func(section Section, content string) {
		if content != "" && a.state.Section(section) == "" {
			a.setSection(section, content)
		}
	}

	fill(SectionMarket, terminal.MarketReport)
	fill(SectionSentiment, terminal.SentimentReport)
	fill(SectionNews, terminal.NewsReport)
	fill(SectionFundamentals, terminal.FundamentalsReport)

	fill(SectionInvestmentPlan, terminal.InvestmentPlan)
	if terminal.InvestmentDebate != nil {
		fill(SectionInvestmentPlan, terminal.InvestmentDebate.JudgeDecision)
	}

	fill(SectionTraderPlan, terminal.TraderPlan)

	fill(SectionFinalDecision, terminal.FinalDecision)
	if terminal.RiskDebate != nil {
		fill(SectionFinalDecision, terminal.RiskDebate.JudgeDecision)
	}

	for _, stage := range AllStages() {
		a.setStatus(stage, StatusCompleted)
	}

	return a.state.FinalComposite()
}

func (a *Aggregator) applyAnalysts(snap engine.Snapshot) {
	for i, binding := range a.chain {
		content := binding.extract(snap)
		if content == "" || a.state.Section(binding.section) != "" {
			continue
		}
		a.setSection(binding.section, content)
		a.setStatus(binding.stage, StatusCompleted)

		if i+1 < len(a.chain) {
			a.setStatus(a.chain[i+1].stage, StatusInProgress)
		} else {
			// The last analyst hands off to the research team.
			a.setStatus(StageBullResearcher, StatusInProgress)
			a.setStatus(StageBearResearcher, StatusInProgress)
			a.setStatus(StageResearchManager, StatusInProgress)
		}
	}
}

func (a *Aggregator) applyResearchDebate(snap engine.Snapshot) {
	debate := snap.InvestmentDebate
	if debate == nil {
		return
	}

	// Transcripts are cumulative: re-extracting the whole history every
	// tick would duplicate prior lines, so only the newest line is taken.
	a.prevBull = a.emitNewLastLine(string(StageBullResearcher), debate.BullHistory, a.prevBull)
	a.prevBear = a.emitNewLastLine(string(StageBearResearcher), debate.BearHistory, a.prevBear)

	if debate.JudgeDecision != "" && a.state.Section(SectionInvestmentPlan) == "" {
		a.setSection(SectionInvestmentPlan, debate.JudgeDecision)
		a.setStatus(StageBullResearcher, StatusCompleted)
		a.setStatus(StageBearResearcher, StatusCompleted)
		a.setStatus(StageResearchManager, StatusCompleted)
		a.setStatus(StageTrader, StatusInProgress)
	}
}

func (a *Aggregator) applyTraderPlan(snap engine.Snapshot) {
	// Write-once: the producer repeats the plan in later snapshots.
	if snap.TraderPlan == "" || a.state.Section(SectionTraderPlan) != "" {
		return
	}
	a.setSection(SectionTraderPlan, snap.TraderPlan)
	a.setStatus(StageTrader, StatusCompleted)
	a.setStatus(StageRiskyAnalyst, StatusInProgress)
	a.setStatus(StageSafeAnalyst, StatusInProgress)
	a.setStatus(StageNeutralAnalyst, StatusInProgress)
	a.setStatus(StagePortfolioManager, StatusInProgress)
}

func (a *Aggregator) applyRiskDebate(snap engine.Snapshot) {
	debate := snap.RiskDebate
	if debate == nil {
		return
	}

	a.prevRisky = a.emitNewLastLine(string(StageRiskyAnalyst), debate.RiskyHistory, a.prevRisky)
	a.prevSafe = a.emitNewLastLine(string(StageSafeAnalyst), debate.SafeHistory, a.prevSafe)
	a.prevNeutral = a.emitNewLastLine(string(StageNeutralAnalyst), debate.NeutralHistory, a.prevNeutral)

	if debate.JudgeDecision != "" && a.state.Section(SectionFinalDecision) == "" {
		a.setSection(SectionFinalDecision, debate.JudgeDecision)
		a.setStatus(StageRiskyAnalyst, StatusCompleted)
		a.setStatus(StageSafeAnalyst, StatusCompleted)
		a.setStatus(StageNeutralAnalyst, StatusCompleted)
		a.setStatus(StagePortfolioManager, StatusCompleted)
	}
}

func (a *Aggregator) applyMessages(snap engine.Snapshot) {
	if len(snap.Messages) < a.seenMessages {
		// Producer restarted its message list; re-anchor.
		a.seenMessages = 0
	}
	for _, msg := range snap.Messages[a.seenMessages:] {
		a.sink.OnMessage(a.now(), msg.Role, msg.Content)
	}
	a.seenMessages = len(snap.Messages)
}

func (a *Aggregator) emitNewLastLine(kind, history string, watermark int) int {
	if len(history) <= watermark {
		return watermark
	}
	if line := lastNonEmptyLine(history); line != "" {
		a.sink.OnMessage(a.now(), kind, line)
	}
	return len(history)
}

func (a *Aggregator) setSection(section Section, content string) {
	if a.state.SetSection(section, content) {
		a.log.Debugw("Report section updated",
			"section", section,
			"bytes", len(content),
		)
		a.sink.OnSectionUpdated(section, content)
	}
}

func (a *Aggregator) setStatus(stage Stage, status StageStatus) {
	if a.state.SetStatus(stage, status) {
		a.sink.OnStatusChanged(stage, status)
	}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n \t"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
