// Package engine defines the contract with the external multi-stage
// analysis engine. The engine is consumed as an opaque producer of partial
// state snapshots; this package carries the types crossing that boundary
// and the provider classification, but no engine implementation.
package engine

import (
	"context"
	"time"

	"github.com/stratusanalytics/relay/translate"
)

// Message is one conversational event emitted during a run, surfaced in the
// audit log.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DebateState is the cumulative transcript of the bull/bear research
// debate. Histories grow monotonically across snapshots; JudgeDecision is
// empty until the research manager rules.
type DebateState struct {
	BullHistory   string `json:"bull_history"`
	BearHistory   string `json:"bear_history"`
	JudgeDecision string `json:"judge_decision"`
}

// RiskDebateState is the cumulative transcript of the risk debate.
type RiskDebateState struct {
	RiskyHistory   string `json:"risky_history"`
	SafeHistory    string `json:"safe_history"`
	NeutralHistory string `json:"neutral_history"`
	JudgeDecision  string `json:"judge_decision"`
}

// Snapshot is one partial-state event from a run. Fields are empty until
// the engine has computed them; later snapshots may repeat earlier fields
// unchanged, so consumers must apply updates idempotently.
type Snapshot struct {
	MarketReport       string           `json:"market_report,omitempty"`
	SentimentReport    string           `json:"sentiment_report,omitempty"`
	NewsReport         string           `json:"news_report,omitempty"`
	FundamentalsReport string           `json:"fundamentals_report,omitempty"`
	InvestmentPlan     string           `json:"investment_plan,omitempty"`
	TraderPlan         string           `json:"trader_investment_plan,omitempty"`
	FinalDecision      string           `json:"final_trade_decision,omitempty"`
	Messages           []Message        `json:"messages,omitempty"`
	InvestmentDebate   *DebateState     `json:"investment_debate_state,omitempty"`
	RiskDebate         *RiskDebateState `json:"risk_debate_state,omitempty"`

	// Cost is the cumulative spend of the run so far; the terminal
	// snapshot's value is the actual cost settled against the ledger.
	Cost float64 `json:"cost,omitempty"`
}

// State is the engine's opaque per-run state handle.
type State map[string]interface{}

// Args carries per-run engine arguments derived from the translated
// request.
type Args struct {
	Stages   []translate.Stage
	Depth    int
	Provider ProviderKind
}

// Engine is the analysis engine consumed by the executor.
type Engine interface {
	// InitialState builds the engine state for one identifier and run day.
	InitialState(identifier string, day time.Time) (State, error)

	// Stream runs the analysis, emitting partial-state snapshots on the
	// returned channel until the run finishes, then closes it. The stream
	// is finite and not restartable; the last snapshot is authoritative.
	Stream(ctx context.Context, state State, args Args) (<-chan Snapshot, error)

	// ProcessDecision post-processes the final decision section after the
	// stream is exhausted, returning the condensed decision text.
	ProcessDecision(ctx context.Context, finalSection, identifier string) (string, error)
}
