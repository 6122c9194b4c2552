// Package report implements the streaming aggregator: it folds the
// analysis engine's partial-state snapshots into named report sections and
// stage statuses, derives current and final composite reports, and emits
// observer callbacks for persistence side effects.
package report

import "strings"

// Section names one report section. The set is fixed; composites always
// render sections in canonical order regardless of arrival order.
type Section string

const (
	SectionMarket         Section = "market_report"
	SectionSentiment      Section = "sentiment_report"
	SectionNews           Section = "news_report"
	SectionFundamentals   Section = "fundamentals_report"
	SectionInvestmentPlan Section = "investment_plan"
	SectionTraderPlan     Section = "trader_investment_plan"
	SectionFinalDecision  Section = "final_trade_decision"
)

// CanonicalOrder returns every section in composite rendering order.
func CanonicalOrder() []Section {
	return []Section{
		SectionMarket,
		SectionSentiment,
		SectionNews,
		SectionFundamentals,
		SectionInvestmentPlan,
		SectionTraderPlan,
		SectionFinalDecision,
	}
}

// analystSections are the four sections grouped under the analyst team
// header in the final composite.
var analystSections = []Section{
	SectionMarket,
	SectionSentiment,
	SectionNews,
	SectionFundamentals,
}

var sectionTitles = map[Section]string{
	SectionMarket:         "Market Analysis",
	SectionSentiment:      "Social Sentiment",
	SectionNews:           "News Analysis",
	SectionFundamentals:   "Fundamentals Analysis",
	SectionInvestmentPlan: "Research Team Decision",
	SectionTraderPlan:     "Trading Team Plan",
	SectionFinalDecision:  "Portfolio Management Decision",
}

// Title returns the section's human-readable heading.
func (s Section) Title() string {
	return sectionTitles[s]
}

// Stage names one phase of the engine workflow.
type Stage string

const (
	StageMarketAnalyst       Stage = "Market Analyst"
	StageSocialAnalyst       Stage = "Social Analyst"
	StageNewsAnalyst         Stage = "News Analyst"
	StageFundamentalsAnalyst Stage = "Fundamentals Analyst"
	StageBullResearcher      Stage = "Bull Researcher"
	StageBearResearcher      Stage = "Bear Researcher"
	StageResearchManager     Stage = "Research Manager"
	StageTrader              Stage = "Trader"
	StageRiskyAnalyst        Stage = "Risky Analyst"
	StageSafeAnalyst         Stage = "Safe Analyst"
	StageNeutralAnalyst      Stage = "Neutral Analyst"
	StagePortfolioManager    Stage = "Portfolio Manager"
)

// AllStages returns every stage in workflow order.
func AllStages() []Stage {
	return []Stage{
		StageMarketAnalyst,
		StageSocialAnalyst,
		StageNewsAnalyst,
		StageFundamentalsAnalyst,
		StageBullResearcher,
		StageBearResearcher,
		StageResearchManager,
		StageTrader,
		StageRiskyAnalyst,
		StageSafeAnalyst,
		StageNeutralAnalyst,
		StagePortfolioManager,
	}
}

// StageStatus is a stage's progress marker.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusError      StageStatus = "error"
)

// State is one run's aggregate view. Owned by exactly one aggregator for
// the lifetime of one request; no internal locking.
type State struct {
	sections    map[Section]string
	statuses    map[Stage]StageStatus
	lastUpdated Section
}

// NewState creates an empty state with every stage pending.
func NewState() *State {
	s := &State{
		sections: make(map[Section]string, len(sectionTitles)),
		statuses: make(map[Stage]StageStatus, 12),
	}
	for _, section := range CanonicalOrder() {
		s.sections[section] = ""
	}
	for _, stage := range AllStages() {
		s.statuses[stage] = StatusPending
	}
	return s
}

// Section returns the section's current content.
func (s *State) Section(section Section) string {
	return s.sections[section]
}

// SetSection writes a section and reports whether the content changed.
// Writing identical content twice is a no-op, which keeps composites
// stable under snapshot redelivery.
func (s *State) SetSection(section Section, content string) bool {
	if s.sections[section] == content {
		return false
	}
	s.sections[section] = content
	s.lastUpdated = section
	return true
}

// Status returns a stage's current status.
func (s *State) Status(stage Stage) StageStatus {
	return s.statuses[stage]
}

// SetStatus updates a stage status and reports whether it changed.
func (s *State) SetStatus(stage Stage, status StageStatus) bool {
	if s.statuses[stage] == status {
		return false
	}
	s.statuses[stage] = status
	return true
}

// Statuses returns a copy of the stage status map.
func (s *State) Statuses() map[Stage]StageStatus {
	out := make(map[Stage]StageStatus, len(s.statuses))
	for stage, status := range s.statuses {
		out[stage] = status
	}
	return out
}

// CurrentComposite renders the most recently updated non-empty section
// under its title, the "what just happened" view.
func (s *State) CurrentComposite() string {
	if s.lastUpdated == "" || s.sections[s.lastUpdated] == "" {
		return ""
	}
	return "# " + s.lastUpdated.Title() + "\n\n" + s.sections[s.lastUpdated]
}

// FinalComposite concatenates every non-empty section in canonical order,
// grouping the four analyst sections under one header. The rendering
// depends only on section contents, never on update order.
func (s *State) FinalComposite() string {
	var b strings.Builder

	var analystParts []string
	for _, section := range analystSections {
		if content := s.sections[section]; content != "" {
			analystParts = append(analystParts, "### "+section.Title()+"\n\n"+content)
		}
	}
	if len(analystParts) > 0 {
		b.WriteString("## Analyst Team Reports\n\n")
		b.WriteString(strings.Join(analystParts, "\n\n"))
	}

	for _, section := range []Section{SectionInvestmentPlan, SectionTraderPlan, SectionFinalDecision} {
		if content := s.sections[section]; content != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString("## " + section.Title() + "\n\n")
			b.WriteString(content)
		}
	}

	return b.String()
}
