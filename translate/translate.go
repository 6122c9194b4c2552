// Package translate maps raw inbound payloads (email bodies, stored
// schedule definitions) into validated analysis requests. Parsing is pure:
// no I/O, no environment, structured errors instead of panics.
package translate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/stratusanalytics/relay/errors"
)

// Stage is one analyst stage of the analysis workflow.
type Stage string

const (
	StageMarket       Stage = "market"
	StageSocial       Stage = "social"
	StageNews         Stage = "news"
	StageFundamentals Stage = "fundamentals"
)

// DefaultDepth is the research depth used when the payload omits or
// mangles the depth parameter.
const DefaultDepth = 1

// TickerWidth is the fixed width tickers are left-padded to.
const TickerWidth = 6

// DefaultStages returns the full analyst set, used when the payload names
// no recognizable stages.
func DefaultStages() []Stage {
	return []Stage{StageMarket, StageSocial, StageNews, StageFundamentals}
}

// Request is a validated analysis request.
type Request struct {
	Ticker   string  `json:"ticker"`
	Stages   []Stage `json:"stages"`
	Depth    int     `json:"depth"`
	Provider string  `json:"provider,omitempty"`
}

// ParseError describes why a payload could not be translated. It matches
// errors.ErrBadRequest under errors.Is so queue-layer callers can treat all
// translation failures uniformly.
type ParseError struct {
	Reason string
	Cause  error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("translate: %s: %v", e.Reason, e.Cause)
	}
	return "translate: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Cause }

func (e *ParseError) Is(target error) bool { return target == errors.ErrBadRequest }

// stageAliases maps human-language stage names onto the known stage set.
// Requests arrive in English and Chinese, so both name sets are accepted.
var stageAliases = map[string]Stage{
	"market":       StageMarket,
	"technical":    StageMarket,
	"price":        StageMarket,
	"技术":            StageMarket,
	"技术分析":          StageMarket,
	"市场":            StageMarket,
	"市场分析":          StageMarket,
	"social":       StageSocial,
	"sentiment":    StageSocial,
	"社交":            StageSocial,
	"情绪":            StageSocial,
	"市场情绪":          StageSocial,
	"news":         StageNews,
	"media":        StageNews,
	"新闻":            StageNews,
	"新闻分析":          StageNews,
	"fundamentals": StageFundamentals,
	"fundamental":  StageFundamentals,
	"financials":   StageFundamentals,
	"基本面":           StageFundamentals,
	"基本面分析":         StageFundamentals,
}

// Parse translates a raw JSON payload into a validated request.
func Parse(body []byte) (*Request, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{Reason: "payload is not decodable JSON", Cause: err}
	}

	ticker := NormalizeTicker(stringField(raw, "ticker"))
	if ticker == "" {
		return nil, &ParseError{Reason: "payload contains no ticker digits"}
	}

	return &Request{
		Ticker:   ticker,
		Stages:   MapStages(stringList(raw["stages"])),
		Depth:    parseDepth(raw["depth"]),
		Provider: stringField(raw, "provider"),
	}, nil
}

// NormalizeTicker extracts the digits from a ticker-like string and
// left-pads them with zeros to TickerWidth. Returns "" when the input
// contains no digits at all.
func NormalizeTicker(s string) string {
	var digits strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	t := digits.String()
	if t == "" {
		return ""
	}
	for len(t) < TickerWidth {
		t = "0" + t
	}
	return t
}

// MapStages maps human stage names onto the known stage enumeration.
// Unrecognized names are dropped; duplicates collapse; an empty result
// substitutes the full default set.
func MapStages(names []string) []Stage {
	var stages []Stage
	seen := make(map[Stage]bool)
	for _, name := range names {
		stage, ok := stageAliases[strings.ToLower(strings.TrimSpace(name))]
		if !ok || seen[stage] {
			continue
		}
		seen[stage] = true
		stages = append(stages, stage)
	}
	if len(stages) == 0 {
		return DefaultStages()
	}
	return stages
}

func parseDepth(v interface{}) int {
	switch d := v.(type) {
	case float64:
		if d >= 1 {
			return int(d)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(d)); err == nil && n >= 1 {
			return n
		}
	}
	return DefaultDepth
}

func stringField(raw map[string]interface{}, key string) string {
	if s, ok := raw[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
