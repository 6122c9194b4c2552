package engine

import "strings"

// ProviderKind is the closed set of engine backends relay knows how to
// configure.
type ProviderKind string

const (
	ProviderDashscope    ProviderKind = "dashscope"
	ProviderDeepSeek     ProviderKind = "deepseek"
	ProviderOpenAI       ProviderKind = "openai"
	ProviderCustomOpenAI ProviderKind = "custom_openai"
	ProviderAnthropic    ProviderKind = "anthropic"
	ProviderGoogle       ProviderKind = "google"
	ProviderUnknown      ProviderKind = "unknown"
)

// ClassifyProvider maps a raw provider name onto the closed enumeration.
// Pure string classification: no environment reads, no config lookups.
// Callers decide what to do with ProviderUnknown (typically fall back to
// the configured default).
func ClassifyProvider(raw string) ProviderKind {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case name == "":
		return ProviderUnknown
	case strings.Contains(name, "dashscope"),
		strings.Contains(name, "qwen"),
		strings.Contains(name, "alibaba"),
		strings.Contains(name, "tongyi"):
		return ProviderDashscope
	case strings.Contains(name, "deepseek"):
		return ProviderDeepSeek
	case strings.Contains(name, "custom"):
		return ProviderCustomOpenAI
	case strings.Contains(name, "openai"),
		strings.Contains(name, "gpt"):
		return ProviderOpenAI
	case strings.Contains(name, "anthropic"),
		strings.Contains(name, "claude"):
		return ProviderAnthropic
	case strings.Contains(name, "google"),
		strings.Contains(name, "gemini"):
		return ProviderGoogle
	default:
		return ProviderUnknown
	}
}
