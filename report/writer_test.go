package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	day := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	w, err := NewWriter(t.TempDir(), "000831", day, zap.NewNop().Sugar())
	require.NoError(t, err)
	return w
}

func TestWriterOverwritesSectionArtifacts(t *testing.T) {
	w := newTestWriter(t)

	w.OnSectionUpdated(SectionMarket, "first draft")
	w.OnSectionUpdated(SectionMarket, "latest value")

	data, err := os.ReadFile(filepath.Join(w.Dir(), "market_report.md"))
	require.NoError(t, err)
	assert.Equal(t, "latest value", string(data),
		"section artifacts reflect only the latest value")
}

func TestWriterFinalDecisionOverwritesToo(t *testing.T) {
	w := newTestWriter(t)

	// Redelivered runs rewrite the decision artifact, they never stack it.
	w.OnSectionUpdated(SectionFinalDecision, "decision v1")
	w.OnSectionUpdated(SectionFinalDecision, "decision v2")

	data, err := os.ReadFile(filepath.Join(w.Dir(), "final_trade_decision.md"))
	require.NoError(t, err)
	assert.Equal(t, "decision v2", string(data))
}

func TestWriterAppendsMessageLog(t *testing.T) {
	w := newTestWriter(t)
	ts := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)

	w.OnMessage(ts, "system", "run started")
	w.OnMessage(ts.Add(time.Minute), "Bull Researcher", "strong earnings")

	data, err := os.ReadFile(filepath.Join(w.Dir(), messageLogName))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2, "message log is append-only")
	assert.Equal(t, "2026-08-31 09:30:00 [system] run started", lines[0])
	assert.Equal(t, "2026-08-31 09:31:00 [Bull Researcher] strong earnings", lines[1])
}

func TestWriterLayoutIsKeyedByIdentifierAndDate(t *testing.T) {
	base := t.TempDir()
	day := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	w, err := NewWriter(base, "600519", day, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "600519", "2026-08-31"), w.Dir())
}

func TestConvertHTMLRendersMarkdown(t *testing.T) {
	html, err := ConvertHTML([]byte("## Analyst Team Reports\n\n| a | b |\n|---|---|\n| 1 | 2 |\n"))
	require.NoError(t, err)

	assert.Contains(t, string(html), "<h2")
	assert.Contains(t, string(html), "<table>")
	assert.Contains(t, string(html), "<!DOCTYPE html>")
}
