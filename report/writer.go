package report

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/errors"
)

// messageLogName is the append-only audit log kept next to the section
// artifacts.
const messageLogName = "message_tool.log"

// Writer is a Sink that persists report artifacts: one markdown file per
// section, overwritten on every update so the artifact always reflects the
// latest known value (idempotent under redelivery — the final decision
// section included), plus an append-only message log.
//
// Write failures are logged, never propagated: artifact persistence must
// not break aggregation.
type Writer struct {
	dir string
	log *zap.SugaredLogger
}

// NewWriter creates a writer rooted at baseDir/identifier/run-date.
func NewWriter(baseDir, identifier string, day time.Time, log *zap.SugaredLogger) (*Writer, error) {
	dir := filepath.Join(baseDir, identifier, day.Format("2006-01-02"))
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "create report directory %s", dir)
	}
	return &Writer{dir: dir, log: log}, nil
}

// Dir returns the run's artifact directory.
func (w *Writer) Dir() string {
	return w.dir
}

// OnSectionUpdated overwrites the section's artifact file.
func (w *Writer) OnSectionUpdated(section Section, content string) {
	path := filepath.Join(w.dir, string(section)+".md")
	if err := os.WriteFile(path, []byte(content), am.DefaultFilePermissions); err != nil {
		w.log.Errorw("Failed to persist report section",
			"section", section,
			"path", path,
			"error", err,
		)
		return
	}
	w.log.Debugw("Report section persisted",
		"section", section,
		"path", path,
	)
}

// OnStatusChanged records stage transitions in the log stream only; stage
// status is derived state and is not persisted as an artifact.
func (w *Writer) OnStatusChanged(stage Stage, status StageStatus) {
	w.log.Debugw("Stage status changed",
		"stage", stage,
		"status", status,
	)
}

// OnMessage appends one line to the audit log.
func (w *Writer) OnMessage(ts time.Time, kind, content string) {
	path := filepath.Join(w.dir, messageLogName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, am.DefaultFilePermissions)
	if err != nil {
		w.log.Errorw("Failed to open message log", "path", path, "error", err)
		return
	}
	defer f.Close()

	line := ts.Format("2006-01-02 15:04:05") + " [" + kind + "] " + content + "\n"
	if _, err := f.WriteString(line); err != nil {
		w.log.Errorw("Failed to append message log", "path", path, "error", err)
	}
}
