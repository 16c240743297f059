package app

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/archmesh/archmesh/internal/application/workflow"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// Journal event kinds
const (
	EventTransition = "transition"
	EventStage      = "stage"
)

// JournalEntry is one NDJSON line of the session journal
type JournalEntry struct {
	TS        string `json:"ts"`
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error"`
	Version   int64  `json:"version"`
}

// JournalWriter appends transitions and stage attempts to an NDJSON file.
// It is a workflow.Observer and a workflow.StageObserver; write failures are
// logged, never returned to the workflow.
type JournalWriter struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewJournalWriter creates a new JournalWriter instance
func NewJournalWriter(fs afero.Fs, path string, logger *slog.Logger) *JournalWriter {
	if logger == nil {
		logger = DiscardLogger()
	}
	return &JournalWriter{fs: fs, path: path, logger: logger, now: time.Now}
}

// Path returns the journal file path
func (w *JournalWriter) Path() string {
	return w.path
}

// OnTransition implements workflow.Observer
func (w *JournalWriter) OnTransition(session *wf.Session, tr wf.Transition) {
	w.record(&JournalEntry{
		Event:     EventTransition,
		SessionID: session.ID,
		ProjectID: session.ProjectID,
		From:      string(tr.From),
		To:        string(tr.To),
		Version:   session.Version,
	})
}

// OnStageExecuted implements workflow.StageObserver
func (w *JournalWriter) OnStageExecuted(session *wf.Session, result workflow.StageResult) {
	success := result.Success
	w.record(&JournalEntry{
		Event:     EventStage,
		SessionID: session.ID,
		ProjectID: session.ProjectID,
		Stage:     string(result.Stage),
		Success:   &success,
		ElapsedMs: result.Duration.Milliseconds(),
		Error:     result.Error,
		Version:   session.Version,
	})
}

func (w *JournalWriter) record(entry *JournalEntry) {
	if err := w.Append(entry); err != nil {
		w.logger.Warn("journal append failed", "path", w.path, "session_id", entry.SessionID, "error", err)
	}
}

// Append writes one entry, filling the timestamp when empty
func (w *JournalWriter) Append(entry *JournalEntry) error {
	if entry.TS == "" {
		entry.TS = w.now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fs.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	// fsync failures are not fatal; the line is already in the page cache
	if err := f.Sync(); err != nil {
		w.logger.Debug("journal fsync failed", "error", err)
	}
	return nil
}

// ReadJournal returns the entries of one session in file order, or all
// entries when sessionID is empty. A missing file is an empty journal.
// Malformed lines are skipped.
func ReadJournal(fs afero.Fs, path, sessionID string) ([]JournalEntry, error) {
	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return []JournalEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	entries := []JournalEntry{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if sessionID == "" || e.SessionID == sessionID {
			entries = append(entries, e)
		}
	}
	return entries, sc.Err()
}
