package app

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archmesh/archmesh/internal/application/workflow"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

func journalSession(t *testing.T, project string) *wf.Session {
	t.Helper()
	s, err := wf.NewSession(project, "doc-1", time.Now())
	require.NoError(t, err)
	s.Version = 3
	return s
}

func TestJournalWriter_RecordsTransitionsAndStages(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewJournalWriter(fs, "/home/journal.ndjson", nil)
	w.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	s := journalSession(t, "shop")
	w.OnTransition(s, wf.Transition{From: wf.StageStarting, To: wf.StageDocumentAnalysis, Execute: true})
	w.OnStageExecuted(s, workflow.StageResult{
		Stage:    wf.StageDocumentAnalysis,
		Success:  false,
		Error:    workflow.TimeoutMessage,
		Duration: 1500 * time.Millisecond,
	})

	entries, err := ReadJournal(fs, w.Path(), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	tr := entries[0]
	assert.Equal(t, EventTransition, tr.Event)
	assert.Equal(t, s.ID, tr.SessionID)
	assert.Equal(t, "shop", tr.ProjectID)
	assert.Equal(t, "starting", tr.From)
	assert.Equal(t, "document_analysis", tr.To)
	assert.Nil(t, tr.Success)
	assert.Equal(t, "2026-01-02T03:04:05Z", tr.TS)
	assert.Equal(t, int64(3), tr.Version)

	st := entries[1]
	assert.Equal(t, EventStage, st.Event)
	assert.Equal(t, "document_analysis", st.Stage)
	require.NotNil(t, st.Success)
	assert.False(t, *st.Success)
	assert.Equal(t, "timeout", st.Error)
	assert.Equal(t, int64(1500), st.ElapsedMs)
}

func TestReadJournal_FiltersBySession(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewJournalWriter(fs, "/j.ndjson", nil)

	a := journalSession(t, "shop")
	b := journalSession(t, "inventory")
	w.OnTransition(a, wf.Transition{To: wf.StageStarting, Execute: true})
	w.OnTransition(b, wf.Transition{To: wf.StageStarting, Execute: true})
	w.OnTransition(a, wf.Transition{From: wf.StageStarting, To: wf.StageDocumentAnalysis})

	entries, err := ReadJournal(fs, "/j.ndjson", a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, a.ID, e.SessionID)
	}
}

func TestReadJournal_MissingAndMalformed(t *testing.T) {
	fs := afero.NewMemMapFs()

	entries, err := ReadJournal(fs, "/missing.ndjson", "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, afero.WriteFile(fs, "/j.ndjson", []byte("not json\n\n{\"event\":\"stage\",\"session_id\":\"WS-1\"}\n"), 0o644))
	entries, err = ReadJournal(fs, "/j.ndjson", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "WS-1", entries[0].SessionID)
}

func TestJournalWriter_WriteFailureIsLogged(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	w := NewJournalWriter(fs, "/j.ndjson", nil)

	assert.NotPanics(t, func() {
		w.OnTransition(journalSession(t, "shop"), wf.Transition{To: wf.StageStarting})
	})
	require.Error(t, w.Append(&JournalEntry{Event: EventTransition}))
}
