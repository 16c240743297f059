// Package storetest is the behavioural suite every workflow.Store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// Factory returns an empty store; cleanup is registered on t
type Factory func(t *testing.T) wf.Store

var base = time.Date(2026, 5, 1, 12, 0, 0, 123456000, time.UTC)

// Run executes the suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store wf.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"RoundTripAfterUpdates", testRoundTrip},
		{"DuplicateID", testDuplicateID},
		{"AlreadyRunning", testAlreadyRunning},
		{"GetNotFound", testGetNotFound},
		{"UpdateBumpsVersion", testUpdateBumpsVersion},
		{"MutatorErrorAbortsWrite", testMutatorError},
		{"StaleWriteConflicts", testStaleWriteConflicts},
		{"TerminalSessionIsReadOnly", testTerminalReadOnly},
		{"ActiveSlotFreedOnFailure", testActiveSlotFreed},
		{"ListByProjectInsertionOrder", testListOrder},
		{"ListActiveAcrossProjects", testListActive},
		{"ReturnsCopies", testReturnsCopies},
		{"ConcurrentUpdatesSerialise", testConcurrentUpdates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newSession(t *testing.T, project string) *wf.Session {
	t.Helper()
	s, err := wf.NewSession(project, "doc-"+project, base)
	require.NoError(t, err)
	return s
}

func testCreateAndGet(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")

	require.NoError(t, store.Create(ctx, s))

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, wf.StageStarting, got.CurrentStage)
	assert.True(t, got.IsActive)
	assert.Empty(t, got.StateData.CompletedStages)
	assert.NotNil(t, got.StateData.StageResults)
	assert.True(t, got.StartedAt.Equal(base))
}

func testRoundTrip(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))

	later := base.Add(90 * time.Second)
	updated, err := store.Update(ctx, s.ID, func(s *wf.Session) error {
		if err := s.RecordStageOutput(wf.StageStarting, wf.StageOutput{
			Summary:    "accepted",
			ArtifactID: "art-1",
			Data:       json.RawMessage(`{"words":12,"title":"Shop"}`),
		}, later); err != nil {
			return err
		}
		if _, err := s.CompleteStage(wf.StageStarting, later); err != nil {
			return err
		}
		if err := s.RecordError(wf.StageDocumentAnalysis, "first try failed", later); err != nil {
			return err
		}
		if _, err := s.CompleteStage(wf.StageDocumentAnalysis, later); err != nil {
			return err
		}
		_, err := s.ApplyFeedback(wf.Feedback{
			Decision:    wf.DecisionNeedsInfo,
			Comments:    "what about payments?",
			Constraints: []string{"EU hosting"},
			Preferences: map[string]string{"db": "postgres"},
		}, later)
		return err
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	a, err := json.Marshal(updated)
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func testDuplicateID(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))

	dup := s.Clone()
	dup.ProjectID = "p2"
	err := store.Create(ctx, dup)
	assert.True(t, wf.IsDuplicateSession(err), "expected duplicate error, got %v", err)
}

func testAlreadyRunning(t *testing.T, store wf.Store) {
	ctx := context.Background()
	first := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, first))

	err := store.Create(ctx, newSession(t, "p1"))
	assert.True(t, wf.IsAlreadyRunning(err), "expected already running, got %v", err)

	sessions, err := store.ListByProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, store.Create(ctx, newSession(t, "p2")), "other projects are independent")

	active, err := store.FindActiveByProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
}

func testGetNotFound(t *testing.T, store wf.Store) {
	ctx := context.Background()

	_, err := store.Get(ctx, "WS-missing")
	assert.True(t, wf.IsNotFound(err), "got %v", err)

	_, err = store.Update(ctx, "WS-missing", func(*wf.Session) error { return nil })
	assert.True(t, wf.IsNotFound(err), "got %v", err)

	_, err = store.FindActiveByProject(ctx, "nobody")
	assert.True(t, wf.IsNotFound(err), "got %v", err)

	list, err := store.ListByProject(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testUpdateBumpsVersion(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))
	created, err := store.Get(ctx, s.ID)
	require.NoError(t, err)

	updated, err := store.Update(ctx, s.ID, func(s *wf.Session) error {
		return s.SetProgress(wf.StageStarting, 0.5)
	})
	require.NoError(t, err)
	assert.Equal(t, created.Version+1, updated.Version)
	assert.Equal(t, 0.5, updated.StateData.StageProgress)
}

func testMutatorError(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))
	before, err := store.Get(ctx, s.ID)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Update(ctx, s.ID, func(s *wf.Session) error {
		s.StateData.PendingTasks = append(s.StateData.PendingTasks, "should not persist")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Update(ctx, s.ID, func(s *wf.Session) error {
		_, err := s.ApplyFeedback(wf.Feedback{Decision: wf.DecisionApproved}, base)
		return err
	})
	assert.True(t, wf.IsInvalidState(err), "approved at a non-gate, got %v", err)

	after, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func testStaleWriteConflicts(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))

	_, err := store.Update(ctx, s.ID, func(outer *wf.Session) error {
		// Another writer commits while this mutator still holds the old version.
		_, innerErr := store.Update(ctx, s.ID, func(inner *wf.Session) error {
			inner.StateData.PendingTasks = append(inner.StateData.PendingTasks, "inner")
			return nil
		})
		require.NoError(t, innerErr)

		outer.StateData.PendingTasks = append(outer.StateData.PendingTasks, "outer")
		return nil
	})
	assert.True(t, wf.IsConflict(err), "expected conflict, got %v", err)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"inner"}, got.StateData.PendingTasks)
}

func testTerminalReadOnly(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))

	_, err := store.Update(ctx, s.ID, func(s *wf.Session) error {
		if err := s.RecordError(wf.StageStarting, "bad document", base); err != nil {
			return err
		}
		_, err := s.FailStage(wf.StageStarting, base)
		return err
	})
	require.NoError(t, err)

	_, err = store.Update(ctx, s.ID, func(s *wf.Session) error {
		s.StateData.PendingTasks = append(s.StateData.PendingTasks, "resurrect")
		return nil
	})
	assert.True(t, wf.IsInvalidState(err), "got %v", err)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.StageFailed, got.CurrentStage)
	assert.False(t, got.IsActive)
	assert.Len(t, got.StateData.Errors, 1)
	assert.Empty(t, got.StateData.PendingTasks)
}

func testActiveSlotFreed(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))

	_, err := store.Update(ctx, s.ID, func(s *wf.Session) error {
		_, err := s.FailStage(wf.StageStarting, base)
		return err
	})
	require.NoError(t, err)

	_, err = store.FindActiveByProject(ctx, "p1")
	assert.True(t, wf.IsNotFound(err), "got %v", err)

	next := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, next))

	active, err := store.FindActiveByProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, next.ID, active.ID)
}

func testListOrder(t *testing.T, store wf.Store) {
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s := newSession(t, "p1")
		require.NoError(t, store.Create(ctx, s))
		ids = append(ids, s.ID)
		_, err := store.Update(ctx, s.ID, func(s *wf.Session) error {
			_, err := s.FailStage(wf.StageStarting, base)
			return err
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Create(ctx, newSession(t, "p2")))

	list, err := store.ListByProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, s := range list {
		assert.Equal(t, ids[i], s.ID)
	}
}

func testListActive(t *testing.T, store wf.Store) {
	ctx := context.Background()

	list, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	newer, err := wf.NewSession("p2", "doc-p2", base.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, newer))
	older := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, older))
	done := newSession(t, "p3")
	require.NoError(t, store.Create(ctx, done))
	_, err = store.Update(ctx, done.ID, func(s *wf.Session) error {
		_, err := s.FailStage(wf.StageStarting, base)
		return err
	})
	require.NoError(t, err)

	list, err = store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
	assert.Equal(t, newer.ID, list[1].ID)
}

func testReturnsCopies(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	got.CurrentStage = wf.StageCompleted
	got.StateData.PendingTasks = append(got.StateData.PendingTasks, "local only")

	again, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.StageStarting, again.CurrentStage)
	assert.Empty(t, again.StateData.PendingTasks)
}

func testConcurrentUpdates(t *testing.T, store wf.Store) {
	ctx := context.Background()
	s := newSession(t, "p1")
	require.NoError(t, store.Create(ctx, s))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task := fmt.Sprintf("task-%d", n)
			for attempt := 0; attempt < 200; attempt++ {
				_, err := store.Update(ctx, s.ID, func(s *wf.Session) error {
					s.StateData.PendingTasks = append(s.StateData.PendingTasks, task)
					return nil
				})
				if err == nil {
					return
				}
				if !wf.IsConflict(err) {
					t.Errorf("writer %d: %v", n, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
			t.Errorf("writer %d never committed", n)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.StateData.PendingTasks, writers)
}
