package workflow

import (
	"context"
	"fmt"
	"reflect"
	"sort"
)

// Mutator changes a session inside an atomic read-modify-write
type Mutator func(s *Session) error

// Store defines the interface for durable session persistence.
// Implementations must hand out copies: callers never share a *Session with the store.
type Store interface {
	// Create persists a new session. Fails with ErrDuplicateSession if the id exists
	// and ErrAlreadyRunning if the project already has an active session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by its ID
	Get(ctx context.Context, id string) (*Session, error)

	// Update applies mutator in one optimistic read-modify-write attempt.
	// Fails with ErrConflict if another writer changed the session in between.
	Update(ctx context.Context, id string, mutator Mutator) (*Session, error)

	// ListByProject retrieves the sessions of a project in insertion order
	ListByProject(ctx context.Context, projectID string) ([]*Session, error)

	// FindActiveByProject retrieves the active session of a project
	FindActiveByProject(ctx context.Context, projectID string) (*Session, error)

	// ListActive retrieves every active session across projects, oldest start first
	ListActive(ctx context.Context) ([]*Session, error)
}

// CheckUpdate verifies that a mutation kept the session's invariants.
// Store implementations call it between running the mutator and writing.
func CheckUpdate(before, after *Session) error {
	if after.ID != before.ID || after.ProjectID != before.ProjectID {
		return fmt.Errorf("session identity is immutable")
	}
	if !after.StartedAt.Equal(before.StartedAt) {
		return fmt.Errorf("session start time is immutable")
	}
	if before.CurrentStage.IsTerminal() && !reflect.DeepEqual(before, after) {
		return ErrInvalidState.WithDetails(map[string]interface{}{
			"session_id": before.ID,
			"stage":      string(before.CurrentStage),
			"reason":     "terminal sessions are read-only",
		})
	}

	prev, next := before.StateData.Errors, after.StateData.Errors
	if len(next) < len(prev) {
		return fmt.Errorf("errors are append-only")
	}
	for i := range prev {
		if prev[i].Stage != next[i].Stage || prev[i].Message != next[i].Message || !prev[i].Timestamp.Equal(next[i].Timestamp) {
			return fmt.Errorf("errors are append-only: entry %d changed", i)
		}
	}
	if len(after.StateData.Feedback) < len(before.StateData.Feedback) {
		return fmt.Errorf("feedback history is append-only")
	}

	return after.Validate()
}

// SortByStart orders sessions by start time, then id
func SortByStart(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})
}
