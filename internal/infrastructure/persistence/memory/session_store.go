package memory

import (
	"context"
	"sync"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// SessionStore is an in-process workflow.Store.
// Stored sessions are never mutated in place; every write replaces the value.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*wf.Session
	byProject map[string][]string // project -> session ids in insertion order
	active    map[string]string   // project -> active session id
}

// NewSessionStore creates a new in-memory session store
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]*wf.Session),
		byProject: make(map[string][]string),
		active:    make(map[string]string),
	}
}

// Create implements workflow.Store
func (s *SessionStore) Create(ctx context.Context, session *wf.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := session.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return wf.ErrDuplicateSession.WithDetails(map[string]interface{}{"session_id": session.ID})
	}
	if session.IsActive {
		if activeID, ok := s.active[session.ProjectID]; ok {
			return wf.ErrAlreadyRunning.WithDetails(map[string]interface{}{
				"project_id": session.ProjectID,
				"session_id": activeID,
			})
		}
		s.active[session.ProjectID] = session.ID
	}

	stored := session.Clone()
	stored.Normalize()
	stored.Version = 1
	session.Version = 1

	s.sessions[stored.ID] = stored
	s.byProject[stored.ProjectID] = append(s.byProject[stored.ProjectID], stored.ID)
	return nil
}

// Get implements workflow.Store
func (s *SessionStore) Get(ctx context.Context, id string) (*wf.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return session.Clone(), nil
}

// Update implements workflow.Store.
// The mutator runs outside the lock; the write fails with ErrConflict
// if another writer committed in between.
func (s *SessionStore) Update(ctx context.Context, id string, mutator wf.Mutator) (*wf.Session, error) {
	before, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	working := before.Clone()
	if err := mutator(working); err != nil {
		return nil, err
	}
	if err := wf.CheckUpdate(before, working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.sessions[id]
	if latest.Version != before.Version {
		return nil, wf.ErrConflict.WithDetails(map[string]interface{}{
			"session_id": id,
			"expected":   before.Version,
			"actual":     latest.Version,
		})
	}

	working.Version = before.Version + 1
	s.sessions[id] = working
	if !working.IsActive && s.active[working.ProjectID] == id {
		delete(s.active, working.ProjectID)
	}
	return working.Clone(), nil
}

// ListByProject implements workflow.Store
func (s *SessionStore) ListByProject(ctx context.Context, projectID string) ([]*wf.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byProject[projectID]
	result := make([]*wf.Session, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.sessions[id].Clone())
	}
	return result, nil
}

// FindActiveByProject implements workflow.Store
func (s *SessionStore) FindActiveByProject(ctx context.Context, projectID string) (*wf.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[projectID]
	if !ok {
		return nil, wf.ErrNotFound.WithDetails(map[string]interface{}{"project_id": projectID, "active": true})
	}
	return s.sessions[id].Clone(), nil
}

// ListActive implements workflow.Store
func (s *SessionStore) ListActive(ctx context.Context) ([]*wf.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	result := make([]*wf.Session, 0, len(s.active))
	for _, id := range s.active {
		result = append(result, s.sessions[id].Clone())
	}
	s.mu.RUnlock()

	wf.SortByStart(result)
	return result, nil
}

func notFound(id string) error {
	return wf.ErrNotFound.WithDetails(map[string]interface{}{"session_id": id})
}
