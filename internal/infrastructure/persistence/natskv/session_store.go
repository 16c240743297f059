// Package natskv stores workflow sessions in a NATS JetStream key-value bucket.
//
// Keys:
//
//	session.<id>          session JSON, written with revision checks
//	project.<project>     JSON list of the project's session ids, in insertion order
//	active.<project>      id of the project's active session
//
// Project ids are base64url encoded so any id maps to a valid key.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// DefaultBucket is the bucket used when none is configured
const DefaultBucket = "archmesh_sessions"

const indexAttempts = 16

// SessionStore implements workflow.Store on a JetStream KV bucket.
// Every write is conditioned on the revision that was read.
type SessionStore struct {
	kv jetstream.KeyValue
}

// NewSessionStore opens (creating if needed) the bucket and returns a store on it
func NewSessionStore(ctx context.Context, js jetstream.JetStream, bucket string) (*SessionStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	// CreateOrUpdateKeyValue is idempotent across processes
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "ArchMesh workflow sessions",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &SessionStore{kv: kv}, nil
}

func sessionKey(id string) string { return "session." + id }

func projectKey(projectID string) string {
	return "project." + base64.RawURLEncoding.EncodeToString([]byte(projectID))
}

func activeKey(projectID string) string {
	return "active." + base64.RawURLEncoding.EncodeToString([]byte(projectID))
}

// Create implements workflow.Store
func (s *SessionStore) Create(ctx context.Context, session *wf.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	stored := session.Clone()
	stored.Normalize()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if _, err := s.kv.Create(ctx, sessionKey(stored.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return wf.ErrDuplicateSession.WithDetails(map[string]interface{}{"session_id": stored.ID})
		}
		return fmt.Errorf("create session: %w", err)
	}

	if stored.IsActive {
		if err := s.claimActive(ctx, stored); err != nil {
			_ = s.kv.Purge(ctx, sessionKey(stored.ID))
			return err
		}
	}

	if err := s.appendToProject(ctx, stored.ProjectID, stored.ID); err != nil {
		return err
	}

	session.Version = 1
	return nil
}

// claimActive creates the active marker. A marker left behind by a session
// that is no longer active is taken over at its revision.
func (s *SessionStore) claimActive(ctx context.Context, session *wf.Session) error {
	key := activeKey(session.ProjectID)

	for attempt := 0; attempt < indexAttempts; attempt++ {
		_, err := s.kv.Create(ctx, key, []byte(session.ID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("claim active slot: %w", err)
		}

		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			continue
		}
		if err != nil {
			return fmt.Errorf("get active slot: %w", err)
		}

		holder := string(entry.Value())
		current, err := s.Get(ctx, holder)
		switch {
		case err == nil && current.IsActive:
			return wf.ErrAlreadyRunning.WithDetails(map[string]interface{}{
				"project_id": session.ProjectID,
				"session_id": holder,
			})
		case err != nil && !wf.IsNotFound(err):
			return err
		}

		if _, err := s.kv.Update(ctx, key, []byte(session.ID), entry.Revision()); err == nil {
			return nil
		} else if !isWrongRevision(err) {
			return fmt.Errorf("take over active slot: %w", err)
		}
	}
	return wf.ErrConflict.WithDetails(map[string]interface{}{"project_id": session.ProjectID, "reason": "active slot contention"})
}

func (s *SessionStore) appendToProject(ctx context.Context, projectID, id string) error {
	key := projectKey(projectID)

	for attempt := 0; attempt < indexAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			data, _ := json.Marshal([]string{id})
			if _, err := s.kv.Create(ctx, key, data); err == nil {
				return nil
			} else if !errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("create project index: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("get project index: %w", err)
		}

		var ids []string
		if err := json.Unmarshal(entry.Value(), &ids); err != nil {
			return fmt.Errorf("unmarshal project index: %w", err)
		}
		data, _ := json.Marshal(append(ids, id))
		if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err == nil {
			return nil
		} else if !isWrongRevision(err) {
			return fmt.Errorf("update project index: %w", err)
		}
	}
	return wf.ErrConflict.WithDetails(map[string]interface{}{"project_id": projectID, "reason": "project index contention"})
}

// Get implements workflow.Store
func (s *SessionStore) Get(ctx context.Context, id string) (*wf.Session, error) {
	session, _, err := s.load(ctx, id)
	return session, err
}

func (s *SessionStore) load(ctx context.Context, id string) (*wf.Session, uint64, error) {
	entry, err := s.kv.Get(ctx, sessionKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, 0, wf.ErrNotFound.WithDetails(map[string]interface{}{"session_id": id})
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get session %s: %w", id, err)
	}

	var session wf.Session
	if err := json.Unmarshal(entry.Value(), &session); err != nil {
		return nil, 0, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	session.Normalize()
	return &session, entry.Revision(), nil
}

// Update implements workflow.Store
func (s *SessionStore) Update(ctx context.Context, id string, mutator wf.Mutator) (*wf.Session, error) {
	before, revision, err := s.load(ctx, id)
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
	working.Version = before.Version + 1

	data, err := json.Marshal(working)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if _, err := s.kv.Update(ctx, sessionKey(id), data, revision); err != nil {
		if isWrongRevision(err) {
			return nil, wf.ErrConflict.WithDetails(map[string]interface{}{
				"session_id": id,
				"expected":   before.Version,
			})
		}
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}

	if before.IsActive && !working.IsActive {
		if err := s.releaseActive(ctx, working); err != nil {
			return nil, err
		}
	}

	var out wf.Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

// releaseActive deletes the active marker if it still names this session
func (s *SessionStore) releaseActive(ctx context.Context, session *wf.Session) error {
	key := activeKey(session.ProjectID)
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get active slot: %w", err)
	}
	if string(entry.Value()) != session.ID {
		return nil
	}

	err = s.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
	if err != nil && !isWrongRevision(err) {
		return fmt.Errorf("release active slot: %w", err)
	}
	return nil
}

// ListByProject implements workflow.Store
func (s *SessionStore) ListByProject(ctx context.Context, projectID string) ([]*wf.Session, error) {
	entry, err := s.kv.Get(ctx, projectKey(projectID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return []*wf.Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project index: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(entry.Value(), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal project index: %w", err)
	}

	sessions := make([]*wf.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if wf.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// FindActiveByProject implements workflow.Store
func (s *SessionStore) FindActiveByProject(ctx context.Context, projectID string) (*wf.Session, error) {
	notFound := wf.ErrNotFound.WithDetails(map[string]interface{}{"project_id": projectID, "active": true})

	entry, err := s.kv.Get(ctx, activeKey(projectID))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active slot: %w", err)
	}

	session, err := s.Get(ctx, string(entry.Value()))
	if wf.IsNotFound(err) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	if !session.IsActive {
		return nil, notFound
	}
	return session, nil
}

// ListActive implements workflow.Store
func (s *SessionStore) ListActive(ctx context.Context) ([]*wf.Session, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, "active.>")
	if err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	if err := lister.Stop(); err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}

	sessions := []*wf.Session{}
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get active slot: %w", err)
		}
		session, err := s.Get(ctx, string(entry.Value()))
		if wf.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.IsActive {
			sessions = append(sessions, session)
		}
	}
	wf.SortByStart(sessions)
	return sessions, nil
}

// isWrongRevision reports a failed revision check on write
func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
