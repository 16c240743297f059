package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
	"github.com/archmesh/archmesh/internal/infrastructure/transaction"
)

// dbExecutor is satisfied by both *sql.DB and *sql.Tx
type dbExecutor interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const sessionColumns = `id, project_id, document_id, current_stage, is_active,
	started_at, last_activity_at, completed_at, state_data, version`

// SessionStore implements workflow.Store with SQLite.
// Writes are compare-and-swap on the version column; the partial unique
// index on project_id enforces one active session per project.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a new SQLite-backed session store
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// getDB returns the appropriate database executor from context
func (r *SessionStore) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// Create implements workflow.Store
func (r *SessionStore) Create(ctx context.Context, session *wf.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	stored := session.Clone()
	stored.Normalize()
	stored.Version = 1

	row, err := encodeSession(stored)
	if err != nil {
		return err
	}

	_, err = r.getDB(ctx).ExecContext(ctx, `
		INSERT INTO workflow_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.args()...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return r.classifyCreateConflict(ctx, stored)
		}
		return fmt.Errorf("insert session: %w", err)
	}

	session.Version = 1
	return nil
}

// classifyCreateConflict tells a duplicate id from a second active session
func (r *SessionStore) classifyCreateConflict(ctx context.Context, session *wf.Session) error {
	if _, err := r.Get(ctx, session.ID); err == nil {
		return wf.ErrDuplicateSession.WithDetails(map[string]interface{}{"session_id": session.ID})
	}
	details := map[string]interface{}{"project_id": session.ProjectID}
	if active, err := r.FindActiveByProject(ctx, session.ProjectID); err == nil {
		details["session_id"] = active.ID
	}
	return wf.ErrAlreadyRunning.WithDetails(details)
}

// Get implements workflow.Store
func (r *SessionStore) Get(ctx context.Context, id string) (*wf.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM workflow_sessions WHERE id = ?`

	session, err := scanSession(r.getDB(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wf.ErrNotFound.WithDetails(map[string]interface{}{"session_id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

// Update implements workflow.Store.
// The row is rewritten only if its version is still the one read.
func (r *SessionStore) Update(ctx context.Context, id string, mutator wf.Mutator) (*wf.Session, error) {
	before, err := r.Get(ctx, id)
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

	row, err := encodeSession(working)
	if err != nil {
		return nil, err
	}

	result, err := r.getDB(ctx).ExecContext(ctx, `
		UPDATE workflow_sessions
		SET document_id = ?, current_stage = ?, is_active = ?, last_activity_at = ?,
			completed_at = ?, state_data = ?, version = ?
		WHERE id = ? AND version = ?
	`, row.DocumentID, row.CurrentStage, row.IsActive, row.LastActivityAt,
		row.CompletedAt, row.StateData, row.Version,
		id, before.Version)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, wf.ErrAlreadyRunning.WithDetails(map[string]interface{}{"project_id": working.ProjectID})
		}
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, wf.ErrConflict.WithDetails(map[string]interface{}{
			"session_id": id,
			"expected":   before.Version,
		})
	}

	return row.decode()
}

// ListByProject implements workflow.Store
func (r *SessionStore) ListByProject(ctx context.Context, projectID string) ([]*wf.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM workflow_sessions WHERE project_id = ? ORDER BY seq`

	rows, err := r.getDB(ctx).QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*wf.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// FindActiveByProject implements workflow.Store
func (r *SessionStore) FindActiveByProject(ctx context.Context, projectID string) (*wf.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM workflow_sessions WHERE project_id = ? AND is_active = 1`

	session, err := scanSession(r.getDB(ctx).QueryRowContext(ctx, query, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wf.ErrNotFound.WithDetails(map[string]interface{}{"project_id": projectID, "active": true})
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return session, nil
}

// ListActive implements workflow.Store
func (r *SessionStore) ListActive(ctx context.Context) ([]*wf.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM workflow_sessions WHERE is_active = 1 ORDER BY seq`

	rows, err := r.getDB(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*wf.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	wf.SortByStart(sessions)
	return sessions, nil
}

// sessionRow is the column representation of a session
type sessionRow struct {
	ID             string
	ProjectID      string
	DocumentID     string
	CurrentStage   string
	IsActive       bool
	StartedAt      string
	LastActivityAt string
	CompletedAt    sql.NullString
	StateData      string
	Version        int64
}

func (row sessionRow) args() []interface{} {
	return []interface{}{
		row.ID, row.ProjectID, row.DocumentID, row.CurrentStage, row.IsActive,
		row.StartedAt, row.LastActivityAt, row.CompletedAt, row.StateData, row.Version,
	}
}

func encodeSession(s *wf.Session) (sessionRow, error) {
	state, err := json.Marshal(s.StateData)
	if err != nil {
		return sessionRow{}, fmt.Errorf("marshal state data: %w", err)
	}

	row := sessionRow{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		DocumentID:     s.DocumentID,
		CurrentStage:   string(s.CurrentStage),
		IsActive:       s.IsActive,
		StartedAt:      s.StartedAt.UTC().Format(time.RFC3339Nano),
		LastActivityAt: s.LastActivityAt.UTC().Format(time.RFC3339Nano),
		StateData:      string(state),
		Version:        s.Version,
	}
	if s.CompletedAt != nil {
		row.CompletedAt = sql.NullString{String: s.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	return row, nil
}

func (row sessionRow) decode() (*wf.Session, error) {
	s := &wf.Session{
		ID:           row.ID,
		ProjectID:    row.ProjectID,
		DocumentID:   row.DocumentID,
		CurrentStage: wf.Stage(row.CurrentStage),
		IsActive:     row.IsActive,
		Version:      row.Version,
	}

	var err error
	if s.StartedAt, err = time.Parse(time.RFC3339Nano, row.StartedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if s.LastActivityAt, err = time.Parse(time.RFC3339Nano, row.LastActivityAt); err != nil {
		return nil, fmt.Errorf("parse last_activity_at: %w", err)
	}
	if row.CompletedAt.Valid {
		completed, err := time.Parse(time.RFC3339Nano, row.CompletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		s.CompletedAt = &completed
	}
	if err := json.Unmarshal([]byte(row.StateData), &s.StateData); err != nil {
		return nil, fmt.Errorf("unmarshal state data: %w", err)
	}
	s.Normalize()
	return s, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*wf.Session, error) {
	var row sessionRow
	err := sc.Scan(
		&row.ID, &row.ProjectID, &row.DocumentID, &row.CurrentStage, &row.IsActive,
		&row.StartedAt, &row.LastActivityAt, &row.CompletedAt, &row.StateData, &row.Version,
	)
	if err != nil {
		return nil, err
	}
	return row.decode()
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
