// Package natsevents publishes session transitions on NATS subjects.
package natsevents

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "archmesh.sessions"

// TransitionEvent is the JSON payload of a transition message
type TransitionEvent struct {
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Execute   bool      `json:"execute"`
	IsActive  bool      `json:"is_active"`
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
}

// Publisher implements workflow.Observer with core NATS publishes.
// Messages go to "<prefix>.<session id>.transition"; delivery is at most once.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a transition publisher on conn
func NewPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject for a session's transitions
func (p *Publisher) Subject(sessionID string) string {
	return p.prefix + "." + sessionID + ".transition"
}

// AllSubjects is a wildcard matching every session's transitions
func (p *Publisher) AllSubjects() string {
	return p.prefix + ".*.transition"
}

// OnTransition implements workflow.Observer
func (p *Publisher) OnTransition(session *wf.Session, tr wf.Transition) {
	data, err := json.Marshal(TransitionEvent{
		SessionID: session.ID,
		ProjectID: session.ProjectID,
		From:      string(tr.From),
		To:        string(tr.To),
		Execute:   tr.Execute,
		IsActive:  session.IsActive,
		Version:   session.Version,
		At:        session.LastActivityAt,
	})
	if err != nil {
		p.logger.Error("marshal transition event failed", "session_id", session.ID, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(session.ID), data); err != nil {
		p.logger.Warn("publish transition event failed", "session_id", session.ID, "error", err)
	}
}
