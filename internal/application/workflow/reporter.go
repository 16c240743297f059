package workflow

import (
	"context"

	"github.com/archmesh/archmesh/internal/application/dto"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// Reporter serves read-only snapshots of sessions straight from the store
type Reporter struct {
	store wf.Store
}

// NewReporter creates a new status reporter
func NewReporter(store wf.Store) *Reporter {
	return &Reporter{store: store}
}

// Status returns the latest persisted snapshot of a session
func (r *Reporter) Status(ctx context.Context, sessionID string) (*dto.SessionStatus, error) {
	session, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return NewSessionStatus(session), nil
}

// List returns snapshots of every session of a project in start order
func (r *Reporter) List(ctx context.Context, projectID string) ([]*dto.SessionStatus, error) {
	sessions, err := r.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	statuses := make([]*dto.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, NewSessionStatus(s))
	}
	return statuses, nil
}

// NewSessionStatus projects a session into its client-facing summary.
// The result shares no memory with the session.
func NewSessionStatus(s *wf.Session) *dto.SessionStatus {
	status := &dto.SessionStatus{
		SessionID:        s.ID,
		ProjectID:        s.ProjectID,
		DocumentID:       s.DocumentID,
		CurrentStage:     string(s.CurrentStage),
		IsActive:         s.IsActive,
		AwaitingFeedback: s.AwaitingFeedback(),
		StageProgress:    s.StateData.StageProgress,
		CompletedStages:  make([]string, 0, len(s.StateData.CompletedStages)),
		PendingTasks:     append([]string{}, s.StateData.PendingTasks...),
		Errors:           make([]dto.StageErrorDTO, 0, len(s.StateData.Errors)),
		Stages:           []dto.StageSummary{},
		StartedAt:        s.StartedAt,
		LastActivityAt:   s.LastActivityAt,
		Version:          s.Version,
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		status.CompletedAt = &t
	}

	for _, st := range s.StateData.CompletedStages {
		status.CompletedStages = append(status.CompletedStages, string(st))
	}
	for _, e := range s.StateData.Errors {
		status.Errors = append(status.Errors, dto.StageErrorDTO{
			Stage:     string(e.Stage),
			Message:   e.Message,
			Timestamp: e.Timestamp,
		})
	}
	for _, st := range wf.HappyPath() {
		out, ok := s.StateData.StageResults[st]
		if !ok {
			continue
		}
		status.Stages = append(status.Stages, dto.StageSummary{
			Stage:       string(st),
			Summary:     out.Summary,
			ArtifactID:  out.ArtifactID,
			CompletedAt: out.CompletedAt,
		})
	}

	return status
}
