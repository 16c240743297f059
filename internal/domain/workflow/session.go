package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrorRecord is one entry of the session's audit trail of stage failures
type ErrorRecord struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StageOutput summarises what a stage produced
type StageOutput struct {
	Summary     string          `json:"summary"`
	ArtifactID  string          `json:"artifact_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// StateData is the structured progress bag of a session
type StateData struct {
	StageProgress   float64               `json:"stage_progress"`
	CompletedStages []Stage               `json:"completed_stages"`
	PendingTasks    []string              `json:"pending_tasks"`
	Errors          []ErrorRecord         `json:"errors"`
	StageResults    map[Stage]StageOutput `json:"stage_results"`
	Feedback        []FeedbackRecord      `json:"feedback"`
}

// Session is one run of the pipeline for one project's document submission
type Session struct {
	ID             string     `json:"session_id"`
	ProjectID      string     `json:"project_id"`
	DocumentID     string     `json:"document_id"`
	CurrentStage   Stage      `json:"current_stage"`
	IsActive       bool       `json:"is_active"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	StateData      StateData  `json:"state_data"`
	Version        int64      `json:"version"`
}

// Transition describes the outcome of a state change
type Transition struct {
	From Stage
	To   Stage
	// Execute is true when To must now be run by the stage executor
	Execute bool
}

// Changed returns true if the stage moved
func (t Transition) Changed() bool {
	return t.From != t.To
}

// NewSessionID creates a new server-generated session identifier
func NewSessionID(now time.Time) string {
	return "WS-" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// NewSession creates a new session in the starting stage
func NewSession(projectID, documentID string, now time.Time) (*Session, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	now = now.UTC()
	return &Session{
		ID:             NewSessionID(now),
		ProjectID:      projectID,
		DocumentID:     documentID,
		CurrentStage:   StageStarting,
		IsActive:       true,
		StartedAt:      now,
		LastActivityAt: now,
		StateData:      newStateData(),
	}, nil
}

func newStateData() StateData {
	return StateData{
		CompletedStages: []Stage{},
		PendingTasks:    []string{},
		Errors:          []ErrorRecord{},
		StageResults:    map[Stage]StageOutput{},
		Feedback:        []FeedbackRecord{},
	}
}

// AwaitingFeedback returns true if the session is paused at a gate
func (s *Session) AwaitingFeedback() bool {
	return s.IsActive && s.CurrentStage.IsGate()
}

// IsCompleted returns true if the session finished the happy path
func (s *Session) IsCompleted() bool {
	return s.CurrentStage == StageCompleted
}

// CompleteStage advances past an executable stage that succeeded
func (s *Session) CompleteStage(stage Stage, now time.Time) (Transition, error) {
	if err := s.requireAt(stage); err != nil {
		return Transition{}, err
	}
	if stage.IsGate() {
		return Transition{}, s.invalidState("gate stages complete through feedback")
	}
	return s.advance(now)
}

// FailStage moves the session to failed and deactivates it
func (s *Session) FailStage(stage Stage, now time.Time) (Transition, error) {
	if err := s.requireAt(stage); err != nil {
		return Transition{}, err
	}
	if !s.CurrentStage.CanTransitionTo(StageFailed) {
		return Transition{}, s.invalidState("cannot fail from this stage")
	}
	from := s.CurrentStage
	s.CurrentStage = StageFailed
	s.IsActive = false
	s.touch(now)
	return Transition{From: from, To: StageFailed}, nil
}

// RecordError appends a stage failure to the audit trail
func (s *Session) RecordError(stage Stage, message string, now time.Time) error {
	if err := s.requireAt(stage); err != nil {
		return err
	}
	s.StateData.Errors = append(s.StateData.Errors, ErrorRecord{
		Stage:     stage,
		Message:   message,
		Timestamp: now.UTC(),
	})
	s.touch(now)
	return nil
}

// RecordStageOutput stores the output summary of a successful stage
func (s *Session) RecordStageOutput(stage Stage, out StageOutput, now time.Time) error {
	if err := s.requireAt(stage); err != nil {
		return err
	}
	if s.StateData.StageResults == nil {
		s.StateData.StageResults = map[Stage]StageOutput{}
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = now.UTC()
	}
	s.StateData.StageResults[stage] = out
	s.touch(now)
	return nil
}

// SetProgress records fractional progress within the current stage
func (s *Session) SetProgress(stage Stage, progress float64) error {
	if err := s.requireAt(stage); err != nil {
		return err
	}
	switch {
	case progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}
	s.StateData.StageProgress = progress
	return nil
}

// ApplyFeedback applies a human decision at a gate. Approved advances to the
// next stage, rejected rewinds to the stage that produced the reviewed output,
// and needs_info keeps the session paused where it is.
func (s *Session) ApplyFeedback(fb Feedback, now time.Time) (Transition, error) {
	if !fb.Decision.IsValid() {
		return Transition{}, ErrInvalidDecision.WithDetails(map[string]interface{}{"decision": string(fb.Decision)})
	}
	if !s.IsActive || !s.CurrentStage.IsGate() {
		return Transition{}, s.invalidState("feedback is only accepted at an active review gate")
	}

	gate := s.CurrentStage
	s.StateData.Feedback = append(s.StateData.Feedback, FeedbackRecord{
		Stage:       gate,
		Decision:    fb.Decision,
		Comments:    fb.Comments,
		Constraints: fb.Constraints,
		Preferences: fb.Preferences,
		SubmittedAt: now.UTC(),
	})

	switch fb.Decision {
	case DecisionApproved:
		return s.advance(now)

	case DecisionRejected:
		producer, _ := gate.Producer()
		if !gate.CanTransitionTo(producer) {
			return Transition{}, s.invalidState("gate has no producing stage")
		}
		s.removeCompletedFrom(producer)
		delete(s.StateData.StageResults, producer)
		s.CurrentStage = producer
		s.StateData.StageProgress = 0
		s.touch(now)
		return Transition{From: gate, To: producer, Execute: true}, nil

	default: // DecisionNeedsInfo
		task := fmt.Sprintf("%s: more information requested", gate)
		if fb.Comments != "" {
			task = fmt.Sprintf("%s: %s", gate, fb.Comments)
		}
		s.StateData.PendingTasks = append(s.StateData.PendingTasks, task)
		s.touch(now)
		return Transition{From: gate, To: gate}, nil
	}
}

// LatestFeedback returns the most recent feedback recorded at the given gate
func (s *Session) LatestFeedback(gate Stage) (FeedbackRecord, bool) {
	for i := len(s.StateData.Feedback) - 1; i >= 0; i-- {
		if s.StateData.Feedback[i].Stage == gate {
			return s.StateData.Feedback[i], true
		}
	}
	return FeedbackRecord{}, false
}

// ResolvedGates counts the feedback entries that moved the session off a gate.
// Together with the current stage it identifies one visit of a gate.
func (s *Session) ResolvedGates() int {
	n := 0
	for _, fb := range s.StateData.Feedback {
		if fb.Decision.ResolvesGate() {
			n++
		}
	}
	return n
}

// Validate checks the structural invariants of the session
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if s.ProjectID == "" {
		return fmt.Errorf("project ID is required")
	}
	if !s.CurrentStage.IsValid() {
		return ErrInvalidStage.WithDetails(map[string]interface{}{"stage": string(s.CurrentStage)})
	}

	completed := s.StateData.CompletedStages
	if len(completed) > len(happyPath)-1 {
		return fmt.Errorf("too many completed stages: %d", len(completed))
	}
	for i, st := range completed {
		if st != happyPath[i] {
			return fmt.Errorf("completed stages are not a prefix of the stage order at %d: %s", i, st)
		}
		if st == s.CurrentStage {
			return fmt.Errorf("current stage %s is already completed", st)
		}
	}
	if s.CurrentStage != StageFailed && len(completed) != s.CurrentStage.Order() {
		return fmt.Errorf("stage %s does not match %d completed stages", s.CurrentStage, len(completed))
	}

	if s.IsActive == s.CurrentStage.IsTerminal() {
		return fmt.Errorf("is_active=%t inconsistent with stage %s", s.IsActive, s.CurrentStage)
	}
	if s.CurrentStage == StageCompleted && s.CompletedAt == nil {
		return fmt.Errorf("completed session has no completion time")
	}
	if p := s.StateData.StageProgress; p < 0 || p > 1 {
		return fmt.Errorf("stage progress out of range: %f", p)
	}
	return nil
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}

	sd := s.StateData
	c.StateData = StateData{
		StageProgress:   sd.StageProgress,
		CompletedStages: append([]Stage{}, sd.CompletedStages...),
		PendingTasks:    append([]string{}, sd.PendingTasks...),
		Errors:          append([]ErrorRecord{}, sd.Errors...),
		StageResults:    make(map[Stage]StageOutput, len(sd.StageResults)),
		Feedback:        make([]FeedbackRecord, 0, len(sd.Feedback)),
	}
	for k, v := range sd.StageResults {
		if v.Data != nil {
			v.Data = append(json.RawMessage{}, v.Data...)
		}
		c.StateData.StageResults[k] = v
	}
	for _, fb := range sd.Feedback {
		if fb.Constraints != nil {
			fb.Constraints = append([]string{}, fb.Constraints...)
		}
		if fb.Preferences != nil {
			prefs := make(map[string]string, len(fb.Preferences))
			for k, v := range fb.Preferences {
				prefs[k] = v
			}
			fb.Preferences = prefs
		}
		c.StateData.Feedback = append(c.StateData.Feedback, fb)
	}
	return &c
}

// Normalize replaces nil collections decoded from storage with empty ones
func (s *Session) Normalize() {
	sd := &s.StateData
	if sd.CompletedStages == nil {
		sd.CompletedStages = []Stage{}
	}
	if sd.PendingTasks == nil {
		sd.PendingTasks = []string{}
	}
	if sd.Errors == nil {
		sd.Errors = []ErrorRecord{}
	}
	if sd.StageResults == nil {
		sd.StageResults = map[Stage]StageOutput{}
	}
	if sd.Feedback == nil {
		sd.Feedback = []FeedbackRecord{}
	}
}

func (s *Session) advance(now time.Time) (Transition, error) {
	from := s.CurrentStage
	next, ok := from.Next()
	if !ok || !from.CanTransitionTo(next) {
		return Transition{}, s.invalidState("no next stage")
	}

	s.appendCompleted(from)
	s.CurrentStage = next
	s.StateData.StageProgress = 0
	s.touch(now)

	if next == StageCompleted {
		s.IsActive = false
		t := now.UTC()
		s.CompletedAt = &t
	}

	return Transition{From: from, To: next, Execute: next.IsExecutable()}, nil
}

func (s *Session) appendCompleted(stage Stage) {
	for _, st := range s.StateData.CompletedStages {
		if st == stage {
			return
		}
	}
	s.StateData.CompletedStages = append(s.StateData.CompletedStages, stage)
}

// removeCompletedFrom drops stage and everything after it, keeping the prefix invariant
func (s *Session) removeCompletedFrom(stage Stage) {
	for i, st := range s.StateData.CompletedStages {
		if st == stage {
			s.StateData.CompletedStages = s.StateData.CompletedStages[:i]
			return
		}
	}
}

func (s *Session) requireAt(stage Stage) error {
	if !s.IsActive {
		return s.invalidState("session is not active")
	}
	if s.CurrentStage != stage {
		return s.invalidState(fmt.Sprintf("session is not at stage %s", stage))
	}
	return nil
}

func (s *Session) invalidState(reason string) error {
	return ErrInvalidState.WithDetails(map[string]interface{}{
		"session_id": s.ID,
		"stage":      string(s.CurrentStage),
		"is_active":  s.IsActive,
		"reason":     reason,
	})
}

func (s *Session) touch(now time.Time) {
	s.LastActivityAt = now.UTC()
}
