package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/archmesh/archmesh/internal/application/port/output"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// InterruptedMessage is the errors entry of a stage whose drive stopped before
// its result was applied
const InterruptedMessage = "interrupted"

const (
	// interruptGrace bounds the write that fails an interrupted session
	interruptGrace = 5 * time.Second
	// leaseSlack is added to the stage timeout before an undriven session is
	// considered abandoned
	leaseSlack = time.Minute
)

// StartRequest is a document submission for a project
type StartRequest struct {
	ProjectID   string
	Filename    string
	ContentType string
	Content     []byte
}

// Controller orchestrates sessions: it starts them, chains executable stages,
// pauses at gates and resumes on feedback
type Controller struct {
	store    wf.Store
	storage  output.StorageGateway
	executor *Executor
	gate     *Gate
	opts     Options
	logger   *slog.Logger

	mu        sync.RWMutex
	tx        output.TransactionManager
	runner    *Runner
	observers []Observer
	driving   map[string]int
}

// NewController creates a new transition controller.
// Without a runner every chain is driven synchronously by the calling goroutine.
func NewController(store wf.Store, storage output.StorageGateway, executor *Executor, gate *Gate, opts Options, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		storage:  storage,
		executor: executor,
		gate:     gate,
		opts:     opts.withDefaults(),
		logger:   orDiscard(logger),
		tx:       noTransaction{},
		driving:  make(map[string]int),
	}
}

// UseTransactions runs the slot check and session creation of Start and
// Restart in one store transaction
func (c *Controller) UseTransactions(tm output.TransactionManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tm == nil {
		tm = noTransaction{}
	}
	c.tx = tm
}

// UseRunner switches chaining to background workers
func (c *Controller) UseRunner(r *Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runner = r
}

// AddObserver registers a transition observer
func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Start stores the submitted document and opens a new session for the project.
// Fails with ErrAlreadyRunning when the project already has an active session.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*wf.Session, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return nil, wf.ErrValidation.WithDetails(map[string]interface{}{"field": "project_id", "reason": "required"})
	}
	if len(req.Content) == 0 {
		return nil, wf.ErrValidation.WithDetails(map[string]interface{}{"field": "content", "reason": "document is empty"})
	}

	if err := c.checkIdle(ctx, projectID); err != nil {
		return nil, err
	}

	meta, err := c.storage.SaveArtifact(ctx, output.SaveArtifactRequest{
		ProjectID:    projectID,
		ArtifactType: output.ArtifactTypeDocument,
		Name:         req.Filename,
		Content:      req.Content,
		ContentType:  req.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	return c.launch(ctx, projectID, meta.ID)
}

// Restart opens a new session for the project on the document of its latest session.
// An active session that nothing drives any more is failed as interrupted first.
func (c *Controller) Restart(ctx context.Context, projectID string) (*wf.Session, error) {
	sessions, err := c.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, wf.ErrNotFound.WithDetails(map[string]interface{}{"project_id": projectID})
	}

	latest := sessions[len(sessions)-1]
	return c.launch(ctx, projectID, latest.DocumentID)
}

// SubmitFeedback records a decision at the session's gate and resumes execution
// when the decision requires it
func (c *Controller) SubmitFeedback(ctx context.Context, sessionID string, fb wf.Feedback) (*wf.Session, error) {
	session, tr, err := c.gate.RecordFeedback(ctx, sessionID, fb)
	if err != nil {
		return nil, err
	}
	if tr.Changed() {
		c.notify(session, tr)
	}
	if !tr.Execute {
		return session, nil
	}
	return c.dispatch(ctx, session)
}

// Drive runs executable stages of the session until it reaches a gate or a terminal stage.
// When it stops early with an error the session is failed as interrupted, so a
// cancelled or broken drive never leaves the project's slot taken.
func (c *Controller) Drive(ctx context.Context, sessionID string) (err error) {
	c.track(sessionID, 1)
	defer c.track(sessionID, -1)
	defer func() {
		switch {
		case err == nil:
		case wf.IsNotFound(err):
			c.logger.Warn("drive stopped, session not found", "session_id", sessionID)
		default:
			c.interrupt(ctx, sessionID, interruptReason(err))
		}
	}()

	session, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	stage := session.CurrentStage

	for session.IsActive && stage.IsExecutable() {
		result, err := c.executor.Execute(ctx, sessionID, stage)
		if wf.IsInvalidState(err) {
			c.logger.Debug("drive stopped, session moved on", "session_id", sessionID, "stage", string(stage))
			return nil
		}
		if err != nil {
			return err
		}

		now := c.opts.now()
		var tr wf.Transition
		session, err = updateWithRetry(ctx, c.store, sessionID, c.opts.UpdateRetries, func(s *wf.Session) error {
			var err error
			if result.Success {
				tr, err = s.CompleteStage(stage, now)
			} else {
				tr, err = s.FailStage(stage, now)
			}
			return err
		})
		if wf.IsInvalidState(err) {
			c.logger.Debug("stage result superseded", "session_id", sessionID, "stage", string(stage))
			return nil
		}
		if err != nil {
			return fmt.Errorf("apply %s result: %w", stage, err)
		}

		c.logger.Info("stage transition",
			"session_id", sessionID,
			"from", string(tr.From),
			"to", string(tr.To))
		c.notify(session, tr)

		if !tr.Execute {
			return nil
		}
		stage = tr.To
	}
	return nil
}

func (c *Controller) launch(ctx context.Context, projectID, documentID string) (*wf.Session, error) {
	session, err := wf.NewSession(projectID, documentID, c.opts.now())
	if err != nil {
		return nil, wf.ErrValidation.WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	var reclaimed *wf.Session
	var reclaimedTr wf.Transition
	err = c.transactions().InTransaction(ctx, func(txCtx context.Context) error {
		var err error
		reclaimed, reclaimedTr, err = c.ensureIdle(txCtx, projectID)
		if err != nil {
			return err
		}
		return c.store.Create(txCtx, session)
	})
	if err != nil {
		return nil, err
	}

	if reclaimed != nil {
		c.logger.Warn("abandoned session failed",
			"session_id", reclaimed.ID,
			"project_id", projectID,
			"stage", string(reclaimedTr.From))
		c.notify(reclaimed, reclaimedTr)
	}
	c.logger.Info("session started",
		"session_id", session.ID,
		"project_id", projectID,
		"document_id", documentID)
	c.notify(session, wf.Transition{To: wf.StageStarting, Execute: true})

	return c.dispatch(ctx, session)
}

// dispatch hands the session to the runner, or drives it inline.
// The returned snapshot reflects what was committed; a drive that stopped
// early has already failed the session, so only the log carries its error.
func (c *Controller) dispatch(ctx context.Context, session *wf.Session) (*wf.Session, error) {
	c.mu.RLock()
	runner := c.runner
	c.mu.RUnlock()

	if runner != nil {
		if err := runner.Dispatch(session.ID); err != nil {
			c.logger.Error("session not scheduled", "session_id", session.ID, "error", err)
			c.interrupt(ctx, session.ID, "not scheduled: "+err.Error())
			return c.snapshot(ctx, session), nil
		}
		return session, nil
	}

	if err := c.Drive(ctx, session.ID); err != nil {
		c.logger.Error("drive failed", "session_id", session.ID, "error", err)
	}
	return c.snapshot(ctx, session), nil
}

// Recover picks up sessions a previous process left on an executable stage.
// With a runner they are dispatched again; without one, those whose lease
// has expired are failed as interrupted. It returns how many were handled.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	sessions, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	c.mu.RLock()
	runner := c.runner
	c.mu.RUnlock()

	handled := 0
	for _, s := range sessions {
		if !s.CurrentStage.IsExecutable() || c.isDriving(s.ID) {
			continue
		}
		if runner != nil {
			if err := runner.Dispatch(s.ID); err != nil {
				c.logger.Warn("session not redispatched", "session_id", s.ID, "error", err)
				continue
			}
			c.logger.Info("session redispatched", "session_id", s.ID, "stage", string(s.CurrentStage))
			handled++
			continue
		}
		if c.abandoned(s) && c.interrupt(ctx, s.ID, InterruptedMessage) {
			handled++
		}
	}
	return handled, nil
}

// snapshot re-reads the session, falling back to the given copy
func (c *Controller) snapshot(ctx context.Context, session *wf.Session) *wf.Session {
	fresh, err := c.store.Get(context.WithoutCancel(ctx), session.ID)
	if err != nil {
		c.logger.Warn("session snapshot unavailable", "session_id", session.ID, "error", err)
		return session
	}
	return fresh
}

// interrupt fails the session at its executable stage with reason.
// It reports whether the session was failed.
func (c *Controller) interrupt(ctx context.Context, sessionID, reason string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptGrace)
	defer cancel()

	session, tr, err := c.failInterrupted(ctx, sessionID, reason)
	switch {
	case errors.Is(err, errStageLeft):
		return false
	case err != nil:
		c.logger.Error("interrupted session left active", "session_id", sessionID, "reason", reason, "error", err)
		return false
	}

	c.logger.Warn("stage interrupted",
		"session_id", sessionID,
		"stage", string(tr.From),
		"reason", reason)
	c.notify(session, tr)
	return true
}

func (c *Controller) failInterrupted(ctx context.Context, sessionID, reason string) (*wf.Session, wf.Transition, error) {
	now := c.opts.now()
	var tr wf.Transition
	session, err := updateWithRetry(ctx, c.store, sessionID, c.opts.UpdateRetries, func(s *wf.Session) error {
		if !s.IsActive || !s.CurrentStage.IsExecutable() {
			return errStageLeft
		}
		stage := s.CurrentStage
		if err := s.RecordError(stage, reason, now); err != nil {
			return err
		}
		var err error
		tr, err = s.FailStage(stage, now)
		return err
	})
	return session, tr, err
}

func interruptReason(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return InterruptedMessage
	}
	return InterruptedMessage + ": " + err.Error()
}

// checkIdle fails with ErrAlreadyRunning while the project has a live session
func (c *Controller) checkIdle(ctx context.Context, projectID string) error {
	active, err := c.activeSession(ctx, projectID)
	if err != nil || active == nil || c.abandoned(active) {
		return err
	}
	return alreadyRunning(projectID, active.ID)
}

// ensureIdle is checkIdle that also fails an abandoned session to free the slot.
// The failed session is returned so observers can be told after commit.
func (c *Controller) ensureIdle(ctx context.Context, projectID string) (*wf.Session, wf.Transition, error) {
	active, err := c.activeSession(ctx, projectID)
	if err != nil || active == nil {
		return nil, wf.Transition{}, err
	}
	if !c.abandoned(active) {
		return nil, wf.Transition{}, alreadyRunning(projectID, active.ID)
	}

	failed, tr, err := c.failInterrupted(ctx, active.ID, InterruptedMessage)
	if errors.Is(err, errStageLeft) {
		// moved on concurrently; Create reports whether the slot is still taken
		return nil, wf.Transition{}, nil
	}
	if err != nil {
		return nil, wf.Transition{}, err
	}
	return failed, tr, nil
}

func (c *Controller) activeSession(ctx context.Context, projectID string) (*wf.Session, error) {
	active, err := c.store.FindActiveByProject(ctx, projectID)
	if wf.IsNotFound(err) {
		return nil, nil
	}
	return active, err
}

// abandoned reports an active session on an executable stage that no drive in
// this process owns and that has not been touched for longer than a stage may run
func (c *Controller) abandoned(s *wf.Session) bool {
	if !s.IsActive || !s.CurrentStage.IsExecutable() || c.isDriving(s.ID) {
		return false
	}
	return c.opts.now().Sub(s.LastActivityAt) > c.opts.StageTimeout+leaseSlack
}

func (c *Controller) isDriving(sessionID string) bool {
	c.mu.RLock()
	runner := c.runner
	driving := c.driving[sessionID] > 0
	c.mu.RUnlock()
	return driving || (runner != nil && runner.Active(sessionID))
}

func (c *Controller) track(sessionID string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.driving[sessionID] += delta
	if c.driving[sessionID] <= 0 {
		delete(c.driving, sessionID)
	}
}

func (c *Controller) transactions() output.TransactionManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tx
}

func alreadyRunning(projectID, sessionID string) error {
	return wf.ErrAlreadyRunning.WithDetails(map[string]interface{}{
		"project_id": projectID,
		"session_id": sessionID,
	})
}

// noTransaction runs fn directly for stores without transactions
type noTransaction struct{}

func (noTransaction) InTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (c *Controller) notify(session *wf.Session, tr wf.Transition) {
	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()

	for _, o := range observers {
		o.OnTransition(session.Clone(), tr)
	}
}
