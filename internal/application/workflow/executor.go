package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// TimeoutMessage is the StageResult error of an attempt that hit the stage timeout
const TimeoutMessage = "timeout"

var errStageLeft = errors.New("session left the stage during execution")

// Executor runs the routine of one stage and records its outcome on the session
type Executor struct {
	store    wf.Store
	registry *Registry
	opts     Options
	logger   *slog.Logger

	mu        sync.RWMutex
	observers []StageObserver
}

// NewExecutor creates a new stage executor
func NewExecutor(store wf.Store, registry *Registry, opts Options, logger *slog.Logger) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		opts:     opts.withDefaults(),
		logger:   orDiscard(logger),
	}
}

// AddObserver registers a stage observer
func (e *Executor) AddObserver(o StageObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Execute runs stage for the session and records the result through the store:
// success goes to stage_results, failure appends one errors entry.
// Routine errors, panics and timeouts are returned as a failed StageResult;
// the error return is reserved for store failures and caller cancellation.
func (e *Executor) Execute(ctx context.Context, sessionID string, stage wf.Stage) (StageResult, error) {
	snapshot, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return StageResult{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !snapshot.IsActive || snapshot.CurrentStage != stage {
		return StageResult{}, wf.ErrInvalidState.WithDetails(map[string]interface{}{
			"session_id": sessionID,
			"stage":      string(snapshot.CurrentStage),
			"reason":     fmt.Sprintf("session is not executing %s", stage),
		})
	}
	routine, ok := e.registry.Lookup(stage)
	if !ok {
		return StageResult{}, wf.ErrInvalidStage.WithDetails(map[string]interface{}{"stage": string(stage)})
	}

	logger := e.logger.With("session_id", sessionID, "project_id", snapshot.ProjectID, "stage", string(stage))
	logger.Info("stage started")

	start := time.Now()
	out, runErr := e.run(ctx, routine, StageInput{
		Session:  snapshot.Clone(),
		Progress: e.progressFunc(ctx, sessionID, stage, logger),
	})
	result := StageResult{Stage: stage, Duration: time.Since(start)}
	if runErr != nil {
		result.Error = runErr.Error()
	} else {
		result.Success = true
		result.Output = &out
	}

	// Nothing is recorded for a cancelled caller; Drive fails the stage as interrupted.
	if ctx.Err() != nil {
		logger.Warn("stage interrupted", "error", ctx.Err())
		return result, ctx.Err()
	}

	now := e.opts.now()
	updated, err := updateWithRetry(ctx, e.store, sessionID, e.opts.UpdateRetries, func(s *wf.Session) error {
		if !s.IsActive || s.CurrentStage != stage {
			return errStageLeft
		}
		if result.Success {
			return s.RecordStageOutput(stage, *result.Output, now)
		}
		return s.RecordError(stage, result.Error, now)
	})
	switch {
	case errors.Is(err, errStageLeft):
		logger.Warn("stage result discarded, session moved on")
		return result, nil
	case err != nil:
		return result, fmt.Errorf("record %s result: %w", stage, err)
	}

	if result.Success {
		logger.Info("stage succeeded", "duration", result.Duration)
	} else {
		logger.Warn("stage failed", "duration", result.Duration, "error", result.Error)
	}
	e.notify(updated, result)
	return result, nil
}

type routineOutcome struct {
	out wf.StageOutput
	err error
}

func (e *Executor) run(ctx context.Context, routine Routine, in StageInput) (wf.StageOutput, error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.opts.StageTimeout)
	defer cancel()

	done := make(chan routineOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- routineOutcome{err: fmt.Errorf("routine panicked: %v", r)}
			}
		}()
		out, err := routine.Run(stageCtx, in)
		done <- routineOutcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return wf.StageOutput{}, errors.New(TimeoutMessage)
		}
		return res.out, res.err
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return wf.StageOutput{}, ctx.Err()
		}
		return wf.StageOutput{}, errors.New(TimeoutMessage)
	}
}

func (e *Executor) progressFunc(ctx context.Context, sessionID string, stage wf.Stage, logger *slog.Logger) func(float64) {
	return func(progress float64) {
		_, err := e.store.Update(ctx, sessionID, func(s *wf.Session) error {
			return s.SetProgress(stage, progress)
		})
		if err != nil {
			logger.Debug("progress update skipped", "progress", progress, "error", err)
		}
	}
}

func (e *Executor) notify(session *wf.Session, result StageResult) {
	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()

	for _, o := range observers {
		o.OnStageExecuted(session.Clone(), result)
	}
}
