package workflow

import (
	"context"
	"fmt"
	"log/slog"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// IsGate reports whether a stage waits for human feedback
func IsGate(stage wf.Stage) bool {
	return stage.IsGate()
}

// Gate records human decisions at review stages
type Gate struct {
	store  wf.Store
	opts   Options
	logger *slog.Logger
}

// NewGate creates a new review gate
func NewGate(store wf.Store, opts Options, logger *slog.Logger) *Gate {
	return &Gate{
		store:  store,
		opts:   opts.withDefaults(),
		logger: orDiscard(logger),
	}
}

// RecordFeedback applies a decision to a session paused at a gate in one atomic update.
// The returned transition tells the caller whether a stage must now execute.
// A session that is not active at a gate yields ErrInvalidState and is left untouched.
func (g *Gate) RecordFeedback(ctx context.Context, sessionID string, fb wf.Feedback) (*wf.Session, wf.Transition, error) {
	fb = fb.Normalize()
	if !fb.Decision.IsValid() {
		return nil, wf.Transition{}, wf.ErrInvalidDecision.WithDetails(map[string]interface{}{
			"decision": string(fb.Decision),
		})
	}

	// Pin the decision to the gate visit seen now, so a retry after a lost race
	// cannot land on a later gate.
	seen, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return nil, wf.Transition{}, err
	}
	gate, visit := seen.CurrentStage, seen.ResolvedGates()

	now := g.opts.now()
	var tr wf.Transition
	session, err := updateWithRetry(ctx, g.store, sessionID, g.opts.UpdateRetries, func(s *wf.Session) error {
		if s.CurrentStage != gate || s.ResolvedGates() != visit {
			return wf.ErrInvalidState.WithDetails(map[string]interface{}{
				"session_id": sessionID,
				"stage":      string(s.CurrentStage),
				"reason":     fmt.Sprintf("gate %s was already resolved", gate),
			})
		}
		var err error
		tr, err = s.ApplyFeedback(fb, now)
		return err
	})
	if err != nil {
		return nil, wf.Transition{}, err
	}

	g.logger.Info("feedback recorded",
		"session_id", sessionID,
		"gate", string(tr.From),
		"decision", string(fb.Decision),
		"next_stage", string(tr.To))

	return session, tr, nil
}
