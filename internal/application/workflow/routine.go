package workflow

import (
	"context"
	"fmt"
	"time"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// StageInput is what a routine receives for one stage attempt
type StageInput struct {
	// Session is a private snapshot taken before the routine started
	Session *wf.Session

	// Progress reports fractional progress in [0,1], persisted best-effort
	Progress func(progress float64)
}

// ReportProgress calls Progress when set
func (in StageInput) ReportProgress(progress float64) {
	if in.Progress != nil {
		in.Progress(progress)
	}
}

// StageResult is the terminal outcome of one stage attempt.
// Failures are data: Error carries the message, "timeout" on deadline.
type StageResult struct {
	Stage    wf.Stage
	Success  bool
	Output   *wf.StageOutput
	Error    string
	Duration time.Duration
}

// Routine is the collaborator that performs the work of one executable stage
type Routine interface {
	Run(ctx context.Context, in StageInput) (wf.StageOutput, error)
}

// RoutineFunc adapts a function to Routine
type RoutineFunc func(ctx context.Context, in StageInput) (wf.StageOutput, error)

// Run calls f
func (f RoutineFunc) Run(ctx context.Context, in StageInput) (wf.StageOutput, error) {
	return f(ctx, in)
}

// Registry maps every executable stage to its routine
type Registry struct {
	routines map[wf.Stage]Routine
}

// NewRegistry validates that exactly the executable stages have a routine
func NewRegistry(routines map[wf.Stage]Routine) (*Registry, error) {
	r := &Registry{routines: make(map[wf.Stage]Routine, len(routines))}

	for stage, routine := range routines {
		if !stage.IsExecutable() {
			return nil, fmt.Errorf("stage %s is not executable", stage)
		}
		if routine == nil {
			return nil, fmt.Errorf("routine for stage %s is nil", stage)
		}
		r.routines[stage] = routine
	}
	for _, stage := range wf.ExecutableStages() {
		if _, ok := r.routines[stage]; !ok {
			return nil, fmt.Errorf("no routine registered for stage %s", stage)
		}
	}

	return r, nil
}

// Lookup returns the routine of a stage
func (r *Registry) Lookup(stage wf.Stage) (Routine, bool) {
	routine, ok := r.routines[stage]
	return routine, ok
}
