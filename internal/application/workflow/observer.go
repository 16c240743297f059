package workflow

import (
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// Observer is notified after every persisted transition.
// A session start is reported as a transition from "" to starting.
// Implementations must return quickly; they run on the driving goroutine.
type Observer interface {
	OnTransition(session *wf.Session, tr wf.Transition)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(session *wf.Session, tr wf.Transition)

// OnTransition calls f
func (f ObserverFunc) OnTransition(session *wf.Session, tr wf.Transition) {
	f(session, tr)
}

// StageObserver is notified after every stage attempt
type StageObserver interface {
	OnStageExecuted(session *wf.Session, result StageResult)
}
