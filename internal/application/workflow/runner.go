package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRunnerClosed is returned by Dispatch after Shutdown
var ErrRunnerClosed = errors.New("runner is shut down")

// ErrRunnerBusy is returned by Dispatch when the queue is full
var ErrRunnerBusy = errors.New("runner queue is full")

// DriveFunc advances one session until it pauses or terminates
type DriveFunc func(ctx context.Context, sessionID string) error

// RunnerStats tracks background drive statistics
type RunnerStats struct {
	TotalDrives      int
	SuccessfulDrives int
	FailedDrives     int
	Running          int
	LastDrive        time.Time
	LastError        error
	AverageDuration  time.Duration
}

// Runner drives sessions on a bounded pool of background workers.
// A session is driven by at most one worker at a time; a dispatch that
// arrives while it runs makes that worker drive it once more.
type Runner struct {
	drive  DriveFunc
	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	workers sync.WaitGroup
	pending sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
	again   map[string]bool
	closed  bool
	stats   RunnerStats
}

// NewRunner starts workers goroutines that call drive for dispatched sessions
func NewRunner(drive DriveFunc, workers int, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		drive:   drive,
		queue:   make(chan string, workers*64),
		ctx:     ctx,
		cancel:  cancel,
		logger:  orDiscard(logger),
		running: make(map[string]bool),
		again:   make(map[string]bool),
	}

	for i := 0; i < workers; i++ {
		r.workers.Add(1)
		go r.work()
	}
	r.logger.Info("runner started", "workers", workers)
	return r
}

// Dispatch schedules a drive of the session and returns immediately
func (r *Runner) Dispatch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRunnerClosed
	}
	if r.running[sessionID] {
		r.again[sessionID] = true
		return nil
	}

	select {
	case r.queue <- sessionID:
		r.running[sessionID] = true
		r.pending.Add(1)
		return nil
	default:
		return ErrRunnerBusy
	}
}

// Active reports whether the session is queued or being driven
func (r *Runner) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[sessionID]
}

// Wait blocks until every dispatched drive has finished
func (r *Runner) Wait() {
	r.pending.Wait()
}

// Shutdown stops accepting work and waits for in-flight drives until ctx is done,
// then cancels whatever is still running.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		r.logger.Warn("runner shutdown timed out, cancelling drives")
	}

	r.cancel()
	r.workers.Wait()
	r.discardQueued()
	<-drained

	r.logger.Info("runner stopped")
	return err
}

// Close cancels in-flight drives and stops the workers
func (r *Runner) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stats returns a copy of the runner statistics
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	stats.Running = len(r.running)
	return stats
}

func (r *Runner) work() {
	defer r.workers.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case id := <-r.queue:
			r.run(id)
		}
	}
}

func (r *Runner) run(sessionID string) {
	for {
		start := time.Now()
		err := r.drive(r.ctx, sessionID)
		duration := time.Since(start)

		r.mu.Lock()
		r.record(start, duration, err)
		if r.again[sessionID] && r.ctx.Err() == nil {
			delete(r.again, sessionID)
			r.mu.Unlock()
			continue
		}
		delete(r.running, sessionID)
		delete(r.again, sessionID)
		r.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("drive failed", "session_id", sessionID, "error", err)
		}
		r.pending.Done()
		return
	}
}

// record must be called with mu held
func (r *Runner) record(start time.Time, duration time.Duration, err error) {
	r.stats.TotalDrives++
	r.stats.LastDrive = start
	if err != nil {
		r.stats.FailedDrives++
		r.stats.LastError = err
	} else {
		r.stats.SuccessfulDrives++
	}

	if r.stats.AverageDuration == 0 {
		r.stats.AverageDuration = duration
	} else {
		r.stats.AverageDuration = (r.stats.AverageDuration + duration) / 2
	}
}

// discardQueued hands every queued session to drive with the cancelled
// runner context, so the drive can record that it never ran
func (r *Runner) discardQueued() {
	for {
		select {
		case id := <-r.queue:
			if err := r.drive(r.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("queued drive discarded", "session_id", id, "error", err)
			}
			r.mu.Lock()
			delete(r.running, id)
			delete(r.again, id)
			r.mu.Unlock()
			r.pending.Done()
		default:
			return
		}
	}
}
