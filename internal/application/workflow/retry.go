package workflow

import (
	"context"
	"time"

	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

const (
	retryBaseDelay = 5 * time.Millisecond
	retryMaxDelay  = 200 * time.Millisecond
)

// updateWithRetry re-runs an optimistic Store.Update while it reports ErrConflict.
// The mutator must be safe to run more than once.
func updateWithRetry(ctx context.Context, store wf.Store, id string, attempts int, mutator wf.Mutator) (*wf.Session, error) {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var session *wf.Session
		session, err = store.Update(ctx, id, mutator)
		if err == nil {
			return session, nil
		}
		if !wf.IsConflict(err) || attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(backoffDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, err
}

// backoffDelay doubles the base delay per attempt up to retryMaxDelay
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
