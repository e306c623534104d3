package core

import (
	"context"
	"sync"
	"time"
)

// completion is a one-shot gate armed once per transfer. The worker
// completes it; the submitter waits on it with a timeout.
type completion struct {
	ch   chan struct{}
	once sync.Once
}

func newCompletion() *completion {
	return &completion{ch: make(chan struct{})}
}

// complete releases the waiter. Calls after the first are no-ops and
// report false.
func (g *completion) complete() bool {
	fired := false
	g.once.Do(func() {
		close(g.ch)
		fired = true
	})
	return fired
}

// wait blocks until the gate fires, the timeout expires or ctx is done.
func (g *completion) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.ch:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
