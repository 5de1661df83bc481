package worker

import (
	"context"
	"sync"
)

// tracker counts in-flight work and lets callers wait for it to reach zero.
// Unlike sync.WaitGroup it tolerates Add racing with Wait under live traffic.
type tracker struct {
	mu      sync.Mutex
	count   int
	waiters []chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count--
	if t.count > 0 {
		return
	}
	t.count = 0
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
