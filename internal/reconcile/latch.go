package reconcile

import (
	"context"
	"sync"
	"time"
)

// latch is a countdown that closes Done when the count reaches zero.
type latch struct {
	mu   sync.Mutex
	n    int
	done chan struct{}
}

func newLatch(n int) *latch {
	l := &latch{n: n, done: make(chan struct{})}
	if n <= 0 {
		close(l.done)
	}
	return l
}

// CountDown decrements the count. Extra calls after zero are no-ops.
func (l *latch) CountDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n <= 0 {
		return
	}
	l.n--
	if l.n == 0 {
		close(l.done)
	}
}

// Wait blocks until the count reaches zero, the bound elapses or ctx is
// done. It reports whether the count reached zero.
func (l *latch) Wait(ctx context.Context, bound time.Duration) bool {
	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case <-l.done:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
