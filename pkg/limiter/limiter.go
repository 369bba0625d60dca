// Package limiter bounds in-flight submissions with a FIFO wait queue.
//
// Unlike a rate limiter, the semaphore caps simultaneous work: at most max
// executions run at once, excess callers queue in arrival order, and a queued
// caller that outwaits the queue timeout fails with a saturation error.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alcabala/verifactu/pkg/errs"
)

// Unlimited disables concurrency limiting altogether.
const Unlimited = -1

// DefaultQueueTimeout bounds the time a caller may sit in the wait queue.
const DefaultQueueTimeout = 30 * time.Second

// Stats is a non-blocking snapshot of limiter occupancy.
type Stats struct {
	Active     int
	Queued     int
	Max        int
	AtCapacity bool
}

type waiter struct {
	ch chan struct{}
}

// Limiter is a bounded semaphore with FIFO waiters.
type Limiter struct {
	mu           sync.Mutex
	max          int
	active       int
	waiters      []*waiter
	queueTimeout time.Duration
}

// New creates a limiter. max is floored to at least 1 unless it is
// Unlimited; a negative queue timeout is treated as zero.
func New(max int, queueTimeout time.Duration) *Limiter {
	if max != Unlimited && max < 1 {
		max = 1
	}
	if queueTimeout < 0 {
		queueTimeout = 0
	}
	return &Limiter{max: max, queueTimeout: queueTimeout}
}

// Execute runs fn under the concurrency bound. Queued callers are released
// in strict FIFO order; a caller whose queue wait exceeds the timeout fails
// without running fn. The slot is released even if fn panics.
func (l *Limiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	if l.max == Unlimited {
		return fn(ctx)
	}
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return fn(ctx)
}

func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.active < l.max {
		l.active++
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	timer := time.NewTimer(l.queueTimeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		// Slot handed over by a releasing caller; active already counted.
		return nil
	case <-timer.C:
		if l.abandon(w) {
			l.mu.Lock()
			queued := len(l.waiters)
			l.mu.Unlock()
			return errs.New(errs.KindTimeout, errs.CodeQueueTimeout,
				fmt.Sprintf("queue wait exceeded %s with %d caller(s) queued", l.queueTimeout, queued))
		}
		// Lost the race: the slot arrived as the deadline fired. Give it up.
		<-w.ch
		l.release()
		return errs.New(errs.KindTimeout, errs.CodeQueueTimeout,
			fmt.Sprintf("queue wait exceeded %s", l.queueTimeout))
	case <-ctx.Done():
		if l.abandon(w) {
			return ctx.Err()
		}
		<-w.ch
		l.release()
		return ctx.Err()
	}
}

// abandon removes a waiter from the queue. It returns false when the waiter
// was already signalled, in which case the waiter owns a slot.
func (l *Limiter) abandon(w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cand := range l.waiters {
		if cand == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Limiter) release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		// Hand the slot to the oldest waiter; active count is unchanged.
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(w.ch)
		return
	}
	l.active--
	l.mu.Unlock()
}

// Snapshot reports current occupancy without blocking on slot availability.
func (l *Limiter) Snapshot() Stats {
	if l.max == Unlimited {
		return Stats{Max: Unlimited}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Active:     l.active,
		Queued:     len(l.waiters),
		Max:        l.max,
		AtCapacity: l.active >= l.max,
	}
}
