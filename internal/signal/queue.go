package signal

import (
	"context"
	"sync"
	"time"
)

type queued struct {
	sig       Signal
	deliverAt time.Time
}

// Queue is an in-process Source. Published signals become visible to Poll only
// after the configured delay, which models a coordinator that reports state on
// its next heartbeat rather than immediately.
type Queue struct {
	mu    sync.Mutex
	delay time.Duration
	items []queued
	now   func() time.Time
}

// NewQueue creates a queue that holds each signal back for delay.
func NewQueue(delay time.Duration) *Queue {
	return &Queue{delay: delay, now: time.Now}
}

// Publish enqueues a signal for delayed delivery.
func (q *Queue) Publish(sig Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queued{sig: sig, deliverAt: q.now().Add(q.delay)})
}

// Poll returns and removes every signal whose delay has elapsed, in publish order.
func (q *Queue) Poll(ctx context.Context) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []Signal
	kept := q.items[:0]
	for _, it := range q.items {
		if !it.deliverAt.After(now) {
			due = append(due, it.sig)
		} else {
			kept = append(kept, it)
		}
	}
	q.items = kept
	return due, nil
}

// Len returns the number of undelivered signals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
