// Package pipeline moves candidate paths from producers (discoverer,
// watcher, resume backlog) through fixed-size batches to a bounded pool of
// workers that claim, fingerprint, enrich and settle each file.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/eargollo/mediaflow/internal/metrics"
)

// ErrIntakeClosed is returned by Enqueue after Close.
var ErrIntakeClosed = errors.New("intake closed")

// Intake is the bounded, de-duplicating queue shared by all producers.
// Enqueue blocks while the queue is full. A path is held in the dedup set
// from Enqueue until the batch carrying it has run.
type Intake struct {
	ch chan string

	// mu guards closed and the close of ch; senders hold it shared.
	mu     sync.RWMutex
	closed bool

	setMu  sync.Mutex
	queued map[string]struct{}
}

// NewIntake creates an intake holding at most size paths.
func NewIntake(size int) *Intake {
	if size < 1 {
		size = 1
	}
	return &Intake{
		ch:     make(chan string, size),
		queued: make(map[string]struct{}),
	}
}

// Enqueue adds path unless it is already queued. It reports whether the
// path was added.
func (q *Intake) Enqueue(ctx context.Context, path string) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false, ErrIntakeClosed
	}

	q.setMu.Lock()
	if _, dup := q.queued[path]; dup {
		q.setMu.Unlock()
		return false, nil
	}
	q.queued[path] = struct{}{}
	q.setMu.Unlock()

	select {
	case q.ch <- path:
		metrics.IntakeDepth.Inc()
		return true, nil
	case <-ctx.Done():
		q.forget(path)
		return false, ctx.Err()
	}
}

// Close stops accepting paths. Paths already queued are still delivered.
// Close waits for blocked Enqueue calls, so the consumer must keep draining
// (or their contexts must end) while it runs.
func (q *Intake) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of queued paths.
func (q *Intake) Len() int { return len(q.ch) }

// out is the consumer side, closed after Close once drained.
func (q *Intake) out() <-chan string { return q.ch }

// taken must be called for every path received from out.
func (q *Intake) taken() {
	metrics.IntakeDepth.Dec()
}

// release lets paths be queued again once their batch is over.
func (q *Intake) release(paths []string) {
	q.setMu.Lock()
	for _, p := range paths {
		delete(q.queued, p)
	}
	q.setMu.Unlock()
}

func (q *Intake) forget(path string) {
	q.setMu.Lock()
	delete(q.queued, path)
	q.setMu.Unlock()
}
