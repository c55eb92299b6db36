package audit

import (
	"context"
	"sync"
)

// appendQueue runs jobs one at a time, in submission order, on a single
// worker goroutine. Everything that touches the chain tip is a job, so two
// appends can never read the same tip.
type appendQueue struct {
	mu     sync.RWMutex // guards closed and sends on jobs
	closed bool
	jobs   chan func()
	done   chan struct{}
}

func newAppendQueue(depth int) *appendQueue {
	if depth < 1 {
		depth = 1
	}
	q := &appendQueue{
		jobs: make(chan func(), depth),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *appendQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		job()
	}
}

// submit queues job and waits for it to finish. If ctx ends before the job
// is queued, the job never runs. If ctx ends after, the job still runs to
// completion; submit just stops waiting for it.
func (q *appendQueue) submit(ctx context.Context, job func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		job()
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	select {
	case q.jobs <- wrapped:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting jobs, lets queued jobs finish and waits for the
// worker to exit.
func (q *appendQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
}
