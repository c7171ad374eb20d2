package gateway

import (
	"context"
	"sync"
)

// job is one unit of work for a session, run with the session's turn
// context.
type job func(ctx context.Context)

// sessionQueue runs the jobs of one session in arrival order.
type sessionQueue struct {
	pending []job
	running bool

	// cancel aborts the job currently running, nil when idle.
	cancel context.CancelFunc
}

// sessionQueues serializes work per session key. A drain goroutine exists
// only while a session has pending work; idle sessions hold no state.
type sessionQueues struct {
	mu     sync.Mutex
	queues map[string]*sessionQueue
	wg     sync.WaitGroup

	// sem bounds the number of jobs running across all sessions.
	sem chan struct{}
}

func newSessionQueues(maxConcurrent int) *sessionQueues {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &sessionQueues{
		queues: make(map[string]*sessionQueue),
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Enqueue appends fn to the session's queue, starting a drain goroutine if
// none is running.
func (q *sessionQueues) Enqueue(ctx context.Context, key string, fn job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.queues[key]
	if !ok {
		sq = &sessionQueue{}
		q.queues[key] = sq
	}
	sq.pending = append(sq.pending, fn)
	if sq.running {
		return
	}
	sq.running = true
	q.wg.Add(1)
	go q.drain(ctx, key, sq)
}

func (q *sessionQueues) drain(ctx context.Context, key string, sq *sessionQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(sq.pending) == 0 {
			sq.running = false
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		fn := sq.pending[0]
		sq.pending = sq.pending[1:]
		jobCtx, cancel := context.WithCancel(ctx)
		sq.cancel = cancel
		q.mu.Unlock()

		select {
		case q.sem <- struct{}{}:
			fn(jobCtx)
			<-q.sem
		case <-jobCtx.Done():
		}

		q.mu.Lock()
		sq.cancel = nil
		q.mu.Unlock()
		cancel()
	}
}

// Abort drops the session's pending jobs and cancels the running one. It
// reports how many jobs were discarded, counting the running job.
func (q *sessionQueues) Abort(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.queues[key]
	if !ok {
		return 0
	}
	dropped := len(sq.pending)
	sq.pending = nil
	if sq.cancel != nil {
		sq.cancel()
		dropped++
	}
	return dropped
}

// Busy reports whether the session has a running or pending job.
func (q *sessionQueues) Busy(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queues[key]
	return ok
}

// Wait blocks until every drain goroutine has exited or ctx ends.
func (q *sessionQueues) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
