// Package jobqueue provides per-key serialized job execution. Jobs submitted
// under the same key run strictly one at a time in submission order; jobs
// under different keys interleave freely. The receipt/reaction services key
// queues by conversation id so mutations of one conversation never race.
package jobqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Submit once the runner has been closed.
var ErrClosed = errors.New("jobqueue: runner closed")

// Job is a unit of work executed on a queue.
type Job func(ctx context.Context) error

// queue is a single key's FIFO worker.
type queue struct {
	jobs chan submission
}

// submission carries the job together with its submitter's context, so
// cancellation and trace spans reach the job even though it runs on the
// queue's goroutine.
type submission struct {
	ctx  context.Context
	job  Job
	done chan error
}

// Runner owns one serialized queue per key.
//
// Locking: sendMu is held shared around every channel send and exclusively by
// Close, so a queue channel is never closed while a send on it is in flight.
// mu guards the queue map and is only taken under sendMu.
type Runner struct {
	sendMu  sync.RWMutex
	mu      sync.Mutex
	queues  map[string]*queue
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	backlog int
}

// NewRunner constructs a Runner. backlog bounds how many jobs may wait per
// key before Submit blocks.
func NewRunner(backlog int) *Runner {
	if backlog <= 0 {
		backlog = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		queues:  make(map[string]*queue),
		ctx:     ctx,
		cancel:  cancel,
		backlog: backlog,
	}
}

// Submit enqueues job on key's queue and blocks until it has run, returning
// the job's error. The job receives the submitter's ctx. Jobs for one key
// execute in submission order. After Close, Submit returns ErrClosed.
func (r *Runner) Submit(ctx context.Context, key string, job Job) error {
	s := submission{ctx: ctx, job: job, done: make(chan error, 1)}
	if err := r.dispatch(ctx, key, s); err != nil {
		return err
	}
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits job without waiting for completion. Errors are logged.
// The job runs under the runner's lifetime context. Calls after Close are
// dropped.
func (r *Runner) Enqueue(key string, job Job) {
	s := submission{ctx: r.ctx, job: job, done: make(chan error, 1)}
	if err := r.dispatch(r.ctx, key, s); err != nil {
		return
	}
	go func() {
		if err := <-s.done; err != nil {
			log.Warn().Err(err).Str("queue", key).Msg("queued job failed")
		}
	}()
}

// Close stops accepting work, drains queued jobs, and waits for the workers
// to finish. Idempotent.
func (r *Runner) Close() {
	// Unblock senders parked on full queues before taking the write lock.
	r.cancel()
	r.sendMu.Lock()
	if r.closed {
		r.sendMu.Unlock()
		return
	}
	r.closed = true
	r.mu.Lock()
	for _, q := range r.queues {
		close(q.jobs)
	}
	r.queues = nil
	r.mu.Unlock()
	r.sendMu.Unlock()
	r.wg.Wait()
}

// dispatch places s on key's queue. The shared lock excludes Close for the
// duration of the send, so the channel cannot be closed underneath it.
func (r *Runner) dispatch(ctx context.Context, key string, s submission) error {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	q := r.queueFor(key)
	select {
	case q.jobs <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrClosed
	}
}

// queueFor returns (creating if needed) the queue for key. Callers hold
// sendMu shared with closed == false, so no new worker can start after Close.
func (r *Runner) queueFor(key string) *queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[key]; ok {
		return q
	}
	q := &queue{jobs: make(chan submission, r.backlog)}
	r.queues[key] = q
	r.wg.Add(1)
	go r.run(q)
	return q
}

// run drains a queue until it is closed, executing each job under its
// submitter's context.
func (r *Runner) run(q *queue) {
	defer r.wg.Done()
	for s := range q.jobs {
		s.done <- s.job(s.ctx)
	}
}
