package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/user/contexthub/internal/cherr"
	"github.com/user/contexthub/internal/types"
)

// Handler processes one job. Returning nil completes the job; returning
// an error fails the attempt and the queue's retry policy decides what
// happens next.
type Handler func(ctx context.Context, job *Job) error

// Config is one queue's independent policy set. RatePerMinute caps job
// starts per rolling window regardless of concurrency; zero disables
// the cap.
type Config struct {
	Name          string
	MaxAttempts   int
	Backoff       BackoffPolicy
	Concurrency   int64
	RatePerMinute int
	Buffer        int
}

// Queue is a single job queue: a buffered admission channel, a
// concurrency semaphore, an optional start-rate limiter, and a retry
// loop that re-admits failed jobs after backoff until the attempt cap.
type Queue struct {
	cfg     Config
	jobs    chan *Job
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	handler Handler
	onDead  func(*Job, error)

	mu      sync.Mutex
	waiting map[types.JobID]*Job
	dead    []*Job
	active  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const maxDeadRetained = 100

// NewQueue creates a stopped queue with the given policy.
func NewQueue(cfg Config) *Queue {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	q := &Queue{
		cfg:     cfg,
		jobs:    make(chan *Job, cfg.Buffer),
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		waiting: make(map[types.JobID]*Job),
	}
	if cfg.RatePerMinute > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}
	return q
}

// SetHandler sets the function invoked for each admitted job. Must be
// called before Start.
func (q *Queue) SetHandler(fn Handler) { q.handler = fn }

// SetDeadHandler registers a callback invoked when a job dead-letters.
func (q *Queue) SetDeadHandler(fn func(*Job, error)) { q.onDead = fn }

// Start launches the dispatch loop. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.dispatch()
}

// Stop cancels the queue context and waits for in-flight processors.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue admits a waiting job. Returns an error if the buffer is full.
func (q *Queue) Enqueue(job *Job) error {
	select {
	case q.jobs <- job:
		q.mu.Lock()
		q.waiting[job.ID] = job
		q.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("queue %s full", q.cfg.Name)
	}
}

// Cancel removes a waiting job from the queue. Active jobs run to
// completion or failure; there is no preemptive cancellation. Returns
// true if the job was waiting and is now canceled.
func (q *Queue) Cancel(id types.JobID) bool {
	q.mu.Lock()
	job, ok := q.waiting[id]
	if ok {
		delete(q.waiting, id)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	job.canceled.Store(true)
	job.finish(Result{JobID: job.ID, State: StateCanceled, Attempts: job.Attempts()})
	return true
}

// dispatch pulls admitted jobs, applies the start-rate limiter, and
// acquires a semaphore slot before handing each job to a processor
// goroutine. The semaphore bounds cross-job parallelism; the limiter
// bounds job starts per rolling window independently of it.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			q.mu.Lock()
			delete(q.waiting, job.ID)
			q.mu.Unlock()
			if job.canceled.Load() {
				continue
			}
			if q.limiter != nil {
				if err := q.limiter.Wait(q.ctx); err != nil {
					return
				}
			}
			if err := q.sem.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.wg.Add(1)
			go q.process(job)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) process(job *Job) {
	defer q.wg.Done()
	defer q.sem.Release(1)

	job.attempts.Add(1)
	job.setState(StateActive)
	q.active.Add(1)

	err := q.invoke(job)
	q.active.Add(-1)

	if err == nil {
		job.finish(Result{JobID: job.ID, State: StateCompleted, Attempts: job.Attempts()})
		return
	}

	job.setState(StateFailed)
	attempts := job.Attempts()
	if !cherr.Retryable(err) || attempts >= q.cfg.MaxAttempts {
		q.bury(job, err)
		return
	}

	delay := q.cfg.Backoff.Delay(attempts)
	slog.Warn("job failed, scheduling retry",
		"queue", q.cfg.Name, "job_id", string(job.ID), "attempt", attempts, "delay", delay, "error", err)
	job.setState(StateWaiting)
	q.mu.Lock()
	q.waiting[job.ID] = job
	q.mu.Unlock()
	time.AfterFunc(delay, func() {
		select {
		case q.jobs <- job:
		case <-q.ctx.Done():
		}
	})
}

// invoke runs the handler, converting a panic into an error so that one
// job can never take down its worker or its neighbours.
func (q *Queue) invoke(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return q.handler(q.ctx, job)
}

func (q *Queue) bury(job *Job, cause error) {
	exhausted := &cherr.QueueExhaustedError{
		Queue:    q.cfg.Name,
		JobID:    string(job.ID),
		Attempts: job.Attempts(),
		Err:      cause,
	}
	slog.Error("job dead-lettered",
		"queue", q.cfg.Name, "job_id", string(job.ID), "attempts", job.Attempts(), "error", cause)
	q.mu.Lock()
	q.dead = append(q.dead, job)
	if len(q.dead) > maxDeadRetained {
		q.dead = q.dead[len(q.dead)-maxDeadRetained:]
	}
	q.mu.Unlock()
	job.finish(Result{JobID: job.ID, State: StateDead, Attempts: job.Attempts(), Err: exhausted})
	if q.onDead != nil {
		q.onDead(job, exhausted)
	}
}

// Name returns the queue's configured name.
func (q *Queue) Name() string { return q.cfg.Name }

// Depth returns the number of waiting jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Active returns the number of jobs currently executing.
func (q *Queue) Active() int64 { return q.active.Load() }

// Dead returns a snapshot of retained dead-lettered jobs.
func (q *Queue) Dead() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// WaitIdle blocks until no jobs are waiting or active, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 && q.Depth() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
