package jobs

import (
	"sync/atomic"
	"time"

	"github.com/user/contexthub/internal/types"
)

// State is the lifecycle state of a Job.
//
// waiting -> active -> completed
// waiting -> active -> failed -> (waiting after backoff, up to max attempts) -> dead
//
// dead is terminal: the job is surfaced for operator inspection and is
// never retried automatically again.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead"
	StateCanceled  State = "canceled"
)

// Result is the terminal outcome delivered on a job's done channel.
// Observers subscribe to the channel instead of an ambient event bus.
type Result struct {
	JobID    types.JobID
	State    State
	Attempts int
	Err      error
}

// Job is one unit of work on a queue. Progress is advisory only and
// never gates state transitions.
type Job struct {
	ID         types.JobID
	Queue      string
	Key        string
	Payload    any
	EnqueuedAt time.Time

	state    atomic.Value // State
	attempts atomic.Int32
	progress atomic.Int32
	canceled atomic.Bool
	done     chan Result
}

// NewJob creates a waiting job for the named queue. Key is an optional
// serialization key recorded for observability; it is empty for jobs
// with no per-key discipline.
func NewJob(queue, key string, payload any) *Job {
	j := &Job{
		ID:         types.NewJobID(),
		Queue:      queue,
		Key:        key,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		done:       make(chan Result, 1),
	}
	j.state.Store(StateWaiting)
	return j
}

// Done returns the channel that receives the job's single terminal
// Result (completed, dead, or canceled).
func (j *Job) Done() <-chan Result { return j.done }

// State returns the job's current lifecycle state.
func (j *Job) State() State { return j.state.Load().(State) }

// Attempts returns how many times the job has entered the active state.
func (j *Job) Attempts() int { return int(j.attempts.Load()) }

// SetProgress records advisory progress, clamped to 0-100.
func (j *Job) SetProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	j.progress.Store(int32(p))
}

// Progress returns the last advisory progress report.
func (j *Job) Progress() int { return int(j.progress.Load()) }

func (j *Job) setState(s State) { j.state.Store(s) }

func (j *Job) finish(r Result) {
	j.setState(r.State)
	j.done <- r
	close(j.done)
}
