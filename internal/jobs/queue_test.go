package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/contexthub/internal/cherr"
)

func startQueue(t *testing.T, cfg Config, fn Handler) *Queue {
	t.Helper()
	q := NewQueue(cfg)
	q.SetHandler(fn)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func waitResult(t *testing.T, job *Job) Result {
	t.Helper()
	select {
	case r := <-job.Done():
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for job %s", job.ID)
		return Result{}
	}
}

func TestQueueCompletesJob(t *testing.T) {
	q := startQueue(t, Config{Name: "test", MaxAttempts: 3, Backoff: Fixed(time.Millisecond)},
		func(ctx context.Context, job *Job) error { return nil })

	job := NewJob("test", "", nil)
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := waitResult(t, job)
	if r.State != StateCompleted {
		t.Errorf("state = %s, want completed", r.State)
	}
	if r.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", r.Attempts)
	}
	if job.State() != StateCompleted {
		t.Errorf("job.State() = %s, want completed", job.State())
	}
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	q := startQueue(t, Config{Name: "test", MaxAttempts: 3, Backoff: Fixed(time.Millisecond)},
		func(ctx context.Context, job *Job) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})

	job := NewJob("test", "", nil)
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := waitResult(t, job)
	if r.State != StateCompleted {
		t.Errorf("state = %s, want completed", r.State)
	}
	if r.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", r.Attempts)
	}
}

func TestQueueBuriesAfterMaxAttempts(t *testing.T) {
	var deadCalls atomic.Int32
	q := NewQueue(Config{Name: "test", MaxAttempts: 3, Backoff: Fixed(time.Millisecond)})
	q.SetHandler(func(ctx context.Context, job *Job) error { return errors.New("always fails") })
	q.SetDeadHandler(func(job *Job, err error) { deadCalls.Add(1) })
	q.Start(context.Background())
	defer q.Stop()

	job := NewJob("test", "", nil)
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := waitResult(t, job)
	if r.State != StateDead {
		t.Fatalf("state = %s, want dead", r.State)
	}
	if r.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", r.Attempts)
	}
	var qe *cherr.QueueExhaustedError
	if !errors.As(r.Err, &qe) {
		t.Fatalf("result error = %v, want QueueExhaustedError", r.Err)
	}
	if qe.Attempts != 3 {
		t.Errorf("exhausted attempts = %d, want 3", qe.Attempts)
	}
	if got := deadCalls.Load(); got != 1 {
		t.Errorf("dead handler calls = %d, want 1", got)
	}
	if dead := q.Dead(); len(dead) != 1 || dead[0].ID != job.ID {
		t.Errorf("dead snapshot = %v, want one entry for the buried job", dead)
	}
}

func TestQueueNonRetryableBuriesImmediately(t *testing.T) {
	var calls atomic.Int32
	q := startQueue(t, Config{Name: "test", MaxAttempts: 5, Backoff: Fixed(time.Millisecond)},
		func(ctx context.Context, job *Job) error {
			calls.Add(1)
			return cherr.Validationf("bad payload")
		})

	job := NewJob("test", "", nil)
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := waitResult(t, job)
	if r.State != StateDead {
		t.Errorf("state = %s, want dead", r.State)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1 (no retries for validation errors)", got)
	}
}

func TestQueuePanicIsContained(t *testing.T) {
	var calls atomic.Int32
	q := startQueue(t, Config{Name: "test", MaxAttempts: 2, Backoff: Fixed(time.Millisecond)},
		func(ctx context.Context, job *Job) error {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return nil
		})

	job := NewJob("test", "", nil)
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := waitResult(t, job)
	if r.State != StateCompleted {
		t.Errorf("state = %s, want completed after panic retry", r.State)
	}
	if r.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", r.Attempts)
	}
}

func TestQueueCancelWaiting(t *testing.T) {
	var calls atomic.Int32
	q := NewQueue(Config{Name: "test", MaxAttempts: 1})
	q.SetHandler(func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	})

	// Enqueue before the dispatcher starts so the job is still waiting.
	job := NewJob("test", "", nil)
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !q.Cancel(job.ID) {
		t.Fatal("Cancel returned false for a waiting job")
	}
	if q.Cancel(job.ID) {
		t.Error("second Cancel returned true")
	}

	r := waitResult(t, job)
	if r.State != StateCanceled {
		t.Errorf("state = %s, want canceled", r.State)
	}

	q.Start(context.Background())
	defer q.Stop()
	if !q.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not go idle")
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("handler calls = %d, want 0 for a canceled job", got)
	}
}

func TestQueueConcurrencyCap(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	var releaseOnce sync.Once
	closeRelease := func() { releaseOnce.Do(func() { close(release) }) }
	defer closeRelease()
	q := startQueue(t, Config{Name: "test", MaxAttempts: 1, Concurrency: 2},
		func(ctx context.Context, job *Job) error {
			started <- struct{}{}
			<-release
			return nil
		})

	var done []*Job
	for i := 0; i < 4; i++ {
		job := NewJob("test", "", nil)
		if err := q.Enqueue(job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		done = append(done, job)
	}

	// Exactly two processors may start before anyone is released.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for processor start")
		}
	}
	select {
	case <-started:
		t.Fatal("third job started past the concurrency cap")
	case <-time.After(50 * time.Millisecond):
	}
	if got := q.Active(); got != 2 {
		t.Errorf("Active() = %d, want 2", got)
	}

	closeRelease()
	for _, job := range done {
		if r := waitResult(t, job); r.State != StateCompleted {
			t.Errorf("job %s state = %s, want completed", job.ID, r.State)
		}
	}
}

func TestQueueEnqueueFullBuffer(t *testing.T) {
	q := NewQueue(Config{Name: "test", MaxAttempts: 1, Buffer: 1})
	if err := q.Enqueue(NewJob("test", "", nil)); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := q.Enqueue(NewJob("test", "", nil)); err == nil {
		t.Fatal("second Enqueue succeeded on a full buffer")
	}
}
