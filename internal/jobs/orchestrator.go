package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Queue names. Each queue has an independent retry, concurrency, and
// rate policy; the rate caps protect vendor API quotas.
const (
	QueuePlatformSync     = "platform-sync"
	QueueWebhookProcess   = "webhook-process"
	QueueContextIndex     = "context-index"
	QueueNotificationSend = "notification-send"
)

// Orchestrator owns the finite registry of queues, built once at
// startup. Call sites address queues by name; nothing mutates the
// registry after construction.
type Orchestrator struct {
	queues map[string]*Queue
	names  []string
}

// NewOrchestrator builds the four standard queues.
func NewOrchestrator() *Orchestrator {
	o := &Orchestrator{queues: make(map[string]*Queue)}
	for _, cfg := range []Config{
		{
			Name:          QueuePlatformSync,
			MaxAttempts:   3,
			Backoff:       Exponential(5*time.Second, 5*time.Minute),
			Concurrency:   5,
			RatePerMinute: 10,
		},
		{
			Name:          QueueWebhookProcess,
			MaxAttempts:   5,
			Backoff:       Exponential(2*time.Second, 2*time.Minute),
			Concurrency:   10,
			RatePerMinute: 100,
		},
		{
			Name:        QueueContextIndex,
			MaxAttempts: 3,
			Backoff:     Fixed(1 * time.Second),
			Concurrency: 5,
		},
		{
			Name:        QueueNotificationSend,
			MaxAttempts: 3,
			Backoff:     Exponential(1*time.Second, 1*time.Minute),
			Concurrency: 20,
		},
	} {
		o.queues[cfg.Name] = NewQueue(cfg)
		o.names = append(o.names, cfg.Name)
	}
	sort.Strings(o.names)
	return o
}

// SetHandler wires the processor for the named queue.
func (o *Orchestrator) SetHandler(queue string, fn Handler) error {
	q, ok := o.queues[queue]
	if !ok {
		return fmt.Errorf("unknown queue: %s", queue)
	}
	q.SetHandler(fn)
	return nil
}

// SetDeadHandler registers a dead-letter callback on every queue.
func (o *Orchestrator) SetDeadHandler(fn func(queue string, job *Job, err error)) {
	for name, q := range o.queues {
		name := name
		q.SetDeadHandler(func(job *Job, err error) { fn(name, job, err) })
	}
}

// Start starts all queues. Queues without a handler are left stopped.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, q := range o.queues {
		if q.handler != nil {
			q.Start(ctx)
		}
	}
}

// Stop stops all queues and waits for in-flight work.
func (o *Orchestrator) Stop() {
	for _, q := range o.queues {
		if q.handler != nil {
			q.Stop()
		}
	}
}

// Enqueue creates a job and admits it to the named queue.
func (o *Orchestrator) Enqueue(queue, key string, payload any) (*Job, error) {
	q, ok := o.queues[queue]
	if !ok {
		return nil, fmt.Errorf("unknown queue: %s", queue)
	}
	job := NewJob(queue, key, payload)
	if err := q.Enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Queue returns the named queue, or nil.
func (o *Orchestrator) Queue(name string) *Queue { return o.queues[name] }

// Names returns the queue names in sorted order.
func (o *Orchestrator) Names() []string { return o.names }
