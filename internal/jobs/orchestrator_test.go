package jobs

import (
	"context"
	"testing"
	"time"
)

func TestOrchestratorHasStandardQueues(t *testing.T) {
	o := NewOrchestrator()
	for _, name := range []string{QueuePlatformSync, QueueWebhookProcess, QueueContextIndex, QueueNotificationSend} {
		if o.Queue(name) == nil {
			t.Errorf("queue %s missing", name)
		}
	}
	if got := len(o.Names()); got != 4 {
		t.Errorf("Names() has %d entries, want 4", got)
	}
}

func TestOrchestratorUnknownQueue(t *testing.T) {
	o := NewOrchestrator()
	if err := o.SetHandler("nope", func(ctx context.Context, job *Job) error { return nil }); err == nil {
		t.Error("SetHandler accepted an unknown queue")
	}
	if _, err := o.Enqueue("nope", "", nil); err == nil {
		t.Error("Enqueue accepted an unknown queue")
	}
}

func TestOrchestratorRoundTrip(t *testing.T) {
	o := NewOrchestrator()
	processed := make(chan string, 1)
	err := o.SetHandler(QueueContextIndex, func(ctx context.Context, job *Job) error {
		processed <- job.Payload.(string)
		return nil
	})
	if err != nil {
		t.Fatalf("SetHandler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	job, err := o.Enqueue(QueueContextIndex, "", "payload")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case got := <-processed:
		if got != "payload" {
			t.Errorf("payload = %q, want %q", got, "payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never processed")
	}
	if r := <-job.Done(); r.State != StateCompleted {
		t.Errorf("state = %s, want completed", r.State)
	}
}
