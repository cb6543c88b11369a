package notify

import (
	"fmt"
	"log/slog"

	"github.com/user/contexthub/internal/jobs"
)

// DeadLetterNotifier turns dead-lettered jobs into operator
// notifications. It feeds the notification-send queue rather than
// delivering inline, so a slow channel cannot block a worker.
type DeadLetterNotifier struct {
	orch   *jobs.Orchestrator
	target string
}

// NewDeadLetterNotifier registers itself on every queue. Dead jobs on
// the notification-send queue itself are only logged, to avoid a
// feedback loop.
func NewDeadLetterNotifier(orch *jobs.Orchestrator, target string) *DeadLetterNotifier {
	n := &DeadLetterNotifier{orch: orch, target: target}
	orch.SetDeadHandler(n.onDead)
	return n
}

func (n *DeadLetterNotifier) onDead(queue string, job *jobs.Job, err error) {
	if n.target == "" || queue == jobs.QueueNotificationSend {
		return
	}
	msg := fmt.Sprintf("Job %s on queue %s is dead after %d attempts:\n%v",
		string(job.ID), queue, job.Attempts(), err)
	if _, enqErr := n.orch.Enqueue(jobs.QueueNotificationSend, "", &Notification{
		Target:  n.target,
		Subject: "contexthub: dead job",
		Message: msg,
	}); enqErr != nil {
		slog.Error("dead-letter notification enqueue failed", "queue", queue, "job_id", string(job.ID), "error", enqErr)
	}
}
