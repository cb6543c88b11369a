// Package notify delivers operator notifications through the
// notification-send queue. Channels register by target prefix
// (e.g. "telegram:") and dead-lettered jobs are surfaced here.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/contexthub/internal/cherr"
	"github.com/user/contexthub/internal/jobs"
)

// Notification is the notification-send queue payload. Target selects
// the channel by prefix, e.g. "telegram:123456".
type Notification struct {
	Target  string
	Subject string
	Message string
}

// Handler delivers a message to a target.
type Handler func(target, subject, message string) error

// Registry routes notifications to the channel matching the target
// prefix.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the target prefix and calls it.
func (r *Registry) Deliver(target, subject, message string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(target, prefix) {
			return handler(target, subject, message)
		}
	}
	return fmt.Errorf("no notification channel for target: %s", target)
}

// Attach wires the registry onto the orchestrator's notification-send
// queue.
func (r *Registry) Attach(orch *jobs.Orchestrator) error {
	return orch.SetHandler(jobs.QueueNotificationSend, func(ctx context.Context, job *jobs.Job) error {
		n, ok := job.Payload.(*Notification)
		if !ok {
			return cherr.Validationf("notification-send job carries unexpected payload %T", job.Payload)
		}
		return r.Deliver(n.Target, n.Subject, n.Message)
	})
}
