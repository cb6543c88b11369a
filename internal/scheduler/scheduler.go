// Package scheduler drives time-based sync admission from the
// sync_status table.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/contexthub/internal/platform"
	"github.com/user/contexthub/internal/types"
)

// Scheduler periodically scans for due sync status records and admits
// an incremental sync per row. Admission control in the platform
// manager keeps a scheduled sync from racing a manual one for the same
// (user, platform).
type Scheduler struct {
	status  types.StatusStore
	manager *platform.Manager
	cron    *cron.Cron
	spec    string
}

// New creates a scheduler ticking on the given cron spec (for example
// "@every 1m").
func New(status types.StatusStore, manager *platform.Manager, spec string) *Scheduler {
	if spec == "" {
		spec = "@every 1m"
	}
	return &Scheduler{
		status:  status,
		manager: manager,
		cron:    cron.New(),
		spec:    spec,
	}
}

// Start registers the tick and starts the cron ticker.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.Tick); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("sync scheduler started", "spec", s.spec)
	return nil
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Tick selects records with next_sync_at in the past that are not
// already syncing and triggers an incremental sync for each.
func (s *Scheduler) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := s.status.Due(ctx, time.Now())
	if err != nil {
		slog.Error("scan due syncs", "error", err)
		return
	}

	for _, rec := range due {
		opts := types.SyncOptions{Since: rec.LastSyncAt}
		if _, err := s.manager.TriggerSync(ctx, rec.Platform, rec.UserID, opts); err != nil {
			if errors.Is(err, platform.ErrSyncInFlight) {
				continue
			}
			slog.Warn("scheduled sync trigger failed",
				"platform", string(rec.Platform), "user_id", string(rec.UserID), "error", err)
		}
	}
}
