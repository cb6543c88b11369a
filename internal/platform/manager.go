// Package platform coordinates adapters, credentials, the context
// graph, sync status, and the job queues. It is the only mutator of
// sync status records.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/contexthub/internal/adapter"
	"github.com/user/contexthub/internal/cherr"
	"github.com/user/contexthub/internal/indexer"
	"github.com/user/contexthub/internal/jobs"
	"github.com/user/contexthub/internal/types"
)

// ErrSyncInFlight is returned when a sync for the same (user, platform)
// is already waiting or active. Admission control keeps two syncs from
// racing on the same scheduling cursor.
var ErrSyncInFlight = errors.New("sync already in flight for this user and platform")

// SyncJob is the platform-sync queue payload.
type SyncJob struct {
	Platform types.Platform
	UserID   types.UserID
	Options  types.SyncOptions
}

// WebhookJob is the webhook-process queue payload. RecordID addresses
// the durable audit-log row for the event.
type WebhookJob struct {
	Platform types.Platform
	RecordID string
	Event    types.WebhookEvent
}

// Config tunes the manager's timing policy.
type Config struct {
	// SyncInterval spaces scheduled incremental syncs.
	SyncInterval time.Duration
	// RefreshMargin refreshes credentials that expire within it.
	RefreshMargin time.Duration
	// AdapterTimeout bounds each adapter network call.
	AdapterTimeout time.Duration
	// DefaultTeam scopes webhook-ingested nodes when the event does
	// not carry a team of its own.
	DefaultTeam types.TeamID
}

func (c *Config) fill() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 15 * time.Minute
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = 5 * time.Minute
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = time.Minute
	}
}

// Manager drives sync and webhook flows end to end.
type Manager struct {
	cfg      Config
	adapters *adapter.Registry
	creds    types.CredentialStore
	graph    types.GraphStore
	status   types.StatusStore
	weblog   types.WebhookLog
	orch     *jobs.Orchestrator

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewManager(cfg Config, adapters *adapter.Registry, creds types.CredentialStore,
	graph types.GraphStore, status types.StatusStore, weblog types.WebhookLog,
	orch *jobs.Orchestrator) *Manager {
	cfg.fill()
	return &Manager{
		cfg:      cfg,
		adapters: adapters,
		creds:    creds,
		graph:    graph,
		status:   status,
		weblog:   weblog,
		orch:     orch,
		inflight: make(map[string]struct{}),
	}
}

// Attach wires the manager's handlers onto its orchestrator's
// platform-sync and webhook-process queues.
func (m *Manager) Attach() error {
	if err := m.orch.SetHandler(jobs.QueuePlatformSync, m.handleSyncJob); err != nil {
		return err
	}
	return m.orch.SetHandler(jobs.QueueWebhookProcess, m.handleWebhookJob)
}

// Adapters returns the platform registry.
func (m *Manager) Adapters() *adapter.Registry { return m.adapters }

// TriggerSync admits one sync job for (user, platform). Single-flight:
// while a job for the key is waiting or active a second trigger returns
// ErrSyncInFlight instead of enqueueing.
func (m *Manager) TriggerSync(ctx context.Context, platform types.Platform, userID types.UserID, opts types.SyncOptions) (*jobs.Job, error) {
	if m.adapters.Get(platform) == nil {
		return nil, cherr.Validationf("unknown platform: %s", platform)
	}
	key := types.SyncKey(userID, platform)

	m.mu.Lock()
	if _, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		return nil, ErrSyncInFlight
	}
	m.inflight[key] = struct{}{}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
	}

	if err := m.markSyncing(ctx, userID, platform); err != nil {
		release()
		return nil, err
	}

	job, err := m.orch.Enqueue(jobs.QueuePlatformSync, key, &SyncJob{
		Platform: platform,
		UserID:   userID,
		Options:  opts,
	})
	if err != nil {
		release()
		return nil, err
	}

	go func() {
		<-job.Done()
		release()
	}()
	return job, nil
}

func (m *Manager) handleSyncJob(ctx context.Context, job *jobs.Job) error {
	sj, ok := job.Payload.(*SyncJob)
	if !ok {
		return cherr.Validationf("platform-sync job carries unexpected payload %T", job.Payload)
	}
	_, err := m.SyncPlatform(ctx, sj.Platform, sj.UserID, sj.Options)
	if err == nil {
		job.SetProgress(100)
	}
	return err
}

// SyncPlatform runs one pull-sync: load and maybe refresh credentials,
// call the adapter, upsert every returned item into the graph, then
// advance the status record. Adapter-level failure marks the record
// failed and propagates so the queue can apply its retry policy.
func (m *Manager) SyncPlatform(ctx context.Context, platform types.Platform, userID types.UserID, opts types.SyncOptions) (*types.SyncResult, error) {
	a := m.adapters.Get(platform)
	if a == nil {
		return nil, cherr.Validationf("unknown platform: %s", platform)
	}

	creds, err := m.creds.Get(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		err := cherr.Validationf("user %s has no %s credentials", userID, platform)
		m.markFailure(ctx, userID, platform, err)
		return nil, err
	}

	creds, err = m.maybeRefresh(ctx, a, creds)
	if err != nil {
		m.markFailure(ctx, userID, platform, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.AdapterTimeout)
	result, err := a.Sync(callCtx, creds, opts)
	cancel()
	if err != nil {
		m.markFailure(ctx, userID, platform, err)
		return nil, err
	}

	synced, indexIDs := m.upsertItems(ctx, creds.TeamID, platform, result)
	result.TotalSynced = synced

	m.enqueueIndex(indexIDs)

	if err := m.markCompleted(ctx, userID, platform, synced); err != nil {
		return nil, err
	}

	slog.Info("platform sync finished",
		"platform", string(platform), "user_id", string(userID),
		"synced", synced, "errors", len(result.Errors))
	return result, nil
}

// upsertItems writes every item as a node, then resolves and writes the
// declared relations. Item-level failures never abort the batch; they
// are appended to the result's error list. Returns the success count
// and the IDs to hand to the context-index queue.
func (m *Manager) upsertItems(ctx context.Context, teamID types.TeamID, platform types.Platform, result *types.SyncResult) (int, []types.NodeID) {
	byExternalID := make(map[string]types.NodeID, len(result.Items))
	indexIDs := make([]types.NodeID, 0, len(result.Items))
	synced := 0

	for i := range result.Items {
		item := &result.Items[i]
		id, err := m.graph.UpsertNode(ctx, itemToNode(teamID, platform, item))
		if err != nil {
			result.Errors = append(result.Errors, types.SyncError{
				ItemID:    item.ExternalID,
				Error:     err.Error(),
				At:        time.Now(),
				Retryable: cherr.Retryable(err),
			})
			continue
		}
		byExternalID[item.ExternalID] = id
		indexIDs = append(indexIDs, id)
		synced++
	}

	for i := range result.Items {
		item := &result.Items[i]
		sourceID, ok := byExternalID[item.ExternalID]
		if !ok {
			continue
		}
		for _, rel := range item.RelatedTo {
			targetID, ok := byExternalID[rel.TargetExternalID]
			if !ok {
				node, err := m.graph.GetNode(ctx, teamID, platform, rel.TargetExternalID)
				if err != nil || node == nil {
					slog.Debug("relation target not found, skipping",
						"platform", string(platform), "source", item.ExternalID, "target", rel.TargetExternalID)
					continue
				}
				targetID = node.ID
			}
			if err := m.graph.UpsertRelation(ctx, &types.ContextRelation{
				SourceID: sourceID,
				TargetID: targetID,
				Type:     rel.Type,
				Weight:   1.0,
			}); err != nil {
				slog.Warn("relation upsert failed",
					"source", item.ExternalID, "target", rel.TargetExternalID, "error", err)
			}
		}
	}
	return synced, indexIDs
}

// HandleWebhook verifies the request, logs each parsed event, and
// enqueues processing. Verification and enqueue are synchronous so the
// vendor gets its response within seconds; ingestion is asynchronous. A
// bad signature fails fast with no state mutated.
func (m *Manager) HandleWebhook(ctx context.Context, platform types.Platform, headers http.Header, body []byte) error {
	a := m.adapters.Get(platform)
	if a == nil {
		return cherr.Validationf("unknown platform: %s", platform)
	}
	if !a.VerifyWebhook(headers, body) {
		return cherr.Unauthorizedf("webhook signature verification failed for %s", platform)
	}

	events, err := a.ParseWebhook(body)
	if err != nil {
		return err
	}

	for _, event := range events {
		rec := &types.WebhookEventRecord{
			Platform:  platform,
			EventType: event.Type,
			Payload:   body,
		}
		if event.Item != nil {
			rec.EventID = event.Item.ExternalID
		}
		if err := m.weblog.Append(ctx, rec); err != nil {
			return err
		}
		if _, err := m.orch.Enqueue(jobs.QueueWebhookProcess, "", &WebhookJob{
			Platform: platform,
			RecordID: rec.ID,
			Event:    event,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handleWebhookJob(ctx context.Context, job *jobs.Job) error {
	wj, ok := job.Payload.(*WebhookJob)
	if !ok {
		return cherr.Validationf("webhook-process job carries unexpected payload %T", job.Payload)
	}
	err := m.ProcessWebhookEvent(ctx, wj.Platform, wj.RecordID, wj.Event)
	if err != nil {
		if logErr := m.weblog.MarkFailed(ctx, wj.RecordID, job.Attempts(), err.Error()); logErr != nil {
			slog.Warn("webhook log update failed", "record_id", wj.RecordID, "error", logErr)
		}
		return err
	}
	job.SetProgress(100)
	return nil
}

// ProcessWebhookEvent maps one canonical event into graph upserts and
// marks the audit record processed. Events without an item are dropped
// here, not rejected at parse time.
func (m *Manager) ProcessWebhookEvent(ctx context.Context, platform types.Platform, recordID string, event types.WebhookEvent) error {
	if event.Item == nil {
		return m.weblog.MarkProcessed(ctx, recordID)
	}

	teamID := m.cfg.DefaultTeam
	if t, ok := event.Metadata["team_id"]; ok && t != "" {
		teamID = types.TeamID(t)
	}

	item := event.Item
	id, err := m.graph.UpsertNode(ctx, itemToNode(teamID, platform, item))
	if err != nil {
		return err
	}

	for _, rel := range item.RelatedTo {
		target, err := m.graph.GetNode(ctx, teamID, platform, rel.TargetExternalID)
		if err != nil {
			return err
		}
		if target == nil {
			continue
		}
		if err := m.graph.UpsertRelation(ctx, &types.ContextRelation{
			SourceID: id,
			TargetID: target.ID,
			Type:     rel.Type,
			Weight:   1.0,
		}); err != nil {
			return err
		}
	}

	m.enqueueIndex([]types.NodeID{id})
	return m.weblog.MarkProcessed(ctx, recordID)
}

// CompleteOAuth exchanges the callback code, persists encrypted
// credentials bound to the caller's identity, seeds the status record,
// and kicks off the initial incremental sync.
func (m *Manager) CompleteOAuth(ctx context.Context, platform types.Platform, identity types.Identity, code, redirectURI string) error {
	a := m.adapters.Get(platform)
	if a == nil {
		return cherr.Validationf("unknown platform: %s", platform)
	}
	creds, err := a.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return err
	}
	creds.UserID = identity.UserID
	creds.TeamID = identity.TeamID

	// Preserve operator-set sync scope (repos, channels) across
	// re-connects.
	if existing, err := m.creds.Get(ctx, identity.UserID, platform); err == nil && existing != nil {
		for k, v := range existing.Metadata {
			if _, ok := creds.Metadata[k]; !ok {
				if creds.Metadata == nil {
					creds.Metadata = map[string]string{}
				}
				creds.Metadata[k] = v
			}
		}
	}

	if err := m.creds.Put(ctx, creds); err != nil {
		return err
	}

	if _, err := m.TriggerSync(ctx, platform, identity.UserID, types.SyncOptions{}); err != nil && !errors.Is(err, ErrSyncInFlight) {
		return err
	}
	return nil
}

// DisconnectPlatform revokes credentials and stops scheduling.
// Idempotent: a second call is a no-op. Already-ingested nodes are
// preserved for team continuity.
func (m *Manager) DisconnectPlatform(ctx context.Context, userID types.UserID, platform types.Platform) error {
	existing, err := m.creds.Get(ctx, userID, platform)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := m.creds.Revoke(ctx, userID, platform); err != nil {
		return err
	}

	rec, err := m.status.Get(ctx, userID, platform)
	if err != nil {
		return err
	}
	if rec != nil {
		rec.NextSyncAt = nil
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		rec.Metadata["connected"] = "false"
		if err := m.status.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	slog.Info("platform disconnected", "platform", string(platform), "user_id", string(userID))
	return nil
}

func (m *Manager) maybeRefresh(ctx context.Context, a adapter.Adapter, creds *types.PlatformCredentials) (*types.PlatformCredentials, error) {
	refresher, ok := a.(adapter.TokenRefresher)
	if !ok || creds.ExpiresAt == nil {
		return creds, nil
	}
	if time.Until(*creds.ExpiresAt) > m.cfg.RefreshMargin {
		return creds, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.AdapterTimeout)
	fresh, err := refresher.RefreshToken(callCtx, creds)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", creds.Platform, err)
	}
	fresh.UserID = creds.UserID
	fresh.TeamID = creds.TeamID
	if err := m.creds.Put(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (m *Manager) loadOrInitStatus(ctx context.Context, userID types.UserID, platform types.Platform) (*types.SyncStatusRecord, error) {
	rec, err := m.status.Get(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &types.SyncStatusRecord{
			UserID:   userID,
			Platform: platform,
			Status:   types.SyncPending,
		}
	}
	return rec, nil
}

func (m *Manager) markSyncing(ctx context.Context, userID types.UserID, platform types.Platform) error {
	rec, err := m.loadOrInitStatus(ctx, userID, platform)
	if err != nil {
		return err
	}
	rec.Status = types.SyncSyncing
	return m.status.Upsert(ctx, rec)
}

func (m *Manager) markCompleted(ctx context.Context, userID types.UserID, platform types.Platform, synced int) error {
	rec, err := m.loadOrInitStatus(ctx, userID, platform)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	next := now.Add(m.cfg.SyncInterval)
	rec.Status = types.SyncCompleted
	rec.LastSyncAt = &now
	rec.NextSyncAt = &next
	rec.ItemsSynced += synced
	return m.status.Upsert(ctx, rec)
}

func (m *Manager) markFailure(ctx context.Context, userID types.UserID, platform types.Platform, cause error) {
	rec, err := m.loadOrInitStatus(ctx, userID, platform)
	if err != nil {
		slog.Error("load status for failure mark", "user_id", string(userID), "platform", string(platform), "error", err)
		return
	}
	now := time.Now().UTC()
	next := now.Add(m.cfg.SyncInterval)
	rec.Status = types.SyncFailed
	rec.NextSyncAt = &next
	rec.AppendFault(types.SyncFault{Error: cause.Error(), At: now})
	if err := m.status.Upsert(ctx, rec); err != nil {
		slog.Error("mark sync failure", "user_id", string(userID), "platform", string(platform), "error", err)
	}
}

func (m *Manager) enqueueIndex(ids []types.NodeID) {
	if len(ids) == 0 {
		return
	}
	if _, err := m.orch.Enqueue(jobs.QueueContextIndex, "", &indexer.Job{NodeIDs: ids}); err != nil {
		slog.Warn("context-index enqueue failed", "nodes", len(ids), "error", err)
	}
}

func itemToNode(teamID types.TeamID, platform types.Platform, item *types.SyncItem) *types.ContextNode {
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return &types.ContextNode{
		TeamID:     teamID,
		Platform:   platform,
		ExternalID: item.ExternalID,
		Type:       item.Type,
		Title:      item.Title,
		Content:    item.Content,
		URL:        item.URL,
		Author:     item.Author,
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  updatedAt,
		Metadata:   item.Metadata,
	}
}
