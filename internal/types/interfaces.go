package types

import (
	"context"
	"time"
)

// CredentialStore encrypts, persists, and revokes per-user platform
// tokens. It is the sole mutator of credential rows. Get returns
// (nil, nil) when no credentials exist for the pair.
type CredentialStore interface {
	Get(ctx context.Context, userID UserID, platform Platform) (*PlatformCredentials, error)
	Put(ctx context.Context, creds *PlatformCredentials) error
	Revoke(ctx context.Context, userID UserID, platform Platform) error
}

// GraphStore holds the team-scoped context graph. It is the sole
// mutator of nodes and edges and must be safe for concurrent use.
type GraphStore interface {
	UpsertNode(ctx context.Context, node *ContextNode) (NodeID, error)
	UpsertRelation(ctx context.Context, rel *ContextRelation) error
	GetNode(ctx context.Context, teamID TeamID, platform Platform, externalID string) (*ContextNode, error)
	NodeByID(ctx context.Context, id NodeID) (*ContextNode, error)
	Search(ctx context.Context, q SearchQuery) ([]SearchResult, error)
	SetIndexInfo(ctx context.Context, id NodeID, tokenEstimate int, excerpt string) error
	PurgeTeam(ctx context.Context, teamID TeamID) error
}

// StatusStore tracks one SyncStatusRecord per (user, platform). Records
// are mutated only through the platform manager.
type StatusStore interface {
	Get(ctx context.Context, userID UserID, platform Platform) (*SyncStatusRecord, error)
	Upsert(ctx context.Context, rec *SyncStatusRecord) error
	Due(ctx context.Context, now time.Time) ([]*SyncStatusRecord, error)
	List(ctx context.Context, userID UserID) ([]*SyncStatusRecord, error)
}

// WebhookLog is the append-only audit trail of received webhook events.
type WebhookLog interface {
	Append(ctx context.Context, rec *WebhookEventRecord) error
	Get(ctx context.Context, id string) (*WebhookEventRecord, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error
	CountByStatus(ctx context.Context, status WebhookRecordStatus) (int64, error)
}

// IdentityResolver maps an API token to a user and team. Token issuance
// is outside this system; only resolution is consumed here. Returns
// (nil, nil) for unknown tokens.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (*Identity, error)
}
