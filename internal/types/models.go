package types

import (
	"encoding/json"
	"time"
)

// NodeType classifies a ContextNode by the kind of activity it represents.
type NodeType string

const (
	NodeIssue       NodeType = "issue"
	NodePullRequest NodeType = "pull_request"
	NodeCommit      NodeType = "commit"
	NodeComment     NodeType = "comment"
	NodeMessage     NodeType = "message"
	NodeDocument    NodeType = "document"
	NodeTask        NodeType = "task"
	NodeThread      NodeType = "thread"
	NodeFile        NodeType = "file"
)

// RelationType classifies a directed edge between two ContextNodes.
type RelationType string

const (
	RelReferences RelationType = "references"
	RelRepliesTo  RelationType = "replies_to"
	RelMentions   RelationType = "mentions"
	RelBlocks     RelationType = "blocks"
	RelRelatesTo  RelationType = "relates_to"
	RelChildOf    RelationType = "child_of"
	RelDuplicates RelationType = "duplicates"
)

// PlatformCredentials holds a user's tokens for one external platform.
// Owned by the credential store; the access and refresh tokens are only
// ever persisted encrypted.
type PlatformCredentials struct {
	TeamID       TeamID            `json:"team_id"`
	UserID       UserID            `json:"user_id"`
	Platform     Platform          `json:"platform"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SyncOptions bounds a single pull-sync invocation.
type SyncOptions struct {
	Full    bool
	Since   *time.Time
	Filters map[string]string
	Limit   int
}

// ItemRelation declares an edge from a SyncItem to another item,
// addressed by the target's platform-native ID.
type ItemRelation struct {
	TargetExternalID string       `json:"target_external_id"`
	Type             RelationType `json:"type"`
}

// SyncItem is one platform-native item produced by a pull-sync or parsed
// out of a webhook payload. It exists only in transit; the durable form
// is the ContextNode it is upserted into.
type SyncItem struct {
	ExternalID string            `json:"external_id"`
	Type       NodeType          `json:"type"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content,omitempty"`
	URL        string            `json:"url,omitempty"`
	Author     string            `json:"author,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	RelatedTo  []ItemRelation    `json:"related_to,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SyncError records one item-level failure. Item failures never abort a
// sync; they accumulate here.
type SyncError struct {
	ItemID    string    `json:"item_id,omitempty"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
	Retryable bool      `json:"retryable"`
}

// SyncResult is the outcome of one Adapter.Sync call, consumed once by
// the platform manager and then discarded.
type SyncResult struct {
	Platform    Platform    `json:"platform"`
	TeamID      TeamID      `json:"team_id"`
	Items       []SyncItem  `json:"items"`
	TotalSynced int         `json:"total_synced"`
	Errors      []SyncError `json:"errors,omitempty"`
	NextCursor  string      `json:"next_cursor,omitempty"`
}

// WebhookEvent is the canonical, vendor-agnostic form of a pushed event.
// Item is nil for event types the ingestion pipeline ignores; such
// events are dropped downstream, never rejected at parse time.
type WebhookEvent struct {
	Type     string            `json:"type"`
	Action   string            `json:"action,omitempty"`
	Item     *SyncItem         `json:"item,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ContextNode is one row of the context graph. Identity within a team is
// (platform, external_id).
type ContextNode struct {
	ID         NodeID            `json:"id"`
	TeamID     TeamID            `json:"team_id"`
	Platform   Platform          `json:"platform"`
	ExternalID string            `json:"external_id"`
	Type       NodeType          `json:"type"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content,omitempty"`
	URL        string            `json:"url,omitempty"`
	Author     string            `json:"author,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ContextRelation is a directed edge between two ContextNodes. Identity
// is (source, target, type); repeat observations accumulate Weight.
type ContextRelation struct {
	SourceID NodeID            `json:"source_id"`
	TargetID NodeID            `json:"target_id"`
	Type     RelationType      `json:"type"`
	Weight   float64           `json:"weight"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SyncStatus is the health state of one (user, platform) connection.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncFault is one entry in a status record's bounded error buffer.
type SyncFault struct {
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// MaxSyncFaults bounds the error ring buffer on a SyncStatusRecord.
const MaxSyncFaults = 10

// SyncStatusRecord is the scheduling cursor and health state for one
// (user, platform). Exactly one record exists per pair.
type SyncStatusRecord struct {
	UserID      UserID            `json:"user_id"`
	Platform    Platform          `json:"platform"`
	LastSyncAt  *time.Time        `json:"last_sync_at,omitempty"`
	NextSyncAt  *time.Time        `json:"next_sync_at,omitempty"`
	Status      SyncStatus        `json:"status"`
	ItemsSynced int               `json:"items_synced"`
	Errors      []SyncFault       `json:"errors,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AppendFault pushes a fault onto the record's error buffer, dropping
// the oldest entry once MaxSyncFaults is reached.
func (r *SyncStatusRecord) AppendFault(f SyncFault) {
	r.Errors = append(r.Errors, f)
	if len(r.Errors) > MaxSyncFaults {
		r.Errors = r.Errors[len(r.Errors)-MaxSyncFaults:]
	}
}

// WebhookRecordStatus is the processing state of a logged webhook event.
type WebhookRecordStatus string

const (
	WebhookPending   WebhookRecordStatus = "pending"
	WebhookProcessed WebhookRecordStatus = "processed"
	WebhookFailed    WebhookRecordStatus = "failed"
)

// WebhookEventRecord is the durable audit-log row for one received
// webhook event, distinct from the in-flight queue job that processes it.
type WebhookEventRecord struct {
	ID          string              `json:"id"`
	Platform    Platform            `json:"platform"`
	EventType   string              `json:"event_type"`
	EventID     string              `json:"event_id,omitempty"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Status      WebhookRecordStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	Error       string              `json:"error,omitempty"`
	ProcessedAt *time.Time          `json:"processed_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Identity is the result of resolving an API token.
type Identity struct {
	UserID UserID `json:"user_id"`
	TeamID TeamID `json:"team_id"`
}

// SearchQuery is the collaborator-facing graph search contract. TeamID
// is mandatory; queries never cross team boundaries.
type SearchQuery struct {
	TeamID    TeamID
	Query     string
	Platforms []Platform
	Types     []NodeType
	After     *time.Time
	Before    *time.Time
	Limit     int
	Offset    int
}

// SearchResult is one scored node returned by graph search.
type SearchResult struct {
	Node    *ContextNode `json:"node"`
	Score   float64      `json:"score"`
	Excerpt string       `json:"excerpt,omitempty"`
}
