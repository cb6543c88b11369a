package types

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type Platform string
type TeamID string
type UserID string
type NodeID string
type JobID string

func NewNodeID() NodeID {
	return NodeID(uuid.New().String())
}

// NewJobID returns a ULID so that job identifiers sort by creation time,
// which keeps dead-letter listings readable.
func NewJobID() JobID {
	return JobID(ulid.Make().String())
}

func NewWebhookRecordID() string {
	return ulid.Make().String()
}

// SyncKey is the serialization key for sync admission: at most one sync
// job per (user, platform) may be in flight.
func SyncKey(userID UserID, platform Platform) string {
	return string(userID) + ":" + string(platform)
}
