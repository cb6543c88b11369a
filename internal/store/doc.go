package store

import "github.com/user/contexthub/internal/types"

// Compile-time interface compliance checks.
var _ types.CredentialStore = (*CredentialStore)(nil)
var _ types.GraphStore = (*GraphStore)(nil)
var _ types.StatusStore = (*StatusStore)(nil)
var _ types.WebhookLog = (*WebhookLog)(nil)
