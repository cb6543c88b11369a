// Package adapter defines the contract every platform integration
// implements: OAuth exchange, pull-sync, and webhook verification and
// translation into canonical events.
package adapter

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/user/contexthub/internal/types"
)

// Adapter is the per-platform integration surface.
//
// Sync must never fail because of a single item: item failures are
// recorded as SyncErrors in the result and the sync continues. Sync may
// return an error only for authentication or total connectivity
// failure, which the caller treats as a retryable job failure.
//
// VerifyWebhook performs constant-time signature verification and
// returns false on malformed input rather than failing. ParseWebhook is
// a pure transformation defined for every event type; events the rest
// of the system ignores come back with a nil Item and are dropped
// downstream, not rejected.
type Adapter interface {
	Platform() types.Platform

	// OAuthURL composes the vendor authorize URL. state is an opaque,
	// unguessable token supplied by the caller for CSRF binding.
	OAuthURL(state, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (*types.PlatformCredentials, error)

	// ValidateCredentials is a cheap liveness probe. It never returns
	// an error; any failure reports as false.
	ValidateCredentials(ctx context.Context, creds *types.PlatformCredentials) bool

	Sync(ctx context.Context, creds *types.PlatformCredentials, opts types.SyncOptions) (*types.SyncResult, error)

	VerifyWebhook(headers http.Header, body []byte) bool
	ParseWebhook(body []byte) ([]types.WebhookEvent, error)
}

// TokenRefresher is implemented by platforms that issue refresh tokens.
// Its absence means credentials hold until expiry and then require
// re-auth.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, creds *types.PlatformCredentials) (*types.PlatformCredentials, error)
}

// Searchable is an optional capability for vendor-side content search.
type Searchable interface {
	SearchContent(ctx context.Context, creds *types.PlatformCredentials, query string, limit int) ([]types.SyncItem, error)
}

// ItemFetcher is an optional capability for fetching one item by its
// platform-native ID.
type ItemFetcher interface {
	GetItem(ctx context.Context, creds *types.PlatformCredentials, externalID string) (*types.SyncItem, error)
}

// Registry is the finite platform -> Adapter table, populated once at
// startup from whichever platforms are configured.
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.Platform]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.Platform]Adapter)}
}

// Register adds an adapter. Registration does not require credentials
// to exist for the platform.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Get returns the adapter for a platform, or nil.
func (r *Registry) Get(platform types.Platform) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[platform]
}

// Platforms returns registered platform names in sorted order.
func (r *Registry) Platforms() []types.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
