// Package identity resolves API tokens to users and teams. Token
// issuance lives in an external service; this package only consumes
// the resolution contract.
package identity

import (
	"context"
	"crypto/subtle"

	"github.com/user/contexthub/internal/config"
	"github.com/user/contexthub/internal/types"
)

// StaticResolver resolves tokens from the configured static list.
type StaticResolver struct {
	tokens []config.AuthToken
}

var _ types.IdentityResolver = (*StaticResolver)(nil)

func NewStaticResolver(tokens []config.AuthToken) *StaticResolver {
	return &StaticResolver{tokens: tokens}
}

// ResolveIdentity returns the identity for a token, or (nil, nil) for
// unknown tokens. Comparison is constant-time per candidate.
func (r *StaticResolver) ResolveIdentity(_ context.Context, token string) (*types.Identity, error) {
	if token == "" {
		return nil, nil
	}
	for _, t := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return &types.Identity{
				UserID: types.UserID(t.UserID),
				TeamID: types.TeamID(t.TeamID),
			}, nil
		}
	}
	return nil, nil
}
