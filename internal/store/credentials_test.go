package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/contexthub/internal/types"
)

func newCredStore(t *testing.T) *CredentialStore {
	t.Helper()
	box, err := NewSecretBox("test-master-key")
	require.NoError(t, err)
	return NewCredentialStore(newTestDB(t), box)
}

func TestCredentialsRoundTrip(t *testing.T) {
	s := newCredStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	in := &types.PlatformCredentials{
		TeamID:       "team-1",
		UserID:       "user-1",
		Platform:     "github",
		AccessToken:  "gho_access",
		RefreshToken: "ghr_refresh",
		ExpiresAt:    &expires,
		Scopes:       []string{"repo", "read:org"},
		Metadata:     map[string]string{"repos": "acme/app"},
	}
	require.NoError(t, s.Put(ctx, in))

	out, err := s.Get(ctx, "user-1", "github")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, "gho_access", out.AccessToken)
	require.Equal(t, "ghr_refresh", out.RefreshToken)
	require.True(t, out.ExpiresAt.Equal(expires))
	require.Equal(t, []string{"repo", "read:org"}, out.Scopes)
	require.Equal(t, "acme/app", out.Metadata["repos"])
	require.Equal(t, types.TeamID("team-1"), out.TeamID)
}

func TestCredentialsEncryptedAtRest(t *testing.T) {
	box, err := NewSecretBox("test-master-key")
	require.NoError(t, err)
	db := newTestDB(t)
	s := NewCredentialStore(db, box)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &types.PlatformCredentials{
		TeamID: "team-1", UserID: "user-1", Platform: "github", AccessToken: "gho_plaintext_token",
	}))

	var ciphertext []byte
	require.NoError(t, db.QueryRow(
		"SELECT ciphertext FROM credentials WHERE user_id = 'user-1'").Scan(&ciphertext))
	require.NotContains(t, string(ciphertext), "gho_plaintext_token")
}

func TestCredentialsGetAbsent(t *testing.T) {
	s := newCredStore(t)
	out, err := s.Get(context.Background(), "nobody", "github")
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestCredentialsPutReplaces(t *testing.T) {
	s := newCredStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &types.PlatformCredentials{
		TeamID: "team-1", UserID: "user-1", Platform: "github", AccessToken: "old",
	}))
	require.NoError(t, s.Put(ctx, &types.PlatformCredentials{
		TeamID: "team-1", UserID: "user-1", Platform: "github", AccessToken: "new",
	}))

	out, err := s.Get(ctx, "user-1", "github")
	require.NoError(t, err)
	require.Equal(t, "new", out.AccessToken)
}

func TestCredentialsRevokeIdempotent(t *testing.T) {
	s := newCredStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &types.PlatformCredentials{
		TeamID: "team-1", UserID: "user-1", Platform: "github", AccessToken: "tok",
	}))
	require.NoError(t, s.Revoke(ctx, "user-1", "github"))
	require.NoError(t, s.Revoke(ctx, "user-1", "github"))

	out, err := s.Get(ctx, "user-1", "github")
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestCredentialsWrongMasterKey(t *testing.T) {
	db := newTestDB(t)
	box1, err := NewSecretBox("key-one")
	require.NoError(t, err)
	require.NoError(t, NewCredentialStore(db, box1).Put(context.Background(), &types.PlatformCredentials{
		TeamID: "team-1", UserID: "user-1", Platform: "github", AccessToken: "tok",
	}))

	box2, err := NewSecretBox("key-two")
	require.NoError(t, err)
	_, err = NewCredentialStore(db, box2).Get(context.Background(), "user-1", "github")
	require.Error(t, err, "a different master key must not decrypt stored tokens")
}
