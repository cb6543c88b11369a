package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/contexthub/internal/types"
)

// CredentialStore persists platform tokens encrypted at rest. Only the
// (user, platform, team) addressing columns are stored in the clear;
// the token material is a sealed JSON blob.
type CredentialStore struct {
	db  *sql.DB
	box *SecretBox
}

func NewCredentialStore(db *sql.DB, box *SecretBox) *CredentialStore {
	return &CredentialStore{db: db, box: box}
}

// sealedCredentials is the encrypted portion of a credential row.
type sealedCredentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Get returns the decrypted credentials, or (nil, nil) if the user has
// no credentials for the platform.
func (s *CredentialStore) Get(ctx context.Context, userID types.UserID, platform types.Platform) (*types.PlatformCredentials, error) {
	var teamID string
	var nonce, ciphertext []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT team_id, nonce, ciphertext FROM credentials WHERE user_id = ? AND platform = ?`,
		string(userID), string(platform),
	).Scan(&teamID, &nonce, &ciphertext)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	plaintext, err := s.box.Open(nonce, ciphertext)
	if err != nil {
		return nil, err
	}
	var sealed sealedCredentials
	if err := json.Unmarshal(plaintext, &sealed); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &types.PlatformCredentials{
		TeamID:       types.TeamID(teamID),
		UserID:       userID,
		Platform:     platform,
		AccessToken:  sealed.AccessToken,
		RefreshToken: sealed.RefreshToken,
		ExpiresAt:    sealed.ExpiresAt,
		Scopes:       sealed.Scopes,
		Metadata:     sealed.Metadata,
	}, nil
}

// Put seals and upserts credentials for (user, platform).
func (s *CredentialStore) Put(ctx context.Context, creds *types.PlatformCredentials) error {
	if creds.UserID == "" || creds.Platform == "" {
		return fmt.Errorf("credentials missing user or platform")
	}
	plaintext, err := json.Marshal(sealedCredentials{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.ExpiresAt,
		Scopes:       creds.Scopes,
		Metadata:     creds.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	nonce, ciphertext, err := s.box.Seal(plaintext)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, platform, team_id, nonce, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, platform) DO UPDATE SET
		  team_id = excluded.team_id,
		  nonce = excluded.nonce,
		  ciphertext = excluded.ciphertext,
		  updated_at = excluded.updated_at`,
		string(creds.UserID), string(creds.Platform), string(creds.TeamID),
		nonce, ciphertext, now, now,
	)
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

// Revoke deletes the credential row. Deleting an absent row is a no-op.
func (s *CredentialStore) Revoke(ctx context.Context, userID types.UserID, platform types.Platform) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND platform = ?`,
		string(userID), string(platform),
	)
	if err != nil {
		return fmt.Errorf("revoke credentials: %w", err)
	}
	return nil
}
