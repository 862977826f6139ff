package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Token is a persisted broker credential pair
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// GetToken loads a broker token by name, or (nil, nil) when absent
func (s *Store) GetToken(ctx context.Context, name string) (*Token, error) {
	var (
		t       Token
		refresh sql.NullString
		expires sql.NullString
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at FROM broker_tokens WHERE name = ?`,
		name).Scan(&t.AccessToken, &refresh, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token %s: %w", name, err)
	}
	if refresh.Valid {
		t.RefreshToken = refresh.String
	}
	if expires.Valid {
		if ts, err := time.Parse(time.RFC3339, expires.String); err == nil {
			t.ExpiresAt = ts
		}
	}
	return &t, nil
}

// PutToken persists a broker token under the given name
func (s *Store) PutToken(ctx context.Context, name string, token *Token) error {
	var expires interface{}
	if !token.ExpiresAt.IsZero() {
		expires = token.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO broker_tokens (name, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at`,
		name, token.AccessToken, token.RefreshToken, expires,
	)
	if err != nil {
		return fmt.Errorf("failed to write token %s: %w", name, err)
	}
	return nil
}
