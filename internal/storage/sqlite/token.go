package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/eugener/mithril/internal"
)

// CreateAccessToken inserts a new access token.
func (s *Store) CreateAccessToken(ctx context.Context, t *gateway.AccessToken) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO access_tokens (id, token, user_id, name, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Token, t.UserID, nullStr(t.Name), fmtTime(t.CreatedAt),
	)
	return err
}

// FindAccessToken resolves an "sk-api-" token to its record.
func (s *Store) FindAccessToken(ctx context.Context, token string) (*gateway.AccessToken, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, token, user_id, name, created_at FROM access_tokens WHERE token = ?`, token)
	return scanAccessToken(row)
}

// ListAccessTokens returns all access tokens owned by a user.
func (s *Store) ListAccessTokens(ctx context.Context, userID string) ([]*gateway.AccessToken, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, token, user_id, name, created_at FROM access_tokens
		 WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.AccessToken
	for rows.Next() {
		t, err := scanAccessToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteAccessToken removes a token, scoped to the owner.
func (s *Store) DeleteAccessToken(ctx context.Context, userID, id string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "access token")
}

func scanAccessToken(sc scanner) (*gateway.AccessToken, error) {
	var t gateway.AccessToken
	var name sql.NullString
	var createdAt string
	if err := sc.Scan(&t.ID, &t.Token, &t.UserID, &name, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	t.Name = name.String
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}
