package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/eugener/mithril/internal"
)

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	aliases, err := marshalJSON(u.ModelAliases)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, token, name, model_aliases, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Token, nullStr(u.Name), aliases, fmtTime(u.CreatedAt),
	)
	return err
}

// FindUserByToken resolves an "sk-" user token to the full user aggregate.
func (s *Store) FindUserByToken(ctx context.Context, token string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, token, name, model_aliases, created_at FROM users WHERE token = ?`, token)
	return s.loadUser(ctx, row)
}

// FindUserByID loads a user aggregate by primary key.
func (s *Store) FindUserByID(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, token, name, model_aliases, created_at FROM users WHERE id = ?`, id)
	return s.loadUser(ctx, row)
}

// UpdateUserAliases replaces the user's alias map.
func (s *Store) UpdateUserAliases(ctx context.Context, userID string, aliases map[string]string) error {
	blob, err := marshalJSON(aliases)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET model_aliases = ? WHERE id = ?`, blob, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// loadUser scans a user row and eagerly loads its keys with provider configs.
func (s *Store) loadUser(ctx context.Context, row *sql.Row) (*gateway.User, error) {
	var u gateway.User
	var name, aliases sql.NullString
	var createdAt string
	if err := row.Scan(&u.ID, &u.Token, &name, &aliases, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	u.Name = name.String
	u.CreatedAt = parseTime(createdAt)

	m, err := unmarshalStringMap(aliases)
	if err != nil {
		return nil, err
	}
	u.ModelAliases = m

	keys, err := s.ListKeys(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Keys = keys
	return &u, nil
}
