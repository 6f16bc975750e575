package sqlite

import (
	"context"
	"database/sql"
	"strings"

	gateway "github.com/eugener/mithril/internal"
)

const keyColumns = `k.id, k.user_id, k.provider_name, k.key_data, k.throttle_data,
	k.permanently_failed, k.paused, k.notes, k.base_url, k.available_models, k.created_at,
	p.name, p.display_name, p.throttle_mode, p.min_throttle_min, p.max_throttle_min,
	p.models, p.native_protocols`

// CreateKey inserts a new provider credential.
func (s *Store) CreateKey(ctx context.Context, k *gateway.Key) error {
	models, err := marshalJSON(k.AvailableModels)
	if err != nil {
		return err
	}
	throttle, err := marshalJSON(k.Throttle)
	if err != nil {
		return err
	}
	if len(k.Throttle) == 0 {
		throttle = sql.NullString{}
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO keys (id, user_id, provider_name, key_data, throttle_data,
		 permanently_failed, paused, notes, base_url, available_models, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.ProviderName, nullStr(k.KeyData), throttle,
		boolToInt(k.PermanentlyFailed), boolToInt(k.Paused),
		nullStr(k.Notes), nullStr(k.BaseURL), models, fmtTime(k.CreatedAt),
	)
	return err
}

// GetKey retrieves a key by ID with its provider config joined in.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.Key, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys k
		 JOIN providers p ON p.name = k.provider_name
		 WHERE k.id = ?`, id)
	return scanKey(row)
}

// ListKeys returns all keys for a user, oldest first so that selection order
// is stable across requests.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]*gateway.Key, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM keys k
		 JOIN providers p ON p.name = k.provider_name
		 WHERE k.user_id = ? ORDER BY k.created_at, k.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListThrottledKeys returns every key that still carries a persisted
// throttle blob, across all users. Used by the background sweeper.
func (s *Store) ListThrottledKeys(ctx context.Context) ([]*gateway.Key, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM keys k
		 JOIN providers p ON p.name = k.provider_name
		 WHERE k.throttle_data IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey applies a partial update in a single write. This is the commit
// path for throttle-engine mutations; last writer wins on the JSON blobs.
func (s *Store) UpdateKey(ctx context.Context, id string, upd gateway.KeyUpdate) error {
	if upd.Empty() {
		return nil
	}
	var sets []string
	var args []any
	if upd.ThrottleJSON != nil {
		sets = append(sets, "throttle_data = ?")
		if *upd.ThrottleJSON == "null" || *upd.ThrottleJSON == "" {
			args = append(args, sql.NullString{})
		} else {
			args = append(args, *upd.ThrottleJSON)
		}
	}
	if upd.KeyData != nil {
		sets = append(sets, "key_data = ?")
		args = append(args, *upd.KeyData)
	}
	if upd.PermanentlyFailed != nil {
		sets = append(sets, "permanently_failed = ?")
		args = append(args, boolToInt(*upd.PermanentlyFailed))
	}
	args = append(args, id)

	result, err := s.write.ExecContext(ctx,
		`UPDATE keys SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "key")
}

// SetKeyPaused flips the admin-controlled pause flag, scoped to the owner.
func (s *Store) SetKeyPaused(ctx context.Context, userID, id string, paused bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE keys SET paused = ? WHERE id = ? AND user_id = ?`,
		boolToInt(paused), id, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "key")
}

// ResetKeyFailure clears the sticky permanently_failed flag and any throttle
// state, returning the key to selection.
func (s *Store) ResetKeyFailure(ctx context.Context, userID, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE keys SET permanently_failed = 0, throttle_data = NULL
		 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "key")
}

// DeleteKey removes a key, scoped to the owner.
func (s *Store) DeleteKey(ctx context.Context, userID, id string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM keys WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "key")
}

func scanKey(sc scanner) (*gateway.Key, error) {
	var k gateway.Key
	var p gateway.ProviderConfig
	var keyData, throttle, notes, baseURL, models sql.NullString
	var permFailed, paused int
	var createdAt string
	var displayName, provModels, protocols sql.NullString

	err := sc.Scan(
		&k.ID, &k.UserID, &k.ProviderName, &keyData, &throttle,
		&permFailed, &paused, &notes, &baseURL, &models, &createdAt,
		&p.Name, &displayName, &p.ThrottleMode, &p.MinThrottleMin, &p.MaxThrottleMin,
		&provModels, &protocols,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.KeyData = keyData.String
	k.PermanentlyFailed = permFailed != 0
	k.Paused = paused != 0
	k.Notes = notes.String
	k.BaseURL = baseURL.String
	k.CreatedAt = parseTime(createdAt)

	td, err := unmarshalThrottle(throttle)
	if err != nil {
		return nil, err
	}
	k.Throttle = td

	avail, err := unmarshalStringSlice(models)
	if err != nil {
		return nil, err
	}
	k.AvailableModels = avail

	p.DisplayName = displayName.String
	pm, err := unmarshalStringSlice(provModels)
	if err != nil {
		return nil, err
	}
	p.Models = pm
	protos, err := unmarshalStringSlice(protocols)
	if err != nil {
		return nil, err
	}
	for _, pr := range protos {
		p.NativeProtocols = append(p.NativeProtocols, gateway.Protocol(pr))
	}
	k.Provider = &p
	return &k, nil
}
