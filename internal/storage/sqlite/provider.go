package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/eugener/mithril/internal"
)

// CreateProvider inserts a new provider configuration. Deleting providers is
// deliberately unsupported: keys hold a RESTRICT foreign key on provider_name.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.ProviderConfig) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	protos := make([]string, len(p.NativeProtocols))
	for i, pr := range p.NativeProtocols {
		protos[i] = string(pr)
	}
	protosJSON, err := marshalJSON(protos)
	if err != nil {
		return err
	}
	mode := p.ThrottleMode
	if mode == "" {
		mode = gateway.ThrottleByKey
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (name, display_name, throttle_mode,
		 min_throttle_min, max_throttle_min, models, native_protocols)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, nullStr(p.DisplayName), string(mode),
		p.MinThrottleMin, p.MaxThrottleMin, models, protosJSON,
	)
	return err
}

// GetProvider retrieves a provider config by name.
func (s *Store) GetProvider(ctx context.Context, name string) (*gateway.ProviderConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT name, display_name, throttle_mode, min_throttle_min, max_throttle_min,
		 models, native_protocols FROM providers WHERE name = ?`, name)
	return scanProvider(row)
}

// ListProviders returns all provider configs.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.ProviderConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT name, display_name, throttle_mode, min_throttle_min, max_throttle_min,
		 models, native_protocols FROM providers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ProviderConfig
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProvider(sc scanner) (*gateway.ProviderConfig, error) {
	var p gateway.ProviderConfig
	var displayName, models, protocols sql.NullString
	var mode string
	err := sc.Scan(&p.Name, &displayName, &mode, &p.MinThrottleMin, &p.MaxThrottleMin,
		&models, &protocols)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.DisplayName = displayName.String
	p.ThrottleMode = gateway.ThrottleMode(mode)

	m, err := unmarshalStringSlice(models)
	if err != nil {
		return nil, err
	}
	p.Models = m

	protos, err := unmarshalStringSlice(protocols)
	if err != nil {
		return nil, err
	}
	for _, pr := range protos {
		p.NativeProtocols = append(p.NativeProtocols, gateway.Protocol(pr))
	}
	return &p, nil
}
