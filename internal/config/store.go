// Package config implements the Configuration store: a persisted record
// pairing a source and destination DHIS2-compatible
// instance with an ordered set of DataItemConfigs. Two implementations are
// provided — a Postgres-backed one (the same `database/sql` + lib/pq
// style as orchestration/service.go's fetchEntityInstanceData) for
// production, and a YAML-file-backed one (grounded on
// BadgerOps-ocp-offline's internal/config/config.go) for local/dev use.
package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/jobs"
)

// Store resolves a configId to its Configuration and enumerates every
// configId known to the system, as the Worker Runtime needs at startup
// (the Worker Runtime enumerates every configId at startup).
type Store interface {
	Get(configID string) (*jobs.Configuration, error)
	List() ([]string, error)
}

// PostgresStore reads Configuration rows from a migration_configs table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get fetches one configuration by id.
func (s *PostgresStore) Get(configID string) (*jobs.Configuration, error) {
	row := s.db.QueryRow(`
		SELECT id, source_base_url, source_token, source_route_id,
		       destination_base_url, destination_token, data_item_configs
		FROM migration_configs WHERE id = $1`, configID)

	var cfg jobs.Configuration
	var dataItemsJSON []byte
	err := row.Scan(&cfg.ID, &cfg.SourceBaseURL, &cfg.SourceToken, &cfg.SourceRouteID,
		&cfg.DestBaseURL, &cfg.DestToken, &dataItemsJSON)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindConfigNotFound, "no configuration with id "+configID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query migration_configs", err)
	}
	if len(dataItemsJSON) > 0 {
		if err := json.Unmarshal(dataItemsJSON, &cfg.DataItemConfigs); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decode data_item_configs for "+configID, err)
		}
	}
	return &cfg, nil
}

// List enumerates every known configId.
func (s *PostgresStore) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM migration_configs ORDER BY id`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list migration_configs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan migration_configs id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// YAMLStore loads a fixed list of Configurations from a single file, for
// local development. It holds only Configurations: metadata downloads with
// metadataSource "flexiportal-config" do not read dashboards,
// visualizations or maps from it; they query the source instance directly.
type YAMLStore struct {
	configs map[string]*jobs.Configuration
	order   []string
}

type yamlFile struct {
	Configurations []jobs.Configuration `yaml:"configurations"`
}

// LoadYAMLStore reads path and builds a YAMLStore from it.
func LoadYAMLStore(path string) (*YAMLStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed yamlFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	store := &YAMLStore{configs: make(map[string]*jobs.Configuration)}
	for i := range parsed.Configurations {
		cfg := parsed.Configurations[i]
		store.configs[cfg.ID] = &cfg
		store.order = append(store.order, cfg.ID)
	}
	return store, nil
}

// Get fetches one configuration by id.
func (s *YAMLStore) Get(configID string) (*jobs.Configuration, error) {
	cfg, ok := s.configs[configID]
	if !ok {
		return nil, apperr.New(apperr.KindConfigNotFound, "no configuration with id "+configID)
	}
	return cfg, nil
}

// List enumerates every known configId in file order.
func (s *YAMLStore) List() ([]string, error) {
	return append([]string{}, s.order...), nil
}

// WithContext lets callers thread a context.Context through Store calls,
// returning early if ctx is already done.
func WithContext(ctx context.Context, s Store, configID string) (*jobs.Configuration, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return s.Get(configID)
}
