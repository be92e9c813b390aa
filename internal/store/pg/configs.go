package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

// PGConfigStore implements store.ChannelConfigStore backed by Postgres.
type PGConfigStore struct {
	db *sql.DB
}

func NewPGConfigStore(db *sql.DB) *PGConfigStore {
	return &PGConfigStore{db: db}
}

const configColumns = `id, project_id, channel_type, name, credentials, mode, enabled,
	rate_limit_window_sec, rate_limit_max,
	dm_policy, group_policy, dm_allow_from, group_allow_from, require_mention,
	max_chunk_chars, revision, created_at, updated_at`

func (s *PGConfigStore) ListEnabled(ctx context.Context) ([]store.ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM channel_configs WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled configs: %w", err)
	}
	defer rows.Close()

	var out []store.ChannelConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

func (s *PGConfigStore) Get(ctx context.Context, id string) (*store.ChannelConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM channel_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return cfg, err
}

// Upsert inserts or updates a config. The revision only advances when a
// field actually changed, so re-seeding identical definitions never triggers
// connection restarts.
func (s *PGConfigStore) Upsert(ctx context.Context, cfg *store.ChannelConfig) error {
	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_configs (`+configColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			channel_type = EXCLUDED.channel_type,
			name = EXCLUDED.name,
			credentials = EXCLUDED.credentials,
			mode = EXCLUDED.mode,
			enabled = EXCLUDED.enabled,
			rate_limit_window_sec = EXCLUDED.rate_limit_window_sec,
			rate_limit_max = EXCLUDED.rate_limit_max,
			dm_policy = EXCLUDED.dm_policy,
			group_policy = EXCLUDED.group_policy,
			dm_allow_from = EXCLUDED.dm_allow_from,
			group_allow_from = EXCLUDED.group_allow_from,
			require_mention = EXCLUDED.require_mention,
			max_chunk_chars = EXCLUDED.max_chunk_chars,
			revision = channel_configs.revision + 1,
			updated_at = EXCLUDED.updated_at
		WHERE (channel_configs.project_id, channel_configs.channel_type, channel_configs.name,
			channel_configs.credentials, channel_configs.mode, channel_configs.enabled,
			channel_configs.rate_limit_window_sec, channel_configs.rate_limit_max,
			channel_configs.dm_policy, channel_configs.group_policy,
			channel_configs.dm_allow_from, channel_configs.group_allow_from,
			channel_configs.require_mention, channel_configs.max_chunk_chars)
		IS DISTINCT FROM
			(EXCLUDED.project_id, EXCLUDED.channel_type, EXCLUDED.name,
			EXCLUDED.credentials, EXCLUDED.mode, EXCLUDED.enabled,
			EXCLUDED.rate_limit_window_sec, EXCLUDED.rate_limit_max,
			EXCLUDED.dm_policy, EXCLUDED.group_policy,
			EXCLUDED.dm_allow_from, EXCLUDED.group_allow_from,
			EXCLUDED.require_mention, EXCLUDED.max_chunk_chars)`,
		cfg.ID, cfg.ProjectID, cfg.ChannelType, cfg.Name, []byte(cfg.Credentials), cfg.Mode, cfg.Enabled,
		cfg.RateLimitWindowSec, cfg.RateLimitMax,
		cfg.DMPolicy, cfg.GroupPolicy, pq.Array(cfg.DMAllowFrom), pq.Array(cfg.GroupAllowFrom), cfg.RequireMention,
		cfg.MaxChunkChars, cfg.Revision, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert channel config %s: %w", cfg.ID, err)
	}
	return nil
}

func (s *PGConfigStore) SetConnectionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_configs SET connection_status = $2, status_updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("set connection status %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*store.ChannelConfig, error) {
	var cfg store.ChannelConfig
	var credentials []byte
	var dmAllow, groupAllow pq.StringArray
	err := row.Scan(
		&cfg.ID, &cfg.ProjectID, &cfg.ChannelType, &cfg.Name, &credentials, &cfg.Mode, &cfg.Enabled,
		&cfg.RateLimitWindowSec, &cfg.RateLimitMax,
		&cfg.DMPolicy, &cfg.GroupPolicy, &dmAllow, &groupAllow, &cfg.RequireMention,
		&cfg.MaxChunkChars, &cfg.Revision, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.Credentials = credentials
	cfg.DMAllowFrom = dmAllow
	cfg.GroupAllowFrom = groupAllow
	return &cfg, nil
}
