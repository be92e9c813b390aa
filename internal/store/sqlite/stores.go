package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

// NewSQLiteStores creates all stores on one SQLite database (standalone
// mode) and applies the schema.
func NewSQLiteStores(path string) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &store.Stores{
		Configs:  &ConfigStore{db: db},
		Bindings: &BindingStore{db: db},
		Inbox:    &InboxStore{db: db},
		Outbox:   &OutboxStore{db: db},
	}, nil
}

// applySchema creates the tables in place. Standalone mode has no separate
// migration step; the schema mirrors migrations/ for Postgres.
func applySchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS channel_configs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	credentials BLOB,
	mode TEXT NOT NULL DEFAULT 'websocket',
	enabled INTEGER NOT NULL DEFAULT 1,
	rate_limit_window_sec INTEGER NOT NULL DEFAULT 0,
	rate_limit_max INTEGER NOT NULL DEFAULT 0,
	dm_policy TEXT NOT NULL DEFAULT '',
	group_policy TEXT NOT NULL DEFAULT '',
	dm_allow_from TEXT NOT NULL DEFAULT '[]',
	group_allow_from TEXT NOT NULL DEFAULT '[]',
	require_mention INTEGER NOT NULL DEFAULT 0,
	max_chunk_chars INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 1,
	connection_status TEXT NOT NULL DEFAULT '',
	status_updated_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_bindings (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_key TEXT NOT NULL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (project_id, session_key)
);

CREATE TABLE IF NOT EXISTS inbound_messages (
	id TEXT PRIMARY KEY,
	config_id TEXT NOT NULL,
	native_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (config_id, native_id)
);

CREATE TABLE IF NOT EXISTS outbox_messages (
	id TEXT PRIMARY KEY,
	config_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	reply_to TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	next_retry_at TIMESTAMP NOT NULL,
	sent_message_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_messages (status, next_retry_at);
`)
	return err
}

// ConfigStore implements store.ChannelConfigStore.
type ConfigStore struct {
	db *sql.DB
}

const configColumns = `id, project_id, channel_type, name, credentials, mode, enabled,
	rate_limit_window_sec, rate_limit_max,
	dm_policy, group_policy, dm_allow_from, group_allow_from, require_mention,
	max_chunk_chars, revision, created_at, updated_at`

func (s *ConfigStore) ListEnabled(ctx context.Context) ([]store.ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM channel_configs WHERE enabled = 1 ORDER BY id`)
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

func (s *ConfigStore) Get(ctx context.Context, id string) (*store.ChannelConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM channel_configs WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return cfg, err
}

// Upsert inserts or updates a config. The revision only advances when a
// field actually changed, so re-seeding identical definitions never triggers
// connection restarts.
func (s *ConfigStore) Upsert(ctx context.Context, cfg *store.ChannelConfig) error {
	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	dmAllow, _ := json.Marshal(cfg.DMAllowFrom)
	groupAllow, _ := json.Marshal(cfg.GroupAllowFrom)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_configs (`+configColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			project_id = excluded.project_id,
			channel_type = excluded.channel_type,
			name = excluded.name,
			credentials = excluded.credentials,
			mode = excluded.mode,
			enabled = excluded.enabled,
			rate_limit_window_sec = excluded.rate_limit_window_sec,
			rate_limit_max = excluded.rate_limit_max,
			dm_policy = excluded.dm_policy,
			group_policy = excluded.group_policy,
			dm_allow_from = excluded.dm_allow_from,
			group_allow_from = excluded.group_allow_from,
			require_mention = excluded.require_mention,
			max_chunk_chars = excluded.max_chunk_chars,
			revision = channel_configs.revision + 1,
			updated_at = excluded.updated_at
		WHERE channel_configs.project_id != excluded.project_id
			OR channel_configs.channel_type != excluded.channel_type
			OR channel_configs.name != excluded.name
			OR channel_configs.credentials != excluded.credentials
			OR channel_configs.mode != excluded.mode
			OR channel_configs.enabled != excluded.enabled
			OR channel_configs.rate_limit_window_sec != excluded.rate_limit_window_sec
			OR channel_configs.rate_limit_max != excluded.rate_limit_max
			OR channel_configs.dm_policy != excluded.dm_policy
			OR channel_configs.group_policy != excluded.group_policy
			OR channel_configs.dm_allow_from != excluded.dm_allow_from
			OR channel_configs.group_allow_from != excluded.group_allow_from
			OR channel_configs.require_mention != excluded.require_mention
			OR channel_configs.max_chunk_chars != excluded.max_chunk_chars`,
		cfg.ID, cfg.ProjectID, cfg.ChannelType, cfg.Name, []byte(cfg.Credentials), cfg.Mode, cfg.Enabled,
		cfg.RateLimitWindowSec, cfg.RateLimitMax,
		cfg.DMPolicy, cfg.GroupPolicy, string(dmAllow), string(groupAllow), cfg.RequireMention,
		cfg.MaxChunkChars, cfg.Revision, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert channel config %s: %w", cfg.ID, err)
	}
	return nil
}

func (s *ConfigStore) SetConnectionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_configs SET connection_status = ?, status_updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
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
	var dmAllow, groupAllow string
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
	if dmAllow != "" {
		json.Unmarshal([]byte(dmAllow), &cfg.DMAllowFrom)
	}
	if groupAllow != "" {
		json.Unmarshal([]byte(groupAllow), &cfg.GroupAllowFrom)
	}
	return &cfg, nil
}

// BindingStore implements store.BindingStore.
type BindingStore struct {
	db *sql.DB
}

func (s *BindingStore) GetOrCreate(ctx context.Context, projectID, sessionKey string) (store.SessionBinding, bool, error) {
	if b, err := s.GetBySessionKey(ctx, projectID, sessionKey); err == nil {
		return *b, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.SessionBinding{}, false, err
	}

	now := time.Now()
	binding := store.SessionBinding{
		ID:             store.GenNewID(),
		ProjectID:      projectID,
		SessionKey:     sessionKey,
		ConversationID: store.GenNewID(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.SessionBinding{}, false, fmt.Errorf("begin binding tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, project_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		binding.ConversationID, projectID, now, now,
	); err != nil {
		return store.SessionBinding{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_bindings (id, project_id, session_key, conversation_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, session_key) DO NOTHING`,
		binding.ID, projectID, sessionKey, binding.ConversationID, now, now,
	)
	if err != nil {
		return store.SessionBinding{}, false, fmt.Errorf("insert binding: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return store.SessionBinding{}, false, fmt.Errorf("rollback losing binding: %w", err)
		}
		winner, err := s.GetBySessionKey(ctx, projectID, sessionKey)
		if err != nil {
			return store.SessionBinding{}, false, fmt.Errorf("read back winning binding: %w", err)
		}
		return *winner, false, nil
	}

	if err := tx.Commit(); err != nil {
		return store.SessionBinding{}, false, fmt.Errorf("commit binding: %w", err)
	}
	return binding, true, nil
}

func (s *BindingStore) GetBySessionKey(ctx context.Context, projectID, sessionKey string) (*store.SessionBinding, error) {
	var b store.SessionBinding
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, session_key, conversation_id, created_at, updated_at
		 FROM session_bindings WHERE project_id = ? AND session_key = ?`,
		projectID, sessionKey,
	).Scan(&b.ID, &b.ProjectID, &b.SessionKey, &b.ConversationID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return &b, nil
}

// InboxStore implements store.InboxStore.
type InboxStore struct {
	db *sql.DB
}

func (s *InboxStore) RecordInbound(ctx context.Context, rec *store.InboundRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_messages (id, config_id, native_id, chat_id, sender_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (config_id, native_id) DO NOTHING`,
		rec.ID, rec.ConfigID, rec.NativeID, rec.ChatID, rec.SenderID, rec.Content, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inbound rows affected: %w", err)
	}
	return n == 1, nil
}

// OutboxStore implements store.OutboxStore.
type OutboxStore struct {
	db *sql.DB
}

func (s *OutboxStore) Create(ctx context.Context, msg *store.OutboxMessage) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_messages
			(id, config_id, conversation_id, chat_id, reply_to, content, status,
			 attempts, max_attempts, last_error, next_retry_at, sent_message_id,
			 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID, msg.ConfigID, msg.ConversationID, msg.ChatID, msg.ReplyTo, msg.Content, msg.Status,
		msg.Attempts, msg.MaxAttempts, msg.LastError, msg.NextRetryAt, msg.SentMessageID,
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create outbox message: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, id, sentMessageID string) error {
	return s.exec(ctx, "mark sent",
		`UPDATE outbox_messages SET status = ?, sent_message_id = ?, updated_at = ? WHERE id = ?`,
		store.OutboxSent, sentMessageID, time.Now(), id)
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, attempts int, sendErr string, nextRetryAt time.Time) error {
	return s.exec(ctx, "mark failed",
		`UPDATE outbox_messages SET status = ?, attempts = ?, last_error = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		store.OutboxFailed, attempts, sendErr, nextRetryAt, time.Now(), id)
}

func (s *OutboxStore) MarkDeadLetter(ctx context.Context, id string, attempts int, sendErr string) error {
	return s.exec(ctx, "mark dead letter",
		`UPDATE outbox_messages SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		store.OutboxDeadLetter, attempts, sendErr, time.Now(), id)
}

func (s *OutboxStore) DueBatch(ctx context.Context, now time.Time, limit int) ([]store.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, conversation_id, chat_id, reply_to, content, status,
		       attempts, max_attempts, last_error, next_retry_at, sent_message_id,
		       created_at, updated_at
		FROM outbox_messages
		WHERE status IN (?, ?) AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?`,
		store.OutboxPending, store.OutboxFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox batch: %w", err)
	}
	defer rows.Close()

	var out []store.OutboxMessage
	for rows.Next() {
		var m store.OutboxMessage
		if err := rows.Scan(
			&m.ID, &m.ConfigID, &m.ConversationID, &m.ChatID, &m.ReplyTo, &m.Content, &m.Status,
			&m.Attempts, &m.MaxAttempts, &m.LastError, &m.NextRetryAt, &m.SentMessageID,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *OutboxStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return nil
}
