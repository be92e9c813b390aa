package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

// PGOutboxStore implements store.OutboxStore backed by Postgres.
type PGOutboxStore struct {
	db *sql.DB
}

func NewPGOutboxStore(db *sql.DB) *PGOutboxStore {
	return &PGOutboxStore{db: db}
}

func (s *PGOutboxStore) Create(ctx context.Context, msg *store.OutboxMessage) error {
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		msg.ID, msg.ConfigID, msg.ConversationID, msg.ChatID, msg.ReplyTo, msg.Content, msg.Status,
		msg.Attempts, msg.MaxAttempts, msg.LastError, msg.NextRetryAt, msg.SentMessageID,
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create outbox message: %w", err)
	}
	return nil
}

func (s *PGOutboxStore) MarkSent(ctx context.Context, id, sentMessageID string) error {
	return s.exec(ctx, "mark sent",
		`UPDATE outbox_messages
		 SET status = $2, sent_message_id = $3, updated_at = now()
		 WHERE id = $1`,
		id, store.OutboxSent, sentMessageID)
}

func (s *PGOutboxStore) MarkFailed(ctx context.Context, id string, attempts int, sendErr string, nextRetryAt time.Time) error {
	return s.exec(ctx, "mark failed",
		`UPDATE outbox_messages
		 SET status = $2, attempts = $3, last_error = $4, next_retry_at = $5, updated_at = now()
		 WHERE id = $1`,
		id, store.OutboxFailed, attempts, sendErr, nextRetryAt)
}

func (s *PGOutboxStore) MarkDeadLetter(ctx context.Context, id string, attempts int, sendErr string) error {
	return s.exec(ctx, "mark dead letter",
		`UPDATE outbox_messages
		 SET status = $2, attempts = $3, last_error = $4, updated_at = now()
		 WHERE id = $1`,
		id, store.OutboxDeadLetter, attempts, sendErr)
}

func (s *PGOutboxStore) DueBatch(ctx context.Context, now time.Time, limit int) ([]store.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, conversation_id, chat_id, reply_to, content, status,
		       attempts, max_attempts, last_error, next_retry_at, sent_message_id,
		       created_at, updated_at
		FROM outbox_messages
		WHERE status IN ($1, $2) AND next_retry_at <= $3
		ORDER BY next_retry_at ASC
		LIMIT $4`,
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

func (s *PGOutboxStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return nil
}
