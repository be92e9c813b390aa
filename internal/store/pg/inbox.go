package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

// PGInboxStore implements store.InboxStore backed by Postgres. Dedupe rides
// on the unique (config_id, native_id) index.
type PGInboxStore struct {
	db *sql.DB
}

func NewPGInboxStore(db *sql.DB) *PGInboxStore {
	return &PGInboxStore{db: db}
}

func (s *PGInboxStore) RecordInbound(ctx context.Context, rec *store.InboundRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_messages (id, config_id, native_id, chat_id, sender_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
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
