package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

// PGBindingStore implements store.BindingStore backed by Postgres.
//
// GetOrCreate relies on the unique (project_id, session_key) constraint:
// when two processes race, exactly one insert lands and the loser reads the
// winner back. The conversation row is created in the same transaction so a
// losing binding never leaves an orphan conversation behind.
type PGBindingStore struct {
	db *sql.DB
}

func NewPGBindingStore(db *sql.DB) *PGBindingStore {
	return &PGBindingStore{db: db}
}

func (s *PGBindingStore) GetOrCreate(ctx context.Context, projectID, sessionKey string) (store.SessionBinding, bool, error) {
	// Fast path: the binding usually exists.
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
		`INSERT INTO conversations (id, project_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)`,
		binding.ConversationID, projectID, now, now,
	); err != nil {
		return store.SessionBinding{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_bindings (id, project_id, session_key, conversation_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (project_id, session_key) DO NOTHING`,
		binding.ID, projectID, sessionKey, binding.ConversationID, now, now,
	)
	if err != nil {
		return store.SessionBinding{}, false, fmt.Errorf("insert binding: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return store.SessionBinding{}, false, fmt.Errorf("binding rows affected: %w", err)
	}
	if n == 0 {
		// Lost the race: discard our conversation and adopt the winner.
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

func (s *PGBindingStore) GetBySessionKey(ctx context.Context, projectID, sessionKey string) (*store.SessionBinding, error) {
	var b store.SessionBinding
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, session_key, conversation_id, created_at, updated_at
		 FROM session_bindings WHERE project_id = $1 AND session_key = $2`,
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
