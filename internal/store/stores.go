// Package store defines the durable storage contracts consumed by the
// connection manager, message router, and outbox, plus the shared row types.
// Implementations: store/pg (managed mode) and store/sqlite (standalone).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ChannelConfigStore reads channel endpoint configuration and persists
// connection status transitions.
type ChannelConfigStore interface {
	ListEnabled(ctx context.Context) ([]ChannelConfig, error)
	Get(ctx context.Context, id string) (*ChannelConfig, error)
	Upsert(ctx context.Context, cfg *ChannelConfig) error
	// SetConnectionStatus persists the last observed status for operators.
	SetConnectionStatus(ctx context.Context, id, status string) error
}

// BindingStore manages durable session bindings. GetOrCreate must be
// transactional: when two callers race on the same session key, both receive
// the single winning conversation id.
type BindingStore interface {
	GetOrCreate(ctx context.Context, projectID, sessionKey string) (SessionBinding, bool, error)
	GetBySessionKey(ctx context.Context, projectID, sessionKey string) (*SessionBinding, error)
}

// InboxStore records delivered inbound messages for dedupe.
type InboxStore interface {
	// RecordInbound inserts the record; returns false when the
	// (config id, native id) tuple was already stored.
	RecordInbound(ctx context.Context, rec *InboundRecord) (bool, error)
}

// OutboxStore persists outbound send attempts and their retry state.
type OutboxStore interface {
	Create(ctx context.Context, msg *OutboxMessage) error
	MarkSent(ctx context.Context, id string, sentMessageID string) error
	// MarkFailed records a failed attempt. attempts is the new total; the
	// retry/dead-letter policy lives with the caller, not the store.
	MarkFailed(ctx context.Context, id string, attempts int, sendErr string, nextRetryAt time.Time) error
	MarkDeadLetter(ctx context.Context, id string, attempts int, sendErr string) error
	// DueBatch returns up to limit rows with status != sent and
	// next_retry_at <= now, oldest first. Dead-lettered rows are excluded.
	DueBatch(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
}

// Stores is the top-level container handed to the core components.
type Stores struct {
	Configs  ChannelConfigStore
	Bindings BindingStore
	Inbox    InboxStore
	Outbox   OutboxStore
}
