package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Access policies for DM and group scopes.
const (
	PolicyOpen      = "open"
	PolicyAllowlist = "allowlist"
	PolicyDisabled  = "disabled"
)

// Connection modes.
const (
	ModeWebSocket = "websocket"
	ModeWebhook   = "webhook"
)

// ChannelConfig identifies one channel endpoint. Created and edited by the
// configuration layer; the connection manager only reads it.
type ChannelConfig struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	ChannelType string          `json:"channel_type"` // "telegram", "discord", "lark"
	Name        string          `json:"name,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"` // opaque secret blob
	Mode        string          `json:"mode,omitempty"`        // websocket (default) or webhook
	Enabled     bool            `json:"enabled"`

	// Per-config rate limit (zero = defaults: 60 events / 60s).
	RateLimitWindowSec int `json:"rate_limit_window_sec,omitempty"`
	RateLimitMax       int `json:"rate_limit_max,omitempty"`

	// Access policy, evaluated separately per chat scope.
	DMPolicy       string   `json:"dm_policy,omitempty"`    // open|allowlist|disabled
	GroupPolicy    string   `json:"group_policy,omitempty"` // open|allowlist|disabled
	DMAllowFrom    []string `json:"dm_allow_from,omitempty"`
	GroupAllowFrom []string `json:"group_allow_from,omitempty"`
	RequireMention bool     `json:"require_mention,omitempty"` // group scope only

	MaxChunkChars int `json:"max_chunk_chars,omitempty"` // outbound text chunking

	Revision  int64     `json:"revision"` // bumped on every edit
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DMPolicyOrDefault returns the DM policy with the open default applied.
func (c *ChannelConfig) DMPolicyOrDefault() string {
	if c.DMPolicy == "" {
		return PolicyOpen
	}
	return c.DMPolicy
}

// GroupPolicyOrDefault returns the group policy with the open default applied.
func (c *ChannelConfig) GroupPolicyOrDefault() string {
	if c.GroupPolicy == "" {
		return PolicyOpen
	}
	return c.GroupPolicy
}

// SessionBinding is the durable session key → conversation mapping.
// Unique per (project, session key) and per conversation id. Never mutated
// after creation except timestamps.
type SessionBinding struct {
	ID             uuid.UUID `json:"id"`
	ProjectID      string    `json:"project_id"`
	SessionKey     string    `json:"session_key"`
	ConversationID uuid.UUID `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// InboundRecord stores one delivered channel message for dedupe. The unique
// tuple is (config id, native message id, direction).
type InboundRecord struct {
	ID        uuid.UUID `json:"id"`
	ConfigID  string    `json:"config_id"`
	NativeID  string    `json:"native_id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Outbox message statuses. Transitions are forward-only:
// pending→sent, pending→failed→(pending on retry)→dead_letter.
const (
	OutboxPending    = "pending"
	OutboxSent       = "sent"
	OutboxFailed     = "failed"
	OutboxDeadLetter = "dead_letter"
)

// OutboxMessage is one outbound send attempt record — the durable recovery
// point for in-flight sends across process restarts.
type OutboxMessage struct {
	ID             uuid.UUID `json:"id"`
	ConfigID       string    `json:"config_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	ChatID         string    `json:"chat_id"`
	ReplyTo        string    `json:"reply_to,omitempty"`
	Content        string    `json:"content"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	LastError      string    `json:"last_error,omitempty"`
	NextRetryAt    time.Time `json:"next_retry_at"`
	SentMessageID  string    `json:"sent_message_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GenNewID returns a time-ordered UUID for new rows.
func GenNewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
