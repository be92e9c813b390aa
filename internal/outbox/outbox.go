// Package outbox guarantees eventual delivery of outbound replies. Every
// send is recorded as a durable row before the adapter is attempted, so
// in-flight replies survive process restarts and transient channel outages.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaygate/internal/bus"
	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/store"
	"github.com/nextlevelbuilder/relaygate/pkg/protocol"
)

const (
	// DefaultMaxAttempts before a row is dead-lettered.
	DefaultMaxAttempts = 10

	// defaultMaxRetryDelay caps the per-row retry backoff.
	defaultMaxRetryDelay = 5 * time.Minute

	// Per-connection outbound pacing. Chat platforms throttle bots around
	// one message per second per chat; stay under that across the config.
	defaultSendRate  = rate.Limit(5)
	defaultSendBurst = 5
)

// AdapterResolver resolves the live adapter for a config id. Satisfied by
// the connection manager; returns false when the connection is absent or
// not currently connected.
type AdapterResolver interface {
	Adapter(configID string) (channels.Adapter, bool)
}

// Options tune the outbox. Zero values use defaults.
type Options struct {
	MaxAttempts int
	SendRate    rate.Limit
	SendBurst   int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.SendRate <= 0 {
		o.SendRate = defaultSendRate
	}
	if o.SendBurst <= 0 {
		o.SendBurst = defaultSendBurst
	}
	return o
}

// Outbox is the write-ahead send path. SendText persists first and attempts
// delivery inline; failures are left for the retry worker.
type Outbox struct {
	store    store.OutboxStore
	resolver AdapterResolver
	events   bus.EventPublisher
	opts     Options
	tracer   trace.Tracer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // config id → outbound pacer
}

// New creates an outbox. events may be nil.
func New(st store.OutboxStore, resolver AdapterResolver, events bus.EventPublisher, opts Options) *Outbox {
	return &Outbox{
		store:    st,
		resolver: resolver,
		events:   events,
		opts:     opts.withDefaults(),
		tracer:   otel.Tracer("relaygate/outbox"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SendText records the reply and attempts delivery. The returned row
// reflects the outcome of the first attempt; a failed first attempt is not
// an error — the retry worker owns it from here.
func (o *Outbox) SendText(ctx context.Context, configID string, conversationID uuid.UUID, chatID, content, replyTo string) (*store.OutboxMessage, error) {
	now := time.Now()
	msg := &store.OutboxMessage{
		ID:             store.GenNewID(),
		ConfigID:       configID,
		ConversationID: conversationID,
		ChatID:         chatID,
		ReplyTo:        replyTo,
		Content:        content,
		Status:         store.OutboxPending,
		MaxAttempts:    o.opts.MaxAttempts,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("record outbox message: %w", err)
	}

	o.attempt(ctx, msg)
	return msg, nil
}

// RecordDelivered records a reply that was already delivered outside the
// outbox send path — a finalized streaming card — so the audit trail stays
// uniform. The row is born sent and never retried.
func (o *Outbox) RecordDelivered(ctx context.Context, configID string, conversationID uuid.UUID, chatID, content, sentMessageID string) error {
	now := time.Now()
	msg := &store.OutboxMessage{
		ID:             store.GenNewID(),
		ConfigID:       configID,
		ConversationID: conversationID,
		ChatID:         chatID,
		Content:        content,
		Status:         store.OutboxSent,
		Attempts:       1,
		MaxAttempts:    o.opts.MaxAttempts,
		SentMessageID:  sentMessageID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Create(ctx, msg); err != nil {
		return fmt.Errorf("record delivered message: %w", err)
	}
	o.broadcast(protocol.EventOutboxSent, msg)
	return nil
}

// attempt tries one delivery of the row and persists the resulting
// transition. msg is updated in place to mirror the stored state.
func (o *Outbox) attempt(ctx context.Context, msg *store.OutboxMessage) {
	ctx, span := o.tracer.Start(ctx, "outbox.attempt",
		trace.WithAttributes(
			attribute.String("outbox.id", msg.ID.String()),
			attribute.String("channel.config_id", msg.ConfigID),
			attribute.Int("outbox.attempt", msg.Attempts+1),
		))
	defer span.End()

	adapter, ok := o.resolver.Adapter(msg.ConfigID)
	if !ok {
		// No live connection is a transient condition, never a reason to
		// dead-letter: the row waits for the connection to come back.
		o.fail(ctx, msg, fmt.Errorf("no live adapter for config %s", msg.ConfigID), false)
		return
	}

	if err := o.limiterFor(msg.ConfigID).Wait(ctx); err != nil {
		o.fail(ctx, msg, fmt.Errorf("send pacing: %w", err), false)
		return
	}

	sentID, err := adapter.SendText(ctx, msg.ChatID, msg.Content, msg.ReplyTo)
	if err != nil {
		o.fail(ctx, msg, err, true)
		return
	}

	if err := o.store.MarkSent(ctx, msg.ID.String(), sentID); err != nil {
		slog.Error("outbox mark sent failed", "id", msg.ID, "error", err)
		return
	}
	msg.Status = store.OutboxSent
	msg.SentMessageID = sentID
	o.broadcast(protocol.EventOutboxSent, msg)
	slog.Debug("outbox message sent", "id", msg.ID, "config_id", msg.ConfigID, "remote_id", sentID)
}

// fail records a failed attempt. countAttempt is false for conditions that
// are not the message's fault (no adapter, pacing cancelled) so they never
// push a row toward dead-letter.
func (o *Outbox) fail(ctx context.Context, msg *store.OutboxMessage, sendErr error, countAttempt bool) {
	attempts := msg.Attempts
	if countAttempt {
		attempts++
	}

	if countAttempt && attempts >= msg.MaxAttempts {
		if err := o.store.MarkDeadLetter(ctx, msg.ID.String(), attempts, sendErr.Error()); err != nil {
			slog.Error("outbox mark dead letter failed", "id", msg.ID, "error", err)
			return
		}
		msg.Status = store.OutboxDeadLetter
		msg.Attempts = attempts
		msg.LastError = sendErr.Error()
		o.broadcast(protocol.EventOutboxDeadLetter, msg)
		slog.Error("outbox message dead-lettered",
			"id", msg.ID, "config_id", msg.ConfigID, "attempts", attempts, "error", sendErr)
		return
	}

	nextRetry := time.Now().Add(retryDelay(attempts))
	if err := o.store.MarkFailed(ctx, msg.ID.String(), attempts, sendErr.Error(), nextRetry); err != nil {
		slog.Error("outbox mark failed failed", "id", msg.ID, "error", err)
		return
	}
	msg.Status = store.OutboxFailed
	if countAttempt {
		msg.Attempts = attempts
	}
	msg.LastError = sendErr.Error()
	msg.NextRetryAt = nextRetry
	slog.Warn("outbox send failed, will retry",
		"id", msg.ID, "config_id", msg.ConfigID, "attempts", attempts,
		"next_retry_at", nextRetry, "error", sendErr)
}

// retryDelay is the backoff before the next delivery attempt:
// min(2^attempts, 300) seconds.
func retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 30 {
		return defaultMaxRetryDelay
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > defaultMaxRetryDelay {
		return defaultMaxRetryDelay
	}
	return d
}

func (o *Outbox) limiterFor(configID string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[configID]
	if !ok {
		l = rate.NewLimiter(o.opts.SendRate, o.opts.SendBurst)
		o.limiters[configID] = l
	}
	return l
}

func (o *Outbox) broadcast(eventType string, msg *store.OutboxMessage) {
	if o.events == nil {
		return
	}
	o.events.Broadcast(bus.Event{
		Type:           eventType,
		ConversationID: msg.ConversationID.String(),
		ConfigID:       msg.ConfigID,
		Data:           msg,
	})
}
