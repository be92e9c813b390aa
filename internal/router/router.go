// Package router turns raw inbound channel messages into bound, deduplicated
// agent turns and pushes the replies back out through the outbox. Every
// pipeline step short-circuits with a log line instead of an error to the
// caller: a malformed or hostile message must never take down the process.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/relaygate/internal/agent"
	"github.com/nextlevelbuilder/relaygate/internal/bus"
	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/eventtime"
	"github.com/nextlevelbuilder/relaygate/internal/outbox"
	"github.com/nextlevelbuilder/relaygate/internal/sessions"
	"github.com/nextlevelbuilder/relaygate/internal/store"
	"github.com/nextlevelbuilder/relaygate/pkg/protocol"
)

const (
	// DefaultTurnTimeout bounds one agent turn end to end. On expiry the
	// accumulated partial text becomes the answer.
	DefaultTurnTimeout = 180 * time.Second

	// Card update throttle bounds: updates start at the floor and back off
	// to the ceiling while content is unchanged.
	defaultCardMinInterval = 300 * time.Millisecond
	defaultCardMaxInterval = 1500 * time.Millisecond

	// defaultUpdaterGrace bounds the wait for the card updater to finish
	// after the turn ends before it is abandoned.
	defaultUpdaterGrace = 5 * time.Second

	// defaultDeliveryTimeout bounds persisting and sending the final answer.
	// Independent of the turn deadline: a timed-out turn still delivers its
	// partial text.
	defaultDeliveryTimeout = 30 * time.Second

	// apologyText is sent when a turn fails with no partial text to salvage.
	apologyText = "Sorry, something went wrong while processing your message. Please try again."
)

// AdapterResolver resolves live adapters for card updates. Satisfied by the
// connection manager.
type AdapterResolver interface {
	Adapter(configID string) (channels.Adapter, bool)
}

// Options tune the router. Zero values use defaults.
type Options struct {
	TurnTimeout      time.Duration
	CardMinInterval  time.Duration
	CardMaxInterval  time.Duration
	UpdaterGrace     time.Duration
	BindingCacheSize int
}

func (o Options) withDefaults() Options {
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = DefaultTurnTimeout
	}
	if o.CardMinInterval <= 0 {
		o.CardMinInterval = defaultCardMinInterval
	}
	if o.CardMaxInterval < o.CardMinInterval {
		o.CardMaxInterval = defaultCardMaxInterval
	}
	if o.UpdaterGrace <= 0 {
		o.UpdaterGrace = defaultUpdaterGrace
	}
	return o
}

// Router is the inbound pipeline. One instance serves all connections; all
// state beyond the binding cache and rate limiter lives in the stores.
type Router struct {
	configs  store.ChannelConfigStore
	bindings store.BindingStore
	inbox    store.InboxStore
	runner   agent.Runner
	outbox   *outbox.Outbox
	adapters AdapterResolver
	events   bus.EventPublisher
	times    *eventtime.Registry
	limiter  *channels.SlidingWindowLimiter
	cache    *bindingCache
	flight   singleflight.Group
	tracer   trace.Tracer
	opts     Options
}

// New wires a router. events may be nil; everything else is required.
func New(stores store.Stores, runner agent.Runner, ob *outbox.Outbox, adapters AdapterResolver, events bus.EventPublisher, times *eventtime.Registry, opts Options) *Router {
	opts = opts.withDefaults()
	return &Router{
		configs:  stores.Configs,
		bindings: stores.Bindings,
		inbox:    stores.Inbox,
		runner:   runner,
		outbox:   ob,
		adapters: adapters,
		events:   events,
		times:    times,
		limiter:  channels.NewSlidingWindowLimiter(),
		cache:    newBindingCache(opts.BindingCacheSize),
		tracer:   otel.Tracer("relaygate/router"),
		opts:     opts,
	}
}

// HandleInbound is the InboundHandler registered with the connection
// manager. Steps 1–8 run synchronously; the agent turn runs in its own
// goroutine so a slow turn never blocks the adapter's delivery path.
func (r *Router) HandleInbound(ctx context.Context, in channels.Inbound) {
	ctx, span := r.tracer.Start(ctx, "router.route",
		trace.WithAttributes(
			attribute.String("channel.config_id", in.ConfigID),
			attribute.String("channel.type", in.ChannelType),
			attribute.String("chat.id", in.ChatID),
		))
	defer span.End()

	// 1. Never answer our own messages: echo loops amplify forever.
	if in.SenderIsBot {
		slog.Debug("dropping bot-authored message", "config_id", in.ConfigID, "chat_id", in.ChatID)
		return
	}

	// 2. Config resolved from the trusted delivery metadata, never from
	// payload fields.
	cfg, err := r.configs.Get(ctx, in.ConfigID)
	if err != nil {
		slog.Error("inbound config lookup failed", "config_id", in.ConfigID, "error", err)
		return
	}

	// 3. Deterministic session key.
	key := sessions.Key(sessions.KeyInput{
		ProjectID:   cfg.ProjectID,
		ChannelType: in.ChannelType,
		ConfigID:    in.ConfigID,
		Scope:       in.Scope,
		ChatID:      in.ChatID,
		TopicID:     in.TopicID,
		ThreadID:    in.ThreadID,
	})

	// 4. Bind to a conversation, exactly once per session key.
	binding, err := r.bind(ctx, cfg.ProjectID, key)
	if err != nil {
		slog.Error("session binding failed", "session_key", key, "error", err)
		return
	}
	span.SetAttributes(attribute.String("conversation.id", binding.ConversationID.String()))

	// 5. Durable inbound dedupe on (config id, native message id).
	fresh, err := r.inbox.RecordInbound(ctx, &store.InboundRecord{
		ID:       store.GenNewID(),
		ConfigID: in.ConfigID,
		NativeID: in.NativeID,
		ChatID:   in.ChatID,
		SenderID: in.SenderID,
		Content:  in.Content,
	})
	if err != nil {
		slog.Error("inbound dedupe write failed", "config_id", in.ConfigID, "native_id", in.NativeID, "error", err)
		return
	}
	if !fresh {
		slog.Debug("dropping duplicate inbound", "config_id", in.ConfigID, "native_id", in.NativeID)
		return
	}

	// 6. Access policy per chat scope.
	if !r.allowed(cfg, in) {
		slog.Info("inbound rejected by access policy",
			"config_id", in.ConfigID, "scope", in.Scope, "sender_id", in.SenderID)
		return
	}

	// 7. Sliding-window rate limit per (config, chat).
	window := time.Duration(cfg.RateLimitWindowSec) * time.Second
	if !r.limiter.AllowN(in.ConfigID+":"+in.ChatID, window, cfg.RateLimitMax) {
		slog.Warn("inbound rate limited", "config_id", in.ConfigID, "chat_id", in.ChatID)
		return
	}

	// 8. Stamped broadcast for observers.
	r.broadcast(protocol.EventMessageReceived, binding.ConversationID.String(), in.ConfigID, map[string]any{
		"chat_id":   in.ChatID,
		"sender_id": in.SenderID,
		"content":   in.Content,
		"scope":     in.Scope,
	})

	// 9. Agent turn, detached from the delivery path.
	go r.runTurn(context.WithoutCancel(ctx), cfg, in, binding)
}

// bind resolves the binding for a session key: cache, then a transactional
// get-or-create. Concurrent misses on the same key collapse into one store
// call, and the store-level unique constraint makes the race loser adopt the
// winner's conversation id.
func (r *Router) bind(ctx context.Context, projectID, sessionKey string) (store.SessionBinding, error) {
	if b, ok := r.cache.get(sessionKey); ok {
		return b, nil
	}

	v, err, _ := r.flight.Do(sessionKey, func() (any, error) {
		if b, ok := r.cache.get(sessionKey); ok {
			return b, nil
		}
		b, created, err := r.bindings.GetOrCreate(ctx, projectID, sessionKey)
		if err != nil {
			return store.SessionBinding{}, err
		}
		if created {
			slog.Info("conversation bound",
				"session_key", sessionKey, "conversation_id", b.ConversationID)
		}
		r.cache.put(sessionKey, b)
		return b, nil
	})
	if err != nil {
		return store.SessionBinding{}, fmt.Errorf("get or create binding: %w", err)
	}
	return v.(store.SessionBinding), nil
}

// allowed evaluates the per-scope access policy plus group mention gating.
func (r *Router) allowed(cfg *store.ChannelConfig, in channels.Inbound) bool {
	var policy string
	var allowFrom []string
	switch in.Scope {
	case sessions.ScopeGroup:
		policy = cfg.GroupPolicyOrDefault()
		allowFrom = cfg.GroupAllowFrom
		if cfg.RequireMention && !in.Mentioned {
			return false
		}
	default:
		policy = cfg.DMPolicyOrDefault()
		allowFrom = cfg.DMAllowFrom
	}

	switch policy {
	case store.PolicyOpen:
		return true
	case store.PolicyDisabled:
		return false
	case store.PolicyAllowlist:
		return slices.Contains(allowFrom, in.SenderID)
	default:
		slog.Warn("unknown access policy, denying", "config_id", cfg.ID, "policy", policy)
		return false
	}
}

// broadcast emits a stamped event. Best-effort: the bus isolates handler
// failures, and a nil bus is a no-op.
func (r *Router) broadcast(eventType, conversationID, configID string, data any) {
	if r.events == nil {
		return
	}
	stamp := r.times.For(conversationID).Next()
	r.events.Broadcast(bus.Event{
		Type:           eventType,
		ConversationID: conversationID,
		ConfigID:       configID,
		EventTimeUs:    stamp.TimeUs,
		EventCounter:   stamp.Counter,
		Data:           data,
	})
}
