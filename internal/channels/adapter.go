// Package channels owns the channel connection layer: the adapter contract
// every platform implementation satisfies, per-connection lifecycle state,
// the connection manager with reconnect backoff and circuit breaking, the
// reconciliation planner, and the inbound sliding-window rate limiter.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relaygate/internal/sessions"
)

// Message is a raw inbound message as delivered by an adapter. It carries
// only what the platform reported — routing identity (config id, project) is
// attached by the manager, never trusted from the payload.
type Message struct {
	NativeID   string
	ChatID     string
	SenderID   string
	SenderName string
	// SenderIsBot marks the platform's own bot/app identity. The router
	// drops these to prevent reply loops.
	SenderIsBot bool
	Scope       sessions.ChatScope
	TopicID     string
	ThreadID    string
	Content     string
	Mentioned   bool
	ReceivedAt  time.Time
}

// Inbound is a Message wrapped with trusted routing metadata attached by the
// connection manager at delivery time.
type Inbound struct {
	Message
	ConfigID    string
	ProjectID   string
	ChannelType string
}

// InboundHandler consumes inbound messages delivered by the manager.
type InboundHandler func(ctx context.Context, msg Inbound)

// Adapter is the contract one channel-type implementation must satisfy.
// Implementations live under channels/telegram, channels/discord,
// channels/lark.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	// SendText delivers plain text; replyTo may be empty. Returns the
	// platform message id.
	SendText(ctx context.Context, chatID, content, replyTo string) (string, error)
	// SendMarkdownCard renders content as a rich card where the platform
	// supports it; plain-text fallback otherwise.
	SendMarkdownCard(ctx context.Context, chatID, content string) (string, error)

	OnMessage(h func(Message))
	OnError(h func(error))
}

// HealthChecker is the optional deep liveness probe — a lightweight
// read-only call through the platform API. Detected at runtime via type
// assertion; a failed probe demotes the connection to disconnected.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CardPatcher is the simpler incremental-update capability: send a card once,
// then patch its content in place.
type CardPatcher interface {
	Adapter
	SendCard(ctx context.Context, chatID, content string) (cardID string, err error)
	PatchCard(ctx context.Context, cardID, content string) error
}

// CardStreamer is the richer entity-based streaming capability. Preferred
// over CardPatcher when both are present.
type CardStreamer interface {
	Adapter
	CreateCardEntity(ctx context.Context, chatID string) (entityID string, err error)
	StreamTextContent(ctx context.Context, entityID, text string, seq int) error
	FinishCardEntity(ctx context.Context, entityID, finalText string) error
}

// SecretDecoder decodes the opaque credential blob of a ChannelConfig before
// adapter construction. Encryption-at-rest is owned by the configuration
// layer; the default decoder is the identity.
type SecretDecoder interface {
	Decode(blob json.RawMessage) (json.RawMessage, error)
}

// PlainSecrets is the identity SecretDecoder.
type PlainSecrets struct{}

// Decode returns the blob unchanged.
func (PlainSecrets) Decode(blob json.RawMessage) (json.RawMessage, error) { return blob, nil }

// AdapterFactory builds an adapter for one channel type. creds is the
// decoded credential blob.
type AdapterFactory func(cfg ConfigView, creds json.RawMessage) (Adapter, error)

// ConfigView is the subset of the channel config an adapter may see.
type ConfigView struct {
	ID            string
	ProjectID     string
	ChannelType   string
	Mode          string
	MaxChunkChars int
}

// ErrUnknownChannelType is returned when no factory is registered for a
// config's channel type.
var ErrUnknownChannelType = errors.New("channels: unknown channel type")

// AdapterRegistry resolves channel type → AdapterFactory.
type AdapterRegistry struct {
	mu        sync.RWMutex
	factories map[string]AdapterFactory
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{factories: make(map[string]AdapterFactory)}
}

// Register adds a factory for a channel type (e.g. "telegram").
func (r *AdapterRegistry) Register(channelType string, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[channelType] = factory
}

// Build constructs an adapter for the config, decoding credentials first.
func (r *AdapterRegistry) Build(view ConfigView, creds json.RawMessage, secrets SecretDecoder) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[view.ChannelType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannelType, view.ChannelType)
	}

	decoded, err := secrets.Decode(creds)
	if err != nil {
		return nil, fmt.Errorf("decode credentials for %s: %w", view.ID, err)
	}
	return factory(view, decoded)
}

// Types returns the registered channel types.
func (r *AdapterRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
