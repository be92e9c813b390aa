// Package lark implements the Lark/Feishu channel adapter using native HTTP
// for the REST surface and a WebSocket event stream for inbound messages.
// Default domain is Lark Global (open.larksuite.com).
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/sessions"
)

const (
	defaultChunkChars = 4000
	dedupTTL          = 5 * time.Minute
	streamElementID   = "streaming_txt"
)

type credentials struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
	Domain    string `json:"domain,omitempty"`
}

// Adapter connects one Lark app via the event-stream WebSocket.
type Adapter struct {
	view   channels.ConfigView
	client *Client

	mu        sync.Mutex
	stream    *wsStream
	botOpenID string
	connected bool

	// dedup absorbs the platform's at-least-once event delivery before the
	// message reaches the durable inbox.
	dedup sync.Map // message_id → struct{}

	// streamSeq tracks the last sequence number per card entity so finish
	// can issue strictly-increasing updates.
	streamSeq sync.Map // cardID → int

	onMessage func(channels.Message)
	onError   func(error)
}

// Factory builds lark adapters for the registry.
func Factory(view channels.ConfigView, creds json.RawMessage) (channels.Adapter, error) {
	var c credentials
	if err := json.Unmarshal(creds, &c); err != nil {
		return nil, fmt.Errorf("parse lark credentials: %w", err)
	}
	if c.AppID == "" || c.AppSecret == "" {
		return nil, fmt.Errorf("lark config %s: app_id and app_secret are required", view.ID)
	}
	return &Adapter{
		view:   view,
		client: NewClient(c.AppID, c.AppSecret, resolveDomain(c.Domain)),
	}, nil
}

func (a *Adapter) OnMessage(h func(channels.Message)) { a.onMessage = h }
func (a *Adapter) OnError(h func(error))              { a.onError = h }

// Connect probes the bot identity, resolves the event endpoint, and opens the
// stream.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	openID, err := a.client.GetBotInfo(ctx)
	if err != nil {
		return fmt.Errorf("probe lark bot: %w", err)
	}

	wsURL, err := a.client.WSEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve lark ws endpoint: %w", err)
	}

	stream, err := dialWS(ctx, wsURL, a.handleEventPayload, a.streamClosed)
	if err != nil {
		return err
	}

	a.stream = stream
	a.botOpenID = openID
	a.connected = true

	slog.Info("lark bot connected", "config_id", a.view.ID, "bot_open_id", openID)
	return nil
}

func (a *Adapter) streamClosed(err error) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	if a.onError != nil {
		a.onError(err)
	}
}

// Disconnect closes the event stream.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	stream := a.stream
	a.stream = nil
	a.connected = false
	a.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.close(ctx)
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// HealthCheck verifies the REST path is still authorized.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.GetBotInfo(ctx); err != nil {
		return fmt.Errorf("lark health check: %w", err)
	}
	return nil
}

func (a *Adapter) handleEventPayload(payload []byte) {
	var event messageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Debug("lark: parse event failed", "error", err)
		return
	}
	if event.Header.EventType != "im.message.receive_v1" {
		return
	}
	a.handleMessageEvent(&event)
}

func (a *Adapter) handleMessageEvent(event *messageEvent) {
	if a.onMessage == nil {
		return
	}

	msg := &event.Event.Message
	if msg.MessageID == "" {
		return
	}
	if a.isDuplicate(msg.MessageID) {
		slog.Debug("lark message deduplicated", "message_id", msg.MessageID)
		return
	}

	content := parseContent(msg.Content, msg.MessageType)

	mentioned := false
	var mentionKeys []string
	for _, m := range msg.Mentions {
		if a.botOpenID != "" && m.ID.OpenID == a.botOpenID {
			mentioned = true
			mentionKeys = append(mentionKeys, m.Key)
		}
	}
	if mentioned {
		content = stripMentionKeys(content, mentionKeys)
	}
	if content == "" {
		return
	}

	receivedAt := time.Now()
	if ms, err := strconv.ParseInt(msg.CreateTime, 10, 64); err == nil && ms > 0 {
		receivedAt = time.UnixMilli(ms)
	}

	out := channels.Message{
		NativeID:    msg.MessageID,
		ChatID:      msg.ChatID,
		SenderID:    event.Event.Sender.SenderID.OpenID,
		SenderIsBot: event.Event.Sender.SenderType == "app",
		Content:     content,
		Scope:       sessions.ScopeFromGroup(msg.ChatType == "group"),
		Mentioned:   mentioned,
		ReceivedAt:  receivedAt,
	}
	// Thread replies get their own session lane, keyed by the root message.
	if msg.RootID != "" && msg.RootID != msg.MessageID {
		out.TopicID = msg.RootID
	}

	a.onMessage(out)
}

// isDuplicate records the message id and reports whether it was seen within
// the TTL window.
func (a *Adapter) isDuplicate(messageID string) bool {
	_, loaded := a.dedup.LoadOrStore(messageID, struct{}{})
	if !loaded {
		go func() {
			time.Sleep(dedupTTL)
			a.dedup.Delete(messageID)
		}()
	}
	return loaded
}

// SendText sends markdown-capable post messages, chunked at the configured
// limit. Returns the message id of the last chunk.
func (a *Adapter) SendText(ctx context.Context, chatID, content, _ string) (string, error) {
	if !a.Connected() {
		return "", fmt.Errorf("lark bot not connected")
	}

	limit := a.view.MaxChunkChars
	if limit <= 0 {
		limit = defaultChunkChars
	}

	receiveIDType := resolveReceiveIDType(chatID)
	var lastID string
	for _, chunk := range channels.ChunkText(content, limit) {
		id, err := a.client.SendMessage(ctx, receiveIDType, chatID, "post", buildPostContent(chunk))
		if err != nil {
			return "", fmt.Errorf("lark send text: %w", err)
		}
		lastID = id
	}
	return lastID, nil
}

// SendMarkdownCard sends content as an interactive card.
func (a *Adapter) SendMarkdownCard(ctx context.Context, chatID, content string) (string, error) {
	if !a.Connected() {
		return "", fmt.Errorf("lark bot not connected")
	}

	cardJSON, err := json.Marshal(buildMarkdownCard(content))
	if err != nil {
		return "", fmt.Errorf("marshal card: %w", err)
	}
	id, err := a.client.SendMessage(ctx, resolveReceiveIDType(chatID), chatID, "interactive", string(cardJSON))
	if err != nil {
		return "", fmt.Errorf("lark send card: %w", err)
	}
	return id, nil
}

// CreateCardEntity creates a streaming card and posts it to the chat. The
// returned entity id is "cardID:messageID".
func (a *Adapter) CreateCardEntity(ctx context.Context, chatID string) (string, error) {
	if !a.Connected() {
		return "", fmt.Errorf("lark bot not connected")
	}

	cardID, err := a.client.CreateCard(ctx, "card_json", buildStreamingCard(""))
	if err != nil {
		return "", err
	}

	content, _ := json.Marshal(map[string]any{
		"type": "card",
		"data": map[string]string{"card_id": cardID},
	})
	msgID, err := a.client.SendMessage(ctx, resolveReceiveIDType(chatID), chatID, "interactive", string(content))
	if err != nil {
		return "", fmt.Errorf("post streaming card: %w", err)
	}
	return cardID + ":" + msgID, nil
}

// StreamTextContent replaces the card's text element. seq must increase per
// entity across calls.
func (a *Adapter) StreamTextContent(ctx context.Context, entityID, text string, seq int) error {
	cardID, _, err := splitEntityID(entityID)
	if err != nil {
		return err
	}
	if err := a.client.UpdateCardElement(ctx, cardID, streamElementID, text, seq, uuid.NewString()); err != nil {
		return err
	}
	a.streamSeq.Store(cardID, seq)
	return nil
}

// FinishCardEntity writes the final text and turns streaming mode off.
func (a *Adapter) FinishCardEntity(ctx context.Context, entityID, finalText string) error {
	cardID, _, err := splitEntityID(entityID)
	if err != nil {
		return err
	}

	seq := 0
	if v, ok := a.streamSeq.Load(cardID); ok {
		seq = v.(int)
	}
	a.streamSeq.Delete(cardID)

	if err := a.client.UpdateCardElement(ctx, cardID, streamElementID, finalText, seq+1, uuid.NewString()); err != nil {
		return err
	}

	settings, _ := json.Marshal(map[string]any{
		"config": map[string]any{"streaming_mode": false},
	})
	if err := a.client.UpdateCardSettings(ctx, cardID, string(settings), seq+2, uuid.NewString()); err != nil {
		// Final text already landed; a stuck streaming flag is cosmetic.
		slog.Debug("lark: disable streaming mode failed", "card_id", cardID, "error", err)
	}
	return nil
}

func splitEntityID(entityID string) (cardID, msgID string, err error) {
	cardID, msgID, ok := strings.Cut(entityID, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed lark card entity id %q", entityID)
	}
	return cardID, msgID, nil
}
