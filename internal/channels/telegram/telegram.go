// Package telegram implements the Telegram channel adapter over the Bot API
// with long polling.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/sessions"
)

// telegramMaxMessageChars is the Bot API hard limit per message.
const telegramMaxMessageChars = 4096

// credentials is the decoded credential blob for a telegram config.
type credentials struct {
	Token string `json:"token"`
	Proxy string `json:"proxy,omitempty"`
}

// Adapter connects one bot token via long polling.
type Adapter struct {
	view  channels.ConfigView
	creds credentials

	mu         sync.Mutex
	bot        *telego.Bot
	botID      int64
	botName    string
	connected  bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	onMessage func(channels.Message)
	onError   func(error)
}

// Factory builds telegram adapters for the registry.
func Factory(view channels.ConfigView, creds json.RawMessage) (channels.Adapter, error) {
	var c credentials
	if err := json.Unmarshal(creds, &c); err != nil {
		return nil, fmt.Errorf("parse telegram credentials: %w", err)
	}
	if c.Token == "" {
		return nil, fmt.Errorf("telegram config %s: token is required", view.ID)
	}
	return &Adapter{view: view, creds: c}, nil
}

func (a *Adapter) OnMessage(h func(channels.Message)) { a.onMessage = h }
func (a *Adapter) OnError(h func(error))              { a.onError = h }

// Connect creates the bot, verifies the token, and starts long polling.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	bot, err := telego.NewBot(a.creds.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("verify telegram token: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.bot = bot
	a.botID = me.ID
	a.botName = me.Username
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})
	a.connected = true

	go a.poll(pollCtx, updates)

	slog.Info("telegram bot connected", "config_id", a.view.ID, "username", me.Username)
	return nil
}

func (a *Adapter) poll(ctx context.Context, updates <-chan telego.Update) {
	defer close(a.pollDone)
	defer func() {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if a.onError != nil {
					a.onError(fmt.Errorf("telegram updates channel closed"))
				}
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.deliver(update.Message)
		}
	}
}

func (a *Adapter) deliver(msg *telego.Message) {
	if a.onMessage == nil {
		return
	}

	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup

	m := channels.Message{
		NativeID:   strconv.Itoa(msg.MessageID),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Content:    msg.Text,
		Scope:      sessions.ScopeFromGroup(isGroup),
		Mentioned:  a.detectMention(msg),
		ReceivedAt: time.Unix(msg.Date, 0),
	}
	if msg.From != nil {
		m.SenderID = strconv.FormatInt(msg.From.ID, 10)
		m.SenderName = msg.From.Username
		m.SenderIsBot = msg.From.IsBot && msg.From.ID == a.botID
	}
	// Forum supergroups route per topic.
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		m.TopicID = strconv.Itoa(msg.MessageThreadID)
	}

	a.onMessage(m)
}

// detectMention scans entities for an @botname mention or a reply to the bot.
func (a *Adapter) detectMention(msg *telego.Message) bool {
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == a.botID {
		return true
	}
	for _, e := range msg.Entities {
		if e.Type != telego.EntityTypeMention {
			continue
		}
		mention := entityText(msg.Text, int(e.Offset), int(e.Length))
		if strings.EqualFold(mention, "@"+a.botName) {
			return true
		}
	}
	return false
}

// entityText extracts an entity's text. Bot API entity offsets and lengths
// count UTF-16 code units, not bytes, so text with non-ASCII characters
// before the entity cannot be sliced by byte index.
func entityText(text string, offset, length int) string {
	units := utf16.Encode([]rune(text))
	if offset < 0 || length <= 0 || offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}

// Disconnect cancels polling and waits for the poller to exit so Telegram
// releases the getUpdates lock before a replacement connects.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.pollCancel
	done := a.pollDone
	a.connected = false
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("telegram poller did not exit: %w", ctx.Err())
	}
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// HealthCheck is a lightweight GetMe round trip.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not connected")
	}
	if _, err := bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram health check: %w", err)
	}
	return nil
}

// SendText sends plain text, chunked at the platform limit. Returns the
// message id of the last chunk.
func (a *Adapter) SendText(ctx context.Context, chatID, content, replyTo string) (string, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return "", fmt.Errorf("telegram bot not connected")
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	limit := a.view.MaxChunkChars
	if limit <= 0 || limit > telegramMaxMessageChars {
		limit = telegramMaxMessageChars
	}

	var lastID string
	for i, chunk := range channels.ChunkText(content, limit) {
		params := tu.Message(tu.ID(id), chunk)
		// Reply linkage only on the first chunk.
		if i == 0 && replyTo != "" {
			if rid, err := strconv.Atoi(replyTo); err == nil {
				params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: rid})
			}
		}
		sent, err := bot.SendMessage(ctx, params)
		if err != nil {
			return "", fmt.Errorf("telegram send: %w", err)
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

// SendMarkdownCard sends Markdown-formatted text; Telegram has no card
// entity, so this is SendText with parse mode set.
func (a *Adapter) SendMarkdownCard(ctx context.Context, chatID, content string) (string, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return "", fmt.Errorf("telegram bot not connected")
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	sent, err := bot.SendMessage(ctx, tu.Message(tu.ID(id), content).WithParseMode(telego.ModeMarkdown))
	if err != nil {
		// Markdown parse failures fall back to plain text.
		return a.SendText(ctx, chatID, content, "")
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendCard posts an editable message used for in-place progress updates.
// The returned card id is "chatID:messageID" so PatchCard can address the
// edit without extra state.
func (a *Adapter) SendCard(ctx context.Context, chatID, content string) (string, error) {
	msgID, err := a.SendText(ctx, chatID, content, "")
	if err != nil {
		return "", err
	}
	return chatID + ":" + msgID, nil
}

// PatchCard edits the progress message in place.
func (a *Adapter) PatchCard(ctx context.Context, cardID, content string) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not connected")
	}

	chatStr, msgStr, ok := strings.Cut(cardID, ":")
	if !ok {
		return fmt.Errorf("malformed telegram card id %q", cardID)
	}
	chatID, err := strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed telegram card id %q: %w", cardID, err)
	}
	msgID, err := strconv.Atoi(msgStr)
	if err != nil {
		return fmt.Errorf("malformed telegram card id %q: %w", cardID, err)
	}

	_, err = bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      content,
	})
	if err != nil {
		return fmt.Errorf("telegram edit message: %w", err)
	}
	return nil
}
