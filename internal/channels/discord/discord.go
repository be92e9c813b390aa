// Package discord implements the Discord channel adapter over the gateway
// websocket via discordgo.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/sessions"
)

// discordMaxMessageChars is the hard per-message limit.
const discordMaxMessageChars = 2000

type credentials struct {
	Token string `json:"token"`
}

// Adapter connects one bot token to the Discord gateway.
type Adapter struct {
	view  channels.ConfigView
	creds credentials

	mu        sync.Mutex
	session   *discordgo.Session
	botUserID string
	connected bool

	onMessage func(channels.Message)
	onError   func(error)
}

// Factory builds discord adapters for the registry.
func Factory(view channels.ConfigView, creds json.RawMessage) (channels.Adapter, error) {
	var c credentials
	if err := json.Unmarshal(creds, &c); err != nil {
		return nil, fmt.Errorf("parse discord credentials: %w", err)
	}
	if c.Token == "" {
		return nil, fmt.Errorf("discord config %s: token is required", view.ID)
	}
	return &Adapter{view: view, creds: c}, nil
}

func (a *Adapter) OnMessage(h func(channels.Message)) { a.onMessage = h }
func (a *Adapter) OnError(h func(error))              { a.onError = h }

// Connect opens the gateway session and resolves the bot identity.
func (a *Adapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	session, err := discordgo.New("Bot " + a.creds.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(a.handleMessageCreate)
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		if a.onError != nil {
			a.onError(fmt.Errorf("discord gateway disconnected"))
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}

	a.session = session
	a.botUserID = user.ID
	a.connected = true

	slog.Info("discord bot connected", "config_id", a.view.ID, "username", user.Username)
	return nil
}

// Disconnect closes the gateway session.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.connected = false
	a.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// HealthCheck verifies the REST path is still authorized.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	session := a.liveSession()
	if session == nil {
		return fmt.Errorf("discord session not connected")
	}
	if _, err := session.User("@me", discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord health check: %w", err)
	}
	return nil
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if a.onMessage == nil || m.Author == nil {
		return
	}

	isDM := m.GuildID == ""

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == a.botUserID {
			mentioned = true
			break
		}
	}
	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == a.botUserID {
		mentioned = true
	}

	receivedAt := m.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	msg := channels.Message{
		NativeID:    m.ID,
		ChatID:      m.ChannelID,
		SenderID:    m.Author.ID,
		SenderName:  displayName(m),
		SenderIsBot: m.Author.Bot || m.Author.ID == a.botUserID,
		Content:     content,
		Scope:       sessions.ScopeFromGroup(!isDM),
		Mentioned:   mentioned,
		ReceivedAt:  receivedAt,
	}
	// Guild threads get their own session lane.
	if ch, err := a.session.State.Channel(m.ChannelID); err == nil && ch.IsThread() {
		msg.ChatID = ch.ParentID
		msg.ThreadID = m.ChannelID
	}

	a.onMessage(msg)
}

// SendText sends plain text, chunked at the platform limit. Returns the
// message id of the last chunk.
func (a *Adapter) SendText(ctx context.Context, chatID, content, replyTo string) (string, error) {
	session := a.liveSession()
	if session == nil {
		return "", fmt.Errorf("discord session not connected")
	}

	limit := a.view.MaxChunkChars
	if limit <= 0 || limit > discordMaxMessageChars {
		limit = discordMaxMessageChars
	}

	var lastID string
	for i, chunk := range channels.ChunkText(content, limit) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && replyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: chatID}
		}
		sent, err := session.ChannelMessageSendComplex(chatID, send, discordgo.WithContext(ctx))
		if err != nil {
			return "", fmt.Errorf("send discord message: %w", err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

// SendMarkdownCard sends the content as a plain message; Discord renders
// Markdown natively.
func (a *Adapter) SendMarkdownCard(ctx context.Context, chatID, content string) (string, error) {
	return a.SendText(ctx, chatID, content, "")
}

// SendCard posts an editable message used for in-place progress updates.
// The card id is "channelID:messageID" so PatchCard needs no extra state.
func (a *Adapter) SendCard(ctx context.Context, chatID, content string) (string, error) {
	msgID, err := a.SendText(ctx, chatID, content, "")
	if err != nil {
		return "", err
	}
	return chatID + ":" + msgID, nil
}

// PatchCard edits the progress message in place.
func (a *Adapter) PatchCard(ctx context.Context, cardID, content string) error {
	session := a.liveSession()
	if session == nil {
		return fmt.Errorf("discord session not connected")
	}

	chatID, msgID, err := splitCardID(cardID)
	if err != nil {
		return err
	}
	content = truncateRunes(content, discordMaxMessageChars)
	if _, err := session.ChannelMessageEdit(chatID, msgID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	return nil
}

func (a *Adapter) liveSession() *discordgo.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	return a.session
}

// truncateRunes cuts s to at most n runes. Discord's limit counts characters,
// and a byte slice could split a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func splitCardID(cardID string) (chatID, msgID string, err error) {
	chatID, msgID, ok := strings.Cut(cardID, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed discord card id %q", cardID)
	}
	return chatID, msgID, nil
}

// displayName prefers server nickname, then global display name, then the
// account username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
