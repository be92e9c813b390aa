package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout      = 10 * time.Second
	eventReadTimeout = 5 * time.Minute
)

// turnFrame is the wire form of a turn request.
type turnFrame struct {
	ConversationID string            `json:"conversation_id"`
	Text           string            `json:"text"`
	ProjectID      string            `json:"project_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
	Files          []FileMeta        `json:"files,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// Client is a WebSocket Runner against the agent platform. Each turn opens
// its own connection: turns are long-lived and infrequent relative to chat
// traffic, and a connection per turn keeps failure isolation trivial.
type Client struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer
}

// NewClient creates a Runner for the platform's turn endpoint
// (ws://host/v1/turns or wss://...).
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// StreamTurn sends the request and returns the event channel. The channel is
// closed when a terminal event arrives, the platform closes the socket, or
// ctx is cancelled.
func (c *Client) StreamTurn(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial agent platform: %w", err)
	}

	frame := turnFrame{
		ConversationID: req.ConversationID.String(),
		Text:           req.Text,
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
		TenantID:       req.TenantID,
		Files:          req.FileMetadata,
		Context:        req.Context,
	}
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send turn request: %w", err)
	}

	events := make(chan TurnEvent, 16)
	go c.readEvents(ctx, conn, events)
	return events, nil
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn, events chan<- TurnEvent) {
	defer close(events)
	defer conn.Close()

	// Unblock the read loop when the caller gives up on the turn.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(eventReadTimeout))

		var ev TurnEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				slog.Debug("agent stream ended", "error", err)
			}
			return
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}

		if ev.Terminal() {
			return
		}
	}
}
