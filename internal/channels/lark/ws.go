package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const wsPingInterval = 30 * time.Second

// wsFrame is the event-stream envelope: events carry the callback payload,
// pings keep the connection warm.
type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wsStream is the long-lived event connection. One per adapter; the
// connection manager handles reconnects, so a dead stream just reports
// through onClose.
type wsStream struct {
	conn    *websocket.Conn
	onEvent func(payload []byte)
	onClose func(error)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// dialWS connects to the event endpoint. No compression is negotiated.
func dialWS(ctx context.Context, wsURL string, onEvent func([]byte), onClose func(error)) (*wsStream, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("lark ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	s := &wsStream{
		conn:    conn,
		onEvent: onEvent,
		onClose: onClose,
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

func (s *wsStream) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			if !s.isClosed() && s.onClose != nil {
				s.onClose(fmt.Errorf("lark ws read: %w", err))
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("lark ws: unparseable frame", "error", err)
			continue
		}
		if frame.Type == "event" && s.onEvent != nil {
			s.onEvent(frame.Payload)
		}
	}
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				if !s.isClosed() && s.onClose != nil {
					s.onClose(fmt.Errorf("lark ws ping: %w", err))
				}
				return
			}
		}
	}
}

func (s *wsStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close shuts the stream down and waits for the read loop to exit.
func (s *wsStream) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.Close(websocket.StatusNormalClosure, "shutdown")

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lark ws reader did not exit: %w", ctx.Err())
	}
}
