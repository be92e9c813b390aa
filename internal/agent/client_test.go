package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// fakePlatform upgrades, reads one turn frame, and replays the scripted
// events.
func fakePlatform(t *testing.T, script []TurnEvent, wantToken string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var frame turnFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read turn frame: %v", err)
			return
		}
		if frame.Text == "" || frame.ConversationID == "" {
			t.Errorf("incomplete frame: %+v", frame)
		}
		for _, ev := range script {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestStreamTurnDeliversEvents(t *testing.T) {
	script := []TurnEvent{
		{Type: EventThought},
		{Type: EventTextDelta, Text: "Hello"},
		{Type: EventTextDelta, Text: " world"},
		{Type: EventComplete, Text: "Hello world"},
	}
	srv := fakePlatform(t, script, "secret")
	defer srv.Close()

	client := NewClient(wsURL(srv), "secret")
	events, err := client.StreamTurn(context.Background(), TurnRequest{
		ConversationID: uuid.New(),
		Text:           "hi",
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	var got []TurnEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != len(script) {
		t.Fatalf("events = %d, want %d", len(got), len(script))
	}
	last := got[len(got)-1]
	if !last.Terminal() || last.Text != "Hello world" {
		t.Fatalf("terminal event wrong: %+v", last)
	}
}

func TestStreamTurnRejectsBadToken(t *testing.T) {
	srv := fakePlatform(t, nil, "secret")
	defer srv.Close()

	client := NewClient(wsURL(srv), "wrong")
	if _, err := client.StreamTurn(context.Background(), TurnRequest{ConversationID: uuid.New(), Text: "hi"}); err == nil {
		t.Fatal("bad token accepted")
	}
}

func TestStreamTurnCancelClosesChannel(t *testing.T) {
	// Platform that never sends a terminal event.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame turnFrame
		conn.ReadJSON(&frame)
		conn.WriteJSON(TurnEvent{Type: EventThought})
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(wsURL(srv), "")
	events, err := client.StreamTurn(ctx, TurnRequest{ConversationID: uuid.New(), Text: "hi"})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	<-events // thought
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			// Drain anything in flight; channel must close promptly.
			for range events {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after cancel")
	}
}
