package telegram

import (
	"encoding/json"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/sessions"
)

func TestFactoryValidatesCredentials(t *testing.T) {
	view := channels.ConfigView{ID: "cfg-1", ChannelType: "telegram"}

	if _, err := Factory(view, json.RawMessage(`{"token":""}`)); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := Factory(view, json.RawMessage(`not json`)); err == nil {
		t.Fatal("malformed credentials accepted")
	}
	a, err := Factory(view, json.RawMessage(`{"token":"123:abc"}`))
	if err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if a.Connected() {
		t.Fatal("adapter connected before Connect")
	}
}

func TestDeliverMapsUpdate(t *testing.T) {
	a := &Adapter{botID: 42, botName: "relaybot"}
	var got []channels.Message
	a.onMessage = func(m channels.Message) { got = append(got, m) }

	a.deliver(&telego.Message{
		MessageID:       7,
		Date:            1700000000,
		Text:            "hello @relaybot",
		Chat:            telego.Chat{ID: -100123, Type: telego.ChatTypeSupergroup},
		From:            &telego.User{ID: 9, Username: "alice"},
		IsTopicMessage:  true,
		MessageThreadID: 55,
		Entities: []telego.MessageEntity{
			{Type: telego.EntityTypeMention, Offset: 6, Length: 9},
		},
	})

	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	m := got[0]
	if m.NativeID != "7" || m.ChatID != "-100123" || m.SenderID != "9" {
		t.Fatalf("identity fields wrong: %+v", m)
	}
	if m.Scope != sessions.ScopeGroup {
		t.Fatalf("scope = %v, want group", m.Scope)
	}
	if m.TopicID != "55" {
		t.Fatalf("topic = %q, want 55", m.TopicID)
	}
	if !m.Mentioned {
		t.Fatal("@mention not detected")
	}
}

func TestDetectMentionAfterNonASCIIText(t *testing.T) {
	a := &Adapter{botID: 42, botName: "relaybot"}

	// "😀" is two UTF-16 code units but four bytes; the entity offset counts
	// code units, so byte slicing would misdetect this mention.
	msg := &telego.Message{
		Text: "😀 @relaybot hello",
		Entities: []telego.MessageEntity{
			{Type: telego.EntityTypeMention, Offset: 3, Length: 9},
		},
	}
	if !a.detectMention(msg) {
		t.Fatal("mention after emoji not detected")
	}

	// Out-of-range entity bounds are ignored, not a panic.
	msg.Entities = []telego.MessageEntity{
		{Type: telego.EntityTypeMention, Offset: 3, Length: 100},
	}
	if a.detectMention(msg) {
		t.Fatal("out-of-range entity treated as mention")
	}
}

func TestDetectMentionViaReply(t *testing.T) {
	a := &Adapter{botID: 42, botName: "relaybot"}

	msg := &telego.Message{
		Text: "sounds good",
		ReplyToMessage: &telego.Message{
			From: &telego.User{ID: 42},
		},
	}
	if !a.detectMention(msg) {
		t.Fatal("reply to bot not treated as mention")
	}

	msg.ReplyToMessage.From.ID = 1
	if a.detectMention(msg) {
		t.Fatal("reply to other user treated as mention")
	}
}

func TestDeliverMarksOwnBotEcho(t *testing.T) {
	a := &Adapter{botID: 42, botName: "relaybot"}
	var got []channels.Message
	a.onMessage = func(m channels.Message) { got = append(got, m) }

	a.deliver(&telego.Message{
		MessageID: 8,
		Text:      "echo",
		Chat:      telego.Chat{ID: 5, Type: telego.ChatTypePrivate},
		From:      &telego.User{ID: 42, IsBot: true},
	})

	if len(got) != 1 || !got[0].SenderIsBot {
		t.Fatalf("own message not flagged as bot echo: %+v", got)
	}
}
