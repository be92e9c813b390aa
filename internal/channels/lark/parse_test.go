package lark

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/sessions"
)

func TestParseContentText(t *testing.T) {
	got := parseContent(`{"text":"hello @_user_1 world"}`, "text")
	if got != "hello @_user_1 world" {
		t.Fatalf("got %q", got)
	}
}

func TestParseContentPost(t *testing.T) {
	raw := `{"zh_cn":{"content":[[{"tag":"text","text":"line one "},{"tag":"a","text":"link","href":"https://example.com"}],[{"tag":"md","text":"line two"}]]}}`
	got := parseContent(raw, "post")
	want := "line one [link](https://example.com)\nline two"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseContentFallbacks(t *testing.T) {
	if got := parseContent(`{"image_key":"img_x"}`, "image"); got != "[image]" {
		t.Fatalf("image: %q", got)
	}
	if got := parseContent(`{"file_name":"report.pdf"}`, "file"); got != "[file: report.pdf]" {
		t.Fatalf("file: %q", got)
	}
	if got := parseContent(`{}`, "sticker"); got != "[sticker message]" {
		t.Fatalf("sticker: %q", got)
	}
}

func TestStripMentionKeys(t *testing.T) {
	got := stripMentionKeys("@_user_1 do the thing", []string{"@_user_1"})
	if got != "do the thing" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveReceiveIDType(t *testing.T) {
	cases := map[string]string{
		"oc_abc123": "chat_id",
		"ou_abc123": "open_id",
		"on_abc123": "union_id",
		"whatever":  "chat_id",
	}
	for id, want := range cases {
		if got := resolveReceiveIDType(id); got != want {
			t.Errorf("resolveReceiveIDType(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestResolveDomain(t *testing.T) {
	cases := map[string]string{
		"":                    "https://open.larksuite.com",
		"lark":                "https://open.larksuite.com",
		"feishu":              "https://open.feishu.cn",
		"custom.example.com":  "https://custom.example.com",
		"https://self.hosted": "https://self.hosted",
	}
	for in, want := range cases {
		if got := resolveDomain(in); got != want {
			t.Errorf("resolveDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildStreamingCard(t *testing.T) {
	var card map[string]any
	if err := json.Unmarshal([]byte(buildStreamingCard("hi")), &card); err != nil {
		t.Fatalf("invalid card json: %v", err)
	}
	cfg, _ := card["config"].(map[string]any)
	if cfg["streaming_mode"] != true {
		t.Fatalf("streaming_mode missing: %v", card)
	}
	if !strings.Contains(buildStreamingCard(""), streamElementID) {
		t.Fatal("element id missing from card body")
	}
}

func TestHandleMessageEventDedup(t *testing.T) {
	a := &Adapter{botOpenID: "ou_bot"}
	var got []channels.Message
	a.onMessage = func(m channels.Message) { got = append(got, m) }

	payload := `{
		"header": {"event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_alice"}, "sender_type": "user"},
			"message": {
				"message_id": "om_1", "chat_id": "oc_x", "chat_type": "group",
				"message_type": "text", "content": "{\"text\":\"@_user_1 hi\"}",
				"mentions": [{"key": "@_user_1", "id": {"open_id": "ou_bot"}, "name": "bot"}]
			}
		}
	}`
	a.handleEventPayload([]byte(payload))
	a.handleEventPayload([]byte(payload))

	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if !got[0].Mentioned {
		t.Fatal("bot mention not detected")
	}
	if got[0].Content != "hi" {
		t.Fatalf("mention key not stripped: %q", got[0].Content)
	}
	if got[0].Scope != sessions.ScopeGroup {
		t.Fatalf("scope = %v, want group", got[0].Scope)
	}
}
