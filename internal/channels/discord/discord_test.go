package discord

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relaygate/internal/channels"
)

func TestFactoryValidatesCredentials(t *testing.T) {
	view := channels.ConfigView{ID: "cfg-1", ChannelType: "discord"}

	if _, err := Factory(view, json.RawMessage(`{}`)); err == nil {
		t.Fatal("missing token accepted")
	}
	if _, err := Factory(view, json.RawMessage(`{"token":"Bot.Token.Here"}`)); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
}

func TestDisplayNamePriority(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
		Member: &discordgo.Member{Nick: "Ally"},
	}}
	if got := displayName(m); got != "Ally" {
		t.Fatalf("nickname not preferred: %q", got)
	}

	m.Member = nil
	if got := displayName(m); got != "Alice G" {
		t.Fatalf("global name not preferred: %q", got)
	}

	m.Author.GlobalName = ""
	if got := displayName(m); got != "alice" {
		t.Fatalf("username fallback broken: %q", got)
	}
}

func TestTruncateRunesKeepsBoundaries(t *testing.T) {
	// Multi-byte runes: a byte-indexed cut would split a sequence.
	s := strings.Repeat("é", 10)

	if got := truncateRunes(s, 10); got != s {
		t.Fatalf("string at the limit was modified: %q", got)
	}

	got := truncateRunes(s, 7)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 7 {
		t.Fatalf("rune count = %d, want 7", n)
	}

	if got := truncateRunes("short", 2000); got != "short" {
		t.Fatalf("short string was modified: %q", got)
	}
}

func TestSplitCardID(t *testing.T) {
	chat, msg, err := splitCardID("chan-1:msg-2")
	if err != nil || chat != "chan-1" || msg != "msg-2" {
		t.Fatalf("got %q %q %v", chat, msg, err)
	}
	if _, _, err := splitCardID("no-separator"); err == nil {
		t.Fatal("malformed id accepted")
	}
}
