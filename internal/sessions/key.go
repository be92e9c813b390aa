// Package sessions — deterministic session key derivation.
//
// Session keys bind one (project, channel, chat scope) tuple to exactly one
// conversation. The canonical format is:
//
//	proj:{projectID}:{channelType}:{configID}:{dm|group}:{chatID}
//
// with optional suffixes for threaded scopes:
//
//	...:topic:{topicID}
//	...:thread:{threadID}
//
// Examples:
//
//	proj:acme:telegram:tg-main:dm:386246614
//	proj:acme:lark:lark-eu:group:oc_88aa
//	proj:acme:telegram:tg-main:group:-100123456:topic:99
//
// The same inputs always yield the same key; changing any input changes it.
package sessions

import (
	"fmt"
	"strings"
)

// ChatScope distinguishes direct-message from group conversations.
type ChatScope string

const (
	ScopeDM    ChatScope = "dm"
	ScopeGroup ChatScope = "group"
)

// KeyInput carries the identifying parts of a channel conversation.
type KeyInput struct {
	ProjectID   string
	ChannelType string
	ConfigID    string
	Scope       ChatScope
	ChatID      string
	TopicID     string // optional, forum topic
	ThreadID    string // optional, message thread
}

// Key derives the canonical session key for the input.
func Key(in KeyInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "proj:%s:%s:%s:%s:%s", in.ProjectID, in.ChannelType, in.ConfigID, in.Scope, in.ChatID)
	if in.TopicID != "" {
		fmt.Fprintf(&b, ":topic:%s", in.TopicID)
	}
	if in.ThreadID != "" {
		fmt.Fprintf(&b, ":thread:%s", in.ThreadID)
	}
	return b.String()
}

// ScopeFromGroup returns ScopeGroup when isGroup is true, ScopeDM otherwise.
func ScopeFromGroup(isGroup bool) ChatScope {
	if isGroup {
		return ScopeGroup
	}
	return ScopeDM
}

// ProjectOf extracts the project id from a canonical key.
// Returns "" if the key is not in the expected format.
func ProjectOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "proj" {
		return ""
	}
	return parts[1]
}
