package sessions

import "testing"

func TestKey_Deterministic(t *testing.T) {
	in := KeyInput{
		ProjectID:   "acme",
		ChannelType: "telegram",
		ConfigID:    "tg-main",
		Scope:       ScopeDM,
		ChatID:      "386246614",
	}
	if Key(in) != Key(in) {
		t.Fatal("identical inputs produced different keys")
	}
	if got, want := Key(in), "proj:acme:telegram:tg-main:dm:386246614"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestKey_EveryFieldChangesKey(t *testing.T) {
	base := KeyInput{
		ProjectID:   "acme",
		ChannelType: "telegram",
		ConfigID:    "tg-main",
		Scope:       ScopeGroup,
		ChatID:      "-100123",
		TopicID:     "7",
		ThreadID:    "42",
	}

	variants := []struct {
		name   string
		mutate func(KeyInput) KeyInput
	}{
		{"project", func(in KeyInput) KeyInput { in.ProjectID = "other"; return in }},
		{"channel type", func(in KeyInput) KeyInput { in.ChannelType = "discord"; return in }},
		{"config id", func(in KeyInput) KeyInput { in.ConfigID = "tg-alt"; return in }},
		{"scope", func(in KeyInput) KeyInput { in.Scope = ScopeDM; return in }},
		{"chat id", func(in KeyInput) KeyInput { in.ChatID = "-100999"; return in }},
		{"topic", func(in KeyInput) KeyInput { in.TopicID = "8"; return in }},
		{"thread", func(in KeyInput) KeyInput { in.ThreadID = "43"; return in }},
	}

	baseKey := Key(base)
	for _, tt := range variants {
		t.Run(tt.name, func(t *testing.T) {
			if Key(tt.mutate(base)) == baseKey {
				t.Errorf("changing %s did not change the key", tt.name)
			}
		})
	}
}

func TestKey_OptionalSuffixes(t *testing.T) {
	in := KeyInput{ProjectID: "p", ChannelType: "lark", ConfigID: "c1", Scope: ScopeGroup, ChatID: "oc_1"}
	if got, want := Key(in), "proj:p:lark:c1:group:oc_1"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
	in.TopicID = "99"
	if got, want := Key(in), "proj:p:lark:c1:group:oc_1:topic:99"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestProjectOf(t *testing.T) {
	if got := ProjectOf("proj:acme:telegram:tg:dm:1"); got != "acme" {
		t.Fatalf("ProjectOf = %q, want acme", got)
	}
	if got := ProjectOf("garbage"); got != "" {
		t.Fatalf("ProjectOf(garbage) = %q, want empty", got)
	}
}

func TestScopeFromGroup(t *testing.T) {
	if ScopeFromGroup(true) != ScopeGroup || ScopeFromGroup(false) != ScopeDM {
		t.Fatal("ScopeFromGroup mapping wrong")
	}
}
