package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 18890 {
		t.Fatalf("default port = %d", cfg.Server.Port)
	}
	if cfg.Database.Mode != "standalone" {
		t.Fatalf("default mode = %q", cfg.Database.Mode)
	}
	if cfg.Agent.TurnTimeoutSec != 180 {
		t.Fatalf("default turn timeout = %d", cfg.Agent.TurnTimeoutSec)
	}
}

func TestLoadJSON5WithChannels(t *testing.T) {
	path := writeConfig(t, `{
		// comments are allowed
		server: { host: "127.0.0.1", port: 9000 },
		channels: [
			{
				id: "tg-main",
				project_id: "acme",
				channel_type: "telegram",
				enabled: true,
				credentials: { token: "123:abc" },
				dm_policy: "allowlist",
				dm_allow_from: ["42"],
			},
		],
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if len(cfg.Channels) != 1 {
		t.Fatalf("channels = %d", len(cfg.Channels))
	}
	ch := cfg.Channels[0]
	if ch.ID != "tg-main" || ch.ChannelType != "telegram" || !ch.Enabled {
		t.Fatalf("channel = %+v", ch)
	}
	if len(ch.Credentials) == 0 {
		t.Fatal("credentials blob not captured")
	}
	if ch.DMPolicy != "allowlist" || len(ch.DMAllowFrom) != 1 {
		t.Fatalf("policy = %q allow = %v", ch.DMPolicy, ch.DMAllowFrom)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYGATE_POSTGRES_DSN", "postgres://u:p@h/db")
	t.Setenv("RELAYGATE_PORT", "7777")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.PostgresDSN != "postgres://u:p@h/db" {
		t.Fatal("DSN not taken from env")
	}
	// A DSN implies managed mode unless explicitly set.
	if cfg.Database.Mode != "managed" {
		t.Fatalf("mode = %q, want managed", cfg.Database.Mode)
	}
	if cfg.Server.Port != 7777 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if !cfg.IsManagedMode() {
		t.Fatal("IsManagedMode = false")
	}
}

func TestValidateRejectsBadChannels(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{channels: [{project_id: "p", channel_type: "telegram"}]}`},
		{"missing project", `{channels: [{id: "a", channel_type: "telegram"}]}`},
		{"unknown type", `{channels: [{id: "a", project_id: "p", channel_type: "carrier-pigeon"}]}`},
		{"duplicate id", `{channels: [
			{id: "a", project_id: "p", channel_type: "telegram"},
			{id: "a", project_id: "p", channel_type: "discord"},
		]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Fatalf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
