// Package config owns the gateway configuration: a JSON5 file for structure,
// environment variables for every secret. Channel endpoint definitions from
// the file are seeded into the config store at startup so file edits and
// API/DB edits converge on the same reconciliation path.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the root configuration for the relaygate gateway.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	Reconcile ReconcileConfig `json:"reconcile,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Channels  []ChannelSeed   `json:"channels,omitempty"`
}

// ServerConfig configures the event fan-out / status HTTP server.
type ServerConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"` // from env RELAYGATE_GATEWAY_TOKEN only
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file (secret) — only from env
// RELAYGATE_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"-"`              // from env RELAYGATE_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode reports whether the gateway runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// AgentConfig points at the agent execution platform.
type AgentConfig struct {
	Endpoint       string `json:"endpoint"`
	Token          string `json:"-"` // from env RELAYGATE_AGENT_TOKEN only
	TurnTimeoutSec int    `json:"turn_timeout_sec,omitempty"`
}

// ReconcileConfig tunes the periodic reconciliation sweep.
type ReconcileConfig struct {
	IntervalSec int    `json:"interval_sec,omitempty"`
	Cron        string `json:"cron,omitempty"` // optional cron expression, gates the sweep
}

// TelemetryConfig configures OpenTelemetry OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext, local dev only
	ServiceName string            `json:"service_name,omitempty"` // default "relaygate"
	Headers     map[string]string `json:"headers,omitempty"`
}

// ChannelSeed is one channel endpoint declared in the config file. Seeds are
// upserted into the config store at startup and on file change; the store's
// revision counter drives connection restarts.
type ChannelSeed struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	ChannelType string          `json:"channel_type"`
	Name        string          `json:"name,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Enabled     bool            `json:"enabled"`

	RateLimitWindowSec int `json:"rate_limit_window_sec,omitempty"`
	RateLimitMax       int `json:"rate_limit_max,omitempty"`

	DMPolicy       string   `json:"dm_policy,omitempty"`
	GroupPolicy    string   `json:"group_policy,omitempty"`
	DMAllowFrom    []string `json:"dm_allow_from,omitempty"`
	GroupAllowFrom []string `json:"group_allow_from,omitempty"`
	RequireMention bool     `json:"require_mention,omitempty"`

	MaxChunkChars int `json:"max_chunk_chars,omitempty"`
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Database.Mode == "managed" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("managed mode requires RELAYGATE_POSTGRES_DSN")
	}
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		seen[ch.ID] = true
		if ch.ProjectID == "" {
			return fmt.Errorf("channel %s: project_id is required", ch.ID)
		}
		switch ch.ChannelType {
		case "telegram", "discord", "lark":
		default:
			return fmt.Errorf("channel %s: unknown channel_type %q", ch.ID, ch.ChannelType)
		}
	}
	return nil
}

// ExpandHome expands a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values; secrets only ever come from env.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("RELAYGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("RELAYGATE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("RELAYGATE_GATEWAY_TOKEN", &c.Server.Token)
	envStr("RELAYGATE_AGENT_ENDPOINT", &c.Agent.Endpoint)
	envStr("RELAYGATE_AGENT_TOKEN", &c.Agent.Token)
	envStr("RELAYGATE_HOST", &c.Server.Host)
	if v := os.Getenv("RELAYGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if c.Database.PostgresDSN != "" && c.Database.Mode == "" {
		c.Database.Mode = "managed"
	}
}
