package config

import (
	"time"
)

// Config is the root configuration for the NeoMAGI gateway. It is
// fixed once Load returns; callers read fields directly.
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Providers  ProvidersConfig  `json:"providers"`
	Gateway    GatewayConfig    `json:"gateway"`
	Channels   ChannelsConfig   `json:"channels"`
	Session    SessionConfig    `json:"session"`
	Context    ContextConfig    `json:"context"`
	Compaction CompactionConfig `json:"compaction"`
	Memory     MemoryConfig     `json:"memory"`
	Budget     BudgetConfig     `json:"budget"`
	Tools      ToolsConfig      `json:"tools,omitempty"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig  `json:"tailscale,omitempty"`
}

// AgentConfig holds agent-level defaults.
type AgentConfig struct {
	Workspace         string `json:"workspace"`
	Provider          string `json:"provider"`
	MaxTokens         int    `json:"max_tokens"`
	MaxToolIterations int    `json:"max_tool_iterations"`

	// Per-file char budget when loading workspace anchor files into the prompt.
	WorkspaceFileMaxChars int `json:"workspace_file_max_chars,omitempty"`
}

// ProvidersConfig holds per-provider model-client settings.
// API keys come from env only and never persist in config.json.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai,omitempty"`
	OpenRouter ProviderConfig `json:"openrouter,omitempty"`
	DeepSeek   ProviderConfig `json:"deepseek,omitempty"`
	Groq       ProviderConfig `json:"groq,omitempty"`
}

// ProviderConfig configures one OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey  string `json:"-"` // env only
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// GatewayConfig configures the WebSocket/HTTP listener.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"-"` // from env NEOMAGI_GATEWAY_TOKEN only
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	RateLimitRPM    int      `json:"rate_limit_rpm"`
	MaxMessageChars int      `json:"max_message_chars"`
}

// ChannelsConfig holds channel adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig configures the Telegram DM adapter.
type TelegramConfig struct {
	Enabled       bool     `json:"enabled"`
	Token         string   `json:"-"` // from env NEOMAGI_TELEGRAM_TOKEN only
	AllowFrom     []string `json:"allow_from,omitempty"`
	Proxy         string   `json:"proxy,omitempty"`
	MediaMaxBytes int64    `json:"media_max_bytes,omitempty"`
}

// SessionConfig holds session claim and mode settings.
type SessionConfig struct {
	LockTTLSeconds int    `json:"lock_ttl_seconds"`
	DefaultMode    string `json:"default_mode"`
	DMScope        string `json:"dm_scope"` // "main", "per-channel-peer", "per-peer"
}

// LockTTL returns the lock TTL as a duration.
func (s SessionConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

// ContextConfig holds the token-budget thresholds.
// Usable budget = limit - reserved_output - safety_margin.
type ContextConfig struct {
	Limit          int     `json:"limit"`
	ReservedOutput int     `json:"reserved_output"`
	SafetyMargin   int     `json:"safety_margin"`
	WarnRatio      float64 `json:"warn_ratio"`
	CompactRatio   float64 `json:"compact_ratio"`
}

// CompactionConfig configures the context-compaction engine.
type CompactionConfig struct {
	MinPreservedTurns        int     `json:"min_preserved_turns"`
	FlushTimeoutSeconds      int     `json:"flush_timeout_s"`
	CompactTimeoutSeconds    int     `json:"compact_timeout_s"`
	MaxFlushCandidates       int     `json:"max_flush_candidates"`
	MaxCandidateTextBytes    int     `json:"max_candidate_text_bytes"`
	MaxCompactionsPerRequest int     `json:"max_compactions_per_request"`
	SummaryTemperature       float64 `json:"summary_temperature"`
	AnchorRetry              bool    `json:"anchor_retry"`
}

// FlushTimeout returns the flush-extraction timeout as a duration.
func (c CompactionConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutSeconds) * time.Second
}

// CompactTimeout returns the summarization timeout as a duration.
func (c CompactionConfig) CompactTimeout() time.Duration {
	return time.Duration(c.CompactTimeoutSeconds) * time.Second
}

// MemoryConfig configures the daily-notes store and recall.
type MemoryConfig struct {
	FlushMinConfidence float64 `json:"flush_min_confidence"`
	DailyNoteMaxBytes  int64   `json:"daily_note_max_bytes"`
	RecallMaxTokens    int     `json:"recall_max_tokens"`
	RecallEntryChars   int     `json:"recall_entry_chars"`
	CuratorCron        string  `json:"curator_cron,omitempty"` // empty = disabled
	WatchNotes         bool    `json:"watch_notes"`
}

// BudgetConfig holds the cross-provider spending thresholds in euro.
type BudgetConfig struct {
	WarnEUR    float64 `json:"warn_eur"`
	StopEUR    float64 `json:"stop_eur"`
	ReserveEUR float64 `json:"reserve_eur"`
}

// ToolsConfig holds tool-layer settings.
type ToolsConfig struct {
	ShellTimeoutSeconds int                        `json:"shell_timeout_s,omitempty"`
	MCPServers          map[string]MCPServerConfig `json:"mcp_servers,omitempty"`
}

// MCPServerConfig describes one external MCP tool server.
// AllowedModes defaults to empty, which keeps ingested tools fail-closed.
type MCPServerConfig struct {
	Enabled        *bool             `json:"enabled,omitempty"` // nil = enabled
	Transport      string            `json:"transport"`         // "stdio", "sse" or "http"
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	URL            string            `json:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ToolPrefix     string            `json:"tool_prefix,omitempty"`
	TimeoutSeconds int               `json:"timeout_s,omitempty"`
	AllowedModes   []string          `json:"allowed_modes,omitempty"`
}

// IsEnabled reports whether the server should be connected (default true).
func (c MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DatabaseConfig configures Postgres.
// PostgresDSN is never read from config.json, only from env NEOMAGI_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env NEOMAGI_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}
