package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:             "~/.neomagi/workspace",
			Provider:              "openai",
			MaxTokens:             8192,
			MaxToolIterations:     10,
			WorkspaceFileMaxChars: 20000,
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			RateLimitRPM:    20,
			MaxMessageChars: 32000,
		},
		Session: SessionConfig{
			LockTTLSeconds: 60,
			DefaultMode:    "chat_safe",
			DMScope:        "main",
		},
		Context: ContextConfig{
			Limit:          128000,
			ReservedOutput: 8000,
			SafetyMargin:   2000,
			WarnRatio:      0.7,
			CompactRatio:   0.85,
		},
		Compaction: CompactionConfig{
			MinPreservedTurns:        3,
			FlushTimeoutSeconds:      10,
			CompactTimeoutSeconds:    120,
			MaxFlushCandidates:       20,
			MaxCandidateTextBytes:    2000,
			MaxCompactionsPerRequest: 2,
			SummaryTemperature:       0.3,
			AnchorRetry:              true,
		},
		Memory: MemoryConfig{
			FlushMinConfidence: 0.6,
			DailyNoteMaxBytes:  65536,
			RecallMaxTokens:    1500,
			RecallEntryChars:   400,
			WatchNotes:         true,
		},
		Budget: BudgetConfig{
			WarnEUR:    20.00,
			StopEUR:    25.00,
			ReserveEUR: 0.05,
		},
		Tools: ToolsConfig{
			ShellTimeoutSeconds: 60,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Provider API keys (env only)
	envStr("NEOMAGI_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("NEOMAGI_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("NEOMAGI_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("NEOMAGI_GROQ_API_KEY", &c.Providers.Groq.APIKey)

	envStr("NEOMAGI_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("NEOMAGI_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}

	// Default provider and workspace
	envStr("NEOMAGI_PROVIDER", &c.Agent.Provider)
	envStr("NEOMAGI_WORKSPACE", &c.Agent.Workspace)

	// Gateway host/port
	envStr("NEOMAGI_HOST", &c.Gateway.Host)
	if v := os.Getenv("NEOMAGI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("NEOMAGI_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Session
	if v := os.Getenv("NEOMAGI_LOCK_TTL_SECONDS"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil && ttl > 0 {
			c.Session.LockTTLSeconds = ttl
		}
	}
	envStr("NEOMAGI_DM_SCOPE", &c.Session.DMScope)
	envStr("NEOMAGI_DEFAULT_MODE", &c.Session.DefaultMode)

	// Telemetry
	envStr("NEOMAGI_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NEOMAGI_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NEOMAGI_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("NEOMAGI_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NEOMAGI_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("NEOMAGI_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("NEOMAGI_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("NEOMAGI_TSNET_DIR", &c.Tailscale.StateDir)
}

// Validate rejects configurations that would break runtime invariants.
func (c *Config) Validate() error {
	if c.Session.LockTTLSeconds <= 0 {
		return fmt.Errorf("config: session.lock_ttl_seconds must be > 0, got %d", c.Session.LockTTLSeconds)
	}
	if c.Context.Limit <= 0 {
		return fmt.Errorf("config: context.limit must be > 0, got %d", c.Context.Limit)
	}
	if c.Context.ReservedOutput+c.Context.SafetyMargin >= c.Context.Limit {
		return fmt.Errorf("config: reserved_output + safety_margin (%d) must be < context.limit (%d)",
			c.Context.ReservedOutput+c.Context.SafetyMargin, c.Context.Limit)
	}
	if c.Context.WarnRatio <= 0 || c.Context.WarnRatio > 1 {
		return fmt.Errorf("config: context.warn_ratio must be in (0, 1], got %v", c.Context.WarnRatio)
	}
	if c.Context.CompactRatio <= 0 || c.Context.CompactRatio > 1 {
		return fmt.Errorf("config: context.compact_ratio must be in (0, 1], got %v", c.Context.CompactRatio)
	}
	if c.Context.WarnRatio >= c.Context.CompactRatio {
		return fmt.Errorf("config: warn_ratio (%v) must be < compact_ratio (%v)",
			c.Context.WarnRatio, c.Context.CompactRatio)
	}
	if c.Compaction.MinPreservedTurns < 1 {
		return fmt.Errorf("config: compaction.min_preserved_turns must be >= 1, got %d", c.Compaction.MinPreservedTurns)
	}
	if c.Compaction.MaxCompactionsPerRequest < 0 {
		return fmt.Errorf("config: compaction.max_compactions_per_request must be >= 0, got %d", c.Compaction.MaxCompactionsPerRequest)
	}
	if c.Budget.ReserveEUR <= 0 {
		return fmt.Errorf("config: budget.reserve_eur must be > 0, got %v", c.Budget.ReserveEUR)
	}
	if c.Budget.WarnEUR >= c.Budget.StopEUR {
		return fmt.Errorf("config: budget.warn_eur (%v) must be < budget.stop_eur (%v)",
			c.Budget.WarnEUR, c.Budget.StopEUR)
	}
	switch c.Session.DMScope {
	case "main", "per-channel-peer", "per-peer":
	default:
		return fmt.Errorf("config: session.dm_scope must be one of main, per-channel-peer, per-peer; got %q", c.Session.DMScope)
	}
	return nil
}

// Save writes the config to a JSON file with secrets stripped.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agent.Workspace)
}

// Provider returns the named provider config, or the default provider
// when name is empty. ok is false for unknown names.
func (c *Config) Provider(name string) (ProviderConfig, string, bool) {
	if name == "" {
		name = c.Agent.Provider
	}
	switch name {
	case "openai":
		return c.Providers.OpenAI, name, true
	case "openrouter":
		return c.Providers.OpenRouter, name, true
	case "deepseek":
		return c.Providers.DeepSeek, name, true
	case "groq":
		return c.Providers.Groq, name, true
	}
	return ProviderConfig{}, name, false
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
