// Package config defines the configuration schema for lunamoth.
//
// The config lives at ~/.lunamoth/config.json. JSON keys use camelCase.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ProviderConfig holds credentials for one LLM provider.
type ProviderConfig struct {
	APIKey       string            `json:"apiKey"`
	APIBase      string            `json:"apiBase,omitempty"`
	ExtraHeaders map[string]string `json:"extraHeaders,omitempty"`
}

// ProvidersConfig holds credentials for the supported LLM providers.
type ProvidersConfig struct {
	Custom     ProviderConfig `json:"custom"`
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	DeepSeek   ProviderConfig `json:"deepseek"`
}

// AgentDefaults holds default values for the main agent loop.
type AgentDefaults struct {
	Workspace    string  `json:"workspace"`
	Model        string  `json:"model"`
	MaxTokens    int     `json:"maxTokens"`
	Temperature  float64 `json:"temperature"`
	MaxToolIter  int     `json:"maxToolIterations"`
	MaxRetries   int     `json:"maxRetries"`
	MemoryWindow int     `json:"memoryWindow"`
}

func defaultAgentDefaults() AgentDefaults {
	return AgentDefaults{
		Workspace:    "~/.lunamoth/workspace",
		Model:        "anthropic/claude-sonnet-4-5",
		MaxTokens:    8192,
		Temperature:  0.7,
		MaxToolIter:  20,
		MaxRetries:   3,
		MemoryWindow: 50,
	}
}

// AgentsConfig wraps agent defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"token"`
	AllowFrom      []string `json:"allowFrom"`
	ReplyToMessage bool     `json:"replyToMessage"`
}

// SlackConfig configures the Slack channel (socket mode).
type SlackConfig struct {
	Enabled   bool     `json:"enabled"`
	BotToken  string   `json:"botToken"`
	AppToken  string   `json:"appToken"`
	AllowFrom []string `json:"allowFrom"`
}

// WebSocketConfig configures the local websocket console channel.
type WebSocketConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// ChannelsConfig holds per-channel settings. The CLI channel is always on.
type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Slack     SlackConfig     `json:"slack"`
	WebSocket WebSocketConfig `json:"websocket"`
}

// ToolsConfig holds tool subsystem settings.
type ToolsConfig struct {
	RestrictToWorkspace bool   `json:"restrictToWorkspace"`
	ExecTimeoutSeconds  int    `json:"execTimeoutSeconds"`
	BraveAPIKey         string `json:"braveApiKey"`
	WebMaxChars         int    `json:"webMaxChars"`
}

// BusConfig holds message-bus settings.
type BusConfig struct {
	QueueSize   int `json:"queueSize"`   // per-session queue bound
	DedupWindow int `json:"dedupWindow"` // adapter event ids remembered per session
	SendRetries int `json:"sendRetries"` // outbound delivery attempts
}

// LocksConfig holds lock-manager settings.
type LocksConfig struct {
	LeaseMs          int64 `json:"leaseMs"`          // forced release after this hold time
	AcquireTimeoutMs int64 `json:"acquireTimeoutMs"` // default acquisition timeout
}

func (l LocksConfig) Lease() time.Duration          { return time.Duration(l.LeaseMs) * time.Millisecond }
func (l LocksConfig) AcquireTimeout() time.Duration {
	return time.Duration(l.AcquireTimeoutMs) * time.Millisecond
}

// SchedulerConfig holds scheduler settings.
// CatchUp controls missed-run handling after a restart:
// "once" fires each overdue job a single time, "skip" recomputes without firing.
type SchedulerConfig struct {
	TickSeconds int    `json:"tickSeconds"`
	CatchUp     string `json:"catchUp"`
}

// SubagentsConfig bounds background subagent execution.
type SubagentsConfig struct {
	MaxConcurrent  int `json:"maxConcurrent"`
	TimeoutSeconds int `json:"timeoutSeconds"`
	MaxToolIter    int `json:"maxToolIterations"`
}

// SelfAgentConfig configures the reflection engine.
type SelfAgentConfig struct {
	Enabled             bool   `json:"enabled"`
	Model               string `json:"model,omitempty"` // empty = agent default
	IntervalSeconds     int    `json:"intervalSeconds"`
	Marker              string `json:"marker"`
	MaxIter             int    `json:"maxIterations"`
	RepeatToolThreshold int    `json:"repeatToolThreshold"`
	CycleIterThreshold  int    `json:"cycleIterThreshold"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	IdleTimeoutMinutes int `json:"idleTimeoutMinutes"`
}

// HeartbeatConfig holds the workspace HEARTBEAT.md check interval.
type HeartbeatConfig struct {
	IntervalMinutes int `json:"intervalMinutes"`
}

// Config is the root configuration object.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Tools     ToolsConfig     `json:"tools"`
	Bus       BusConfig       `json:"bus"`
	Locks     LocksConfig     `json:"locks"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Subagents SubagentsConfig `json:"subagents"`
	SelfAgent SelfAgentConfig `json:"selfAgent"`
	Session   SessionConfig   `json:"session"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	return Config{
		Agents: AgentsConfig{Defaults: defaultAgentDefaults()},
		Channels: ChannelsConfig{
			Telegram:  TelegramConfig{AllowFrom: []string{}},
			Slack:     SlackConfig{AllowFrom: []string{}},
			WebSocket: WebSocketConfig{Port: 18890},
		},
		Tools: ToolsConfig{
			RestrictToWorkspace: false,
			ExecTimeoutSeconds:  60,
			WebMaxChars:         50000,
		},
		Bus: BusConfig{
			QueueSize:   32,
			DedupWindow: 256,
			SendRetries: 3,
		},
		Locks: LocksConfig{
			LeaseMs:          30_000,
			AcquireTimeoutMs: 5_000,
		},
		Scheduler: SchedulerConfig{
			TickSeconds: 5,
			CatchUp:     "once",
		},
		Subagents: SubagentsConfig{
			MaxConcurrent:  3,
			TimeoutSeconds: 600,
			MaxToolIter:    15,
		},
		SelfAgent: SelfAgentConfig{
			Enabled:             false,
			IntervalSeconds:     300,
			Marker:              "潜意识:",
			MaxIter:             10,
			RepeatToolThreshold: 5,
			CycleIterThreshold:  15,
		},
		Session:   SessionConfig{IdleTimeoutMinutes: 720},
		Heartbeat: HeartbeatConfig{IntervalMinutes: 30},
	}
}

// WorkspacePath returns the agent workspace with ~ expanded.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// MatchProvider returns the provider credentials for a model string of the
// form "provider/model". Unknown prefixes fall back to the custom provider.
func (c *Config) MatchProvider(model string) (name string, p ProviderConfig) {
	prefix := model
	if i := strings.Index(model, "/"); i > 0 {
		prefix = model[:i]
	}
	switch strings.ToLower(prefix) {
	case "anthropic":
		return "anthropic", c.Providers.Anthropic
	case "openai", "gpt-4o", "gpt-4", "o1", "o3":
		return "openai", c.Providers.OpenAI
	case "openrouter":
		return "openrouter", c.Providers.OpenRouter
	case "deepseek":
		return "deepseek", c.Providers.DeepSeek
	default:
		return "custom", c.Providers.Custom
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}
