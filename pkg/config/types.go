// Package config loads, merges, and validates the hived.yaml configuration.
package config

import (
	"os"
	"time"
)

// Config is the complete runtime configuration, immutable after Initialize.
type Config struct {
	Runtime *RuntimeConfig `yaml:"runtime"`
	LLM     *LLMConfig     `yaml:"llm"`
	Context *ContextConfig `yaml:"context"`
	Tools   *ToolsConfig   `yaml:"tools"`
	Org     *OrgConfig     `yaml:"org"`
	API     *APIConfig     `yaml:"api"`
	Masking *MaskingConfig `yaml:"masking"`
}

// RuntimeConfig controls the scheduler and shutdown behavior.
type RuntimeConfig struct {
	// MaxSteps caps scheduler passes that dispatched work; reaching it requests
	// graceful shutdown. Explicit 0 disables the cap.
	MaxSteps *int `yaml:"maxSteps"`

	// MaxConcurrentHandlers caps turns in flight. 0 = follow llm.maxConcurrentRequests.
	MaxConcurrentHandlers int `yaml:"maxConcurrentHandlers"`

	// IdleWarningMs is how long an agent may sit idle with an empty queue
	// before a one-shot idle warning is emitted.
	IdleWarningMs int `yaml:"idleWarningMs"`

	// ShutdownTimeoutMs bounds the drain phase of graceful shutdown.
	ShutdownTimeoutMs int `yaml:"shutdownTimeoutMs"`
}

// IdleWarning returns the idle warning threshold as a duration.
func (c *RuntimeConfig) IdleWarning() time.Duration {
	return time.Duration(c.IdleWarningMs) * time.Millisecond
}

// ShutdownTimeout returns the drain deadline as a duration.
func (c *RuntimeConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// Steps returns the effective maxSteps value (0 = unlimited).
func (c *RuntimeConfig) Steps() int {
	if c.MaxSteps == nil {
		return 200
	}
	return *c.MaxSteps
}

// HandlerCap returns the effective dispatch cap given the LLM request cap.
func (c *RuntimeConfig) HandlerCap(llmCap int) int {
	if c.MaxConcurrentHandlers > 0 {
		return c.MaxConcurrentHandlers
	}
	return llmCap
}

// LLMConfig controls LLM access: retries, the global request cap, and the
// service registry.
type LLMConfig struct {
	MaxRetries            int                          `yaml:"maxRetries"`
	MaxToolRounds         int                          `yaml:"maxToolRounds"`
	MaxConcurrentRequests int                          `yaml:"maxConcurrentRequests"`
	DefaultService        string                       `yaml:"defaultService"`
	Services              map[string]*LLMServiceConfig `yaml:"services"`
}

// LLMServiceConfig describes one upstream chat-completions service.
type LLMServiceConfig struct {
	Provider        string  `yaml:"provider"` // informational; all services speak the OpenAI shape
	BaseURL         string  `yaml:"baseURL"`
	APIKey          string  `yaml:"apiKey"`    // inline (supports {{.VAR}} expansion)
	APIKeyEnv       string  `yaml:"apiKeyEnv"` // or: name of env var holding the key
	Model           string  `yaml:"model"`
	ContextWindow   int     `yaml:"contextWindow"`
	MaxTokens       int     `yaml:"maxTokens"` // 0 = provider default
	Temperature     float32 `yaml:"temperature"`
	VisionSupported bool    `yaml:"visionSupported"`
}

// ResolveAPIKey returns the API key, preferring the inline value.
func (s *LLMServiceConfig) ResolveAPIKey() string {
	if s.APIKey != "" {
		return s.APIKey
	}
	if s.APIKeyEnv != "" {
		return os.Getenv(s.APIKeyEnv)
	}
	return ""
}

// ContextConfig controls conversation size accounting and compression.
type ContextConfig struct {
	MaxContextMessages int     `yaml:"maxContextMessages"`
	WarningThreshold   float64 `yaml:"warningThreshold"`
	CriticalThreshold  float64 `yaml:"criticalThreshold"`
	HardLimit          float64 `yaml:"hardLimit"`
	CompressKeepRecent int     `yaml:"compressKeepRecent"`
}

// ToolsConfig controls tool execution limits.
type ToolsConfig struct {
	CommandTimeoutMs    int      `yaml:"commandTimeoutMs"`
	JavascriptTimeoutMs int      `yaml:"javascriptTimeoutMs"`
	MaxCodeBytes        int      `yaml:"maxCodeBytes"`
	MaxResultBytes      int      `yaml:"maxResultBytes"`
	ToolIntentPatterns  []string `yaml:"toolIntentPatterns"` // empty disables the heuristic
}

// CommandTimeout returns the run_command deadline.
func (c *ToolsConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// JavascriptTimeout returns the run_javascript deadline.
func (c *ToolsConfig) JavascriptTimeout() time.Duration {
	return time.Duration(c.JavascriptTimeoutMs) * time.Millisecond
}

// RolePreset declares a role created at boot if absent.
type RolePreset struct {
	Name         string   `yaml:"name"`
	Prompt       string   `yaml:"prompt"`
	ToolGroups   []string `yaml:"toolGroups"`
	LLMServiceID string   `yaml:"llmServiceId"`
}

// OrgConfig controls org persistence and seeding.
type OrgConfig struct {
	DataRoot       string              `yaml:"dataRoot"`
	BasePrompt     string              `yaml:"basePrompt"`
	RootPrompt     string              `yaml:"rootPrompt"` // appended to the root role prompt
	Roles          []RolePreset        `yaml:"roles"`
	PresetContacts map[string][]string `yaml:"presetContacts"` // owner -> contact ids
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MaskingConfig controls redaction of tool results.
type MaskingConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"` // extra regexes on top of the builtins
}

// Stats summarizes a loaded config for the startup log.
type Stats struct {
	LLMServices   int
	PresetRoles   int
	MaxConcurrent int
	DataRoot      string
}

// Stats returns summary counts for logging.
func (c *Config) Stats() Stats {
	return Stats{
		LLMServices:   len(c.LLM.Services),
		PresetRoles:   len(c.Org.Roles),
		MaxConcurrent: c.LLM.MaxConcurrentRequests,
		DataRoot:      c.Org.DataRoot,
	}
}
