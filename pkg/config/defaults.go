package config

// Default thresholds for context pressure buckets.
const (
	DefaultWarningThreshold  = 0.70
	DefaultCriticalThreshold = 0.85
	DefaultHardLimit         = 0.95
)

// DefaultConfig returns the built-in configuration. User YAML is merged on
// top of this, so every field here must be a sensible standalone value.
func DefaultConfig() *Config {
	maxSteps := 200
	return &Config{
		Runtime: &RuntimeConfig{
			MaxSteps:          &maxSteps,
			IdleWarningMs:     300_000,
			ShutdownTimeoutMs: 30_000,
		},
		LLM: &LLMConfig{
			MaxRetries:            3,
			MaxToolRounds:         200,
			MaxConcurrentRequests: 5,
			DefaultService:        "main",
			Services: map[string]*LLMServiceConfig{
				"main": {
					Provider:        "openai",
					APIKeyEnv:       "OPENAI_API_KEY",
					Model:           "gpt-4o",
					ContextWindow:   128_000,
					Temperature:     0.2,
					VisionSupported: true,
				},
			},
		},
		Context: &ContextConfig{
			MaxContextMessages: 120,
			WarningThreshold:   DefaultWarningThreshold,
			CriticalThreshold:  DefaultCriticalThreshold,
			HardLimit:          DefaultHardLimit,
			CompressKeepRecent: 10,
		},
		Tools: &ToolsConfig{
			CommandTimeoutMs:    60_000,
			JavascriptTimeoutMs: 100_000,
			MaxCodeBytes:        64 * 1024,
			MaxResultBytes:      64 * 1024,
		},
		Org: &OrgConfig{
			DataRoot: "./data",
		},
		API: &APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Masking: &MaskingConfig{
			Enabled: true,
		},
	}
}
