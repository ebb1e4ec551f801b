// Package masking redacts secrets from tool results before they reach
// conversations, events, or logs.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/hiveworks/hived/pkg/config"
)

// redactionNotice replaces the entire result when masking itself fails.
const redactionNotice = "[REDACTED: masking failure]"

// CompiledPattern is one pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

type builtinPattern struct {
	name        string
	pattern     string
	replacement string
}

// builtinPatterns are always applied when masking is enabled. Custom patterns
// from config run after them, in order.
var builtinPatterns = []builtinPattern{
	{
		name:        "api_key",
		pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`,
		replacement: `api_key=__MASKED_API_KEY__`,
	},
	{
		name:        "bearer_token",
		pattern:     `(?i)bearer\s+([A-Za-z0-9_\-\.=]{16,})`,
		replacement: `Bearer __MASKED_TOKEN__`,
	},
	{
		name:        "token",
		pattern:     `(?i)(?:token|secret)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{16,})["']?`,
		replacement: `token=__MASKED_TOKEN__`,
	},
	{
		name:        "password",
		pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		replacement: `password=__MASKED_PASSWORD__`,
	},
	{
		name:        "pem_block",
		pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		replacement: `__MASKED_PEM_BLOCK__`,
	},
	{
		name:        "url_credentials",
		pattern:     `(?i)://([^:/\s]+):([^@/\s]+)@`,
		replacement: `://$1:__MASKED__@`,
	},
}

// Service applies masking to tool result content. Created once at boot;
// safe for concurrent use, stateless aside from compiled patterns.
type Service struct {
	enabled  bool
	patterns []*CompiledPattern
	logger   *slog.Logger
}

// NewService compiles the builtin patterns plus any custom patterns from
// config. Invalid custom patterns are logged and skipped.
func NewService(cfg *config.MaskingConfig) *Service {
	s := &Service{
		enabled: cfg != nil && cfg.Enabled,
		logger:  slog.With("component", "masking"),
	}
	if !s.enabled {
		return s
	}

	for _, b := range builtinPatterns {
		compiled, err := regexp.Compile(b.pattern)
		if err != nil {
			s.logger.Error("failed to compile builtin masking pattern, skipping",
				"pattern", b.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        b.name,
			Regex:       compiled,
			Replacement: b.replacement,
		})
	}

	for i, pattern := range cfg.Patterns {
		name := fmt.Sprintf("custom:%d", i)
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			s.logger.Error("failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: "__MASKED__",
		})
	}

	s.logger.Info("masking service initialized",
		"compiled_patterns", len(s.patterns))
	return s
}

// Enabled reports whether masking is active.
func (s *Service) Enabled() bool {
	return s.enabled
}

// MaskToolResult applies all patterns to tool result content. On masking
// failure the whole result is replaced with a redaction notice (fail-closed).
func (s *Service) MaskToolResult(content string) string {
	if !s.enabled || content == "" {
		return content
	}

	masked, err := s.apply(content)
	if err != nil {
		s.logger.Error("masking failed, redacting content", "error", err)
		return redactionNotice
	}
	return masked
}

func (s *Service) apply(content string) (masked string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("masking panic: %v", r)
		}
	}()

	masked = content
	for _, pattern := range s.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}
	return masked, nil
}
