package config

import (
	"fmt"

	"github.com/hiveworks/hived/pkg/models"
)

// Validator performs cross-field validation on a merged Config.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given config.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every validation rule and returns the first failure.
func (v *Validator) ValidateAll() error {
	checks := []func() error{
		v.validateRuntime,
		v.validateLLM,
		v.validateContext,
		v.validateTools,
		v.validateOrg,
		v.validateAPI,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateRuntime() error {
	r := v.cfg.Runtime
	if r.Steps() < 0 {
		return NewValidationError("runtime", "maxSteps", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if r.MaxConcurrentHandlers < 0 {
		return NewValidationError("runtime", "maxConcurrentHandlers", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if r.IdleWarningMs <= 0 {
		return NewValidationError("runtime", "idleWarningMs", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.ShutdownTimeoutMs <= 0 {
		return NewValidationError("runtime", "shutdownTimeoutMs", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateLLM() error {
	l := v.cfg.LLM
	if l.MaxRetries < 0 {
		return NewValidationError("llm", "maxRetries", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if l.MaxToolRounds < 1 {
		return NewValidationError("llm", "maxToolRounds", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if l.MaxConcurrentRequests < 1 {
		return NewValidationError("llm", "maxConcurrentRequests", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if len(l.Services) == 0 {
		return NewValidationError("llm", "services", fmt.Errorf("%w: at least one service required", ErrInvalidValue))
	}
	if _, ok := l.Services[l.DefaultService]; !ok {
		return NewValidationError("llm", "defaultService",
			fmt.Errorf("%w: %q", ErrServiceNotFound, l.DefaultService))
	}
	for name, svc := range l.Services {
		if svc.Model == "" {
			return NewValidationError("llm", "services."+name+".model",
				fmt.Errorf("%w: model required", ErrInvalidValue))
		}
		if svc.ContextWindow <= 0 {
			return NewValidationError("llm", "services."+name+".contextWindow",
				fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}
	return nil
}

func (v *Validator) validateContext() error {
	c := v.cfg.Context
	if c.MaxContextMessages < 1 {
		return NewValidationError("context", "maxContextMessages", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if c.CompressKeepRecent < 0 {
		return NewValidationError("context", "compressKeepRecent", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	// Buckets only make sense when thresholds are strictly ordered.
	if !(c.WarningThreshold > 0 && c.WarningThreshold < c.CriticalThreshold &&
		c.CriticalThreshold < c.HardLimit && c.HardLimit <= 1.0) {
		return NewValidationError("context", "thresholds",
			fmt.Errorf("%w: require 0 < warning < critical < hardLimit <= 1 (got %.2f/%.2f/%.2f)",
				ErrInvalidValue, c.WarningThreshold, c.CriticalThreshold, c.HardLimit))
	}
	return nil
}

func (v *Validator) validateTools() error {
	t := v.cfg.Tools
	if t.CommandTimeoutMs <= 0 {
		return NewValidationError("tools", "commandTimeoutMs", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if t.JavascriptTimeoutMs <= 0 {
		return NewValidationError("tools", "javascriptTimeoutMs", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if t.MaxCodeBytes <= 0 || t.MaxResultBytes <= 0 {
		return NewValidationError("tools", "maxCodeBytes/maxResultBytes",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateOrg() error {
	o := v.cfg.Org
	if o.DataRoot == "" {
		return NewValidationError("org", "dataRoot", fmt.Errorf("%w: required", ErrInvalidValue))
	}
	seen := make(map[string]bool, len(o.Roles))
	for _, role := range o.Roles {
		if role.Name == "" {
			return NewValidationError("org", "roles", fmt.Errorf("%w: role name required", ErrInvalidValue))
		}
		if seen[role.Name] {
			return NewValidationError("org", "roles",
				fmt.Errorf("%w: duplicate role %q", ErrInvalidValue, role.Name))
		}
		seen[role.Name] = true
		if err := models.ValidateToolGroups(role.ToolGroups); err != nil {
			return NewValidationError("org", "roles."+role.Name+".toolGroups", err)
		}
		if role.LLMServiceID != "" {
			if _, ok := v.cfg.LLM.Services[role.LLMServiceID]; !ok {
				return NewValidationError("org", "roles."+role.Name+".llmServiceId",
					fmt.Errorf("%w: %q", ErrServiceNotFound, role.LLMServiceID))
			}
		}
	}
	return nil
}

func (v *Validator) validateAPI() error {
	a := v.cfg.API
	if a.Enabled && (a.Port < 1 || a.Port > 65535) {
		return NewValidationError("api", "port", fmt.Errorf("%w: must be 1-65535", ErrInvalidValue))
	}
	return nil
}
