package models

import (
	"fmt"
	"time"
)

// Tool group names. A role grants tools by group; the executor gates every
// call against the caller's role groups.
const (
	GroupOrg       = "org"
	GroupArtifact  = "artifact"
	GroupWorkspace = "workspace"
	GroupCommand   = "command"
	GroupContext   = "context"
	GroupConsole   = "console"
)

// KnownToolGroups enumerates every valid tool group.
var KnownToolGroups = []string{
	GroupOrg, GroupArtifact, GroupWorkspace, GroupCommand, GroupContext, GroupConsole,
}

// Role defines a job description an agent is spawned into: its prompt, the
// tool groups it may use, and which LLM service backs it.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Prompt       string    `json:"prompt"`
	ToolGroups   []string  `json:"toolGroups"`
	LLMServiceID string    `json:"llmServiceId,omitempty"` // empty = default service
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasGroup reports whether the role grants the given tool group.
func (r *Role) HasGroup(group string) bool {
	for _, g := range r.ToolGroups {
		if g == group {
			return true
		}
	}
	return false
}

// ValidateToolGroups rejects unknown group names.
func ValidateToolGroups(groups []string) error {
	for _, g := range groups {
		known := false
		for _, k := range KnownToolGroups {
			if g == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown tool group %q (valid: %v)", g, KnownToolGroups)
		}
	}
	return nil
}
