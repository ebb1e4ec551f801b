package org

import (
	"fmt"
	"log/slog"

	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/models"
)

// defaultRootPrompt seeds the root role when no preset overrides it.
const defaultRootPrompt = `You are the root agent of the organization. You receive goals from the user,
design the org to achieve them (roles, agents, task assignments), delegate via
messages, and report results back to the user. Prefer delegating work to
specialized agents over doing it yourself.`

// Bootstrap ensures reserved principals and preset roles exist. Idempotent:
// it is called on every boot, after Load.
func (s *State) Bootstrap(cfg *config.OrgConfig) error {
	// Preset roles first so the root preset (if any) wins over the builtin.
	for _, preset := range cfg.Roles {
		if _, ok := s.FindRoleByName(preset.Name); ok {
			continue
		}
		if _, err := s.CreateRole(preset.Name, preset.Prompt, preset.ToolGroups, preset.LLMServiceID, "config"); err != nil {
			return fmt.Errorf("preset role %q: %w", preset.Name, err)
		}
	}

	rootRole, ok := s.FindRoleByName(models.AgentRoot)
	if !ok {
		prompt := defaultRootPrompt
		if cfg.RootPrompt != "" {
			prompt += "\n\n" + cfg.RootPrompt
		}
		// Root is pinned to the org group: it designs and delegates, it
		// does not run commands or touch workspaces itself.
		role, err := s.CreateRole(models.AgentRoot, prompt, []string{models.GroupOrg}, "", "system")
		if err != nil {
			return fmt.Errorf("root role: %w", err)
		}
		rootRole = role
	}

	if _, ok := s.GetAgent(models.AgentUser); !ok {
		if _, err := s.CreateAgent(models.AgentUser, "", "", ""); err != nil {
			return fmt.Errorf("user principal: %w", err)
		}
	}
	if _, ok := s.GetAgent(models.AgentRoot); !ok {
		if _, err := s.CreateAgent(models.AgentRoot, rootRole.ID, "", ""); err != nil {
			return fmt.Errorf("root agent: %w", err)
		}
	}

	// Mutual root/user introduction plus configured preset contacts.
	s.contacts.Add(models.AgentRoot, models.AgentUser, models.ContactPreset)
	s.contacts.Add(models.AgentUser, models.AgentRoot, models.ContactPreset)
	for owner, ids := range cfg.PresetContacts {
		for _, id := range ids {
			s.contacts.Add(owner, id, models.ContactPreset)
		}
	}

	slog.Info("Org bootstrapped",
		"roles", len(s.ListRoles()), "agents", len(s.ListAgents(true)))
	return nil
}
