package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/llm"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/org"
)

type fakeInventory struct {
	defs []llm.ToolDefinition
}

func (f *fakeInventory) ListTools(string) []llm.ToolDefinition { return f.defs }

func newOrg(t *testing.T) *org.State {
	t.Helper()
	s := org.NewState(t.TempDir())
	require.NoError(t, s.Bootstrap(&config.OrgConfig{DataRoot: t.TempDir()}))
	return s
}

func TestSystemPromptComposesAllSections(t *testing.T) {
	s := newOrg(t)
	role, err := s.CreateRole("researcher", "Dig into sources and cite them.",
		[]string{models.GroupWorkspace}, "", models.AgentRoot)
	require.NoError(t, err)
	agent, err := s.CreateAgent("researcher-1", role.ID, models.AgentRoot, "Find prior art for widget X.")
	require.NoError(t, err)
	s.Contacts().LinkParentChild(models.AgentRoot, agent.ID)

	inventory := &fakeInventory{defs: []llm.ToolDefinition{
		{Name: "read_file", Description: "Read a file from the workspace."},
		{Name: "write_file", Description: "Write a file into the workspace."},
	}}
	b := NewBuilder(s, inventory, "")

	got := b.SystemPrompt(agent.ID)
	assert.Contains(t, got, "multi-agent organization")
	assert.Contains(t, got, `You are agent "researcher-1", role "researcher".`)
	assert.Contains(t, got, `You were spawned by "root".`)
	assert.Contains(t, got, "Dig into sources and cite them.")
	assert.Contains(t, got, "Find prior art for widget X.")
	assert.Contains(t, got, "- root (parent)")
	assert.Contains(t, got, "- read_file: Read a file from the workspace.")
	assert.Contains(t, got, `Address the human operator as "user".`)
}

func TestSystemPromptReflectsCurrentOrgState(t *testing.T) {
	s := newOrg(t)
	role, err := s.CreateRole("worker", "Do the work.", []string{models.GroupConsole}, "", models.AgentRoot)
	require.NoError(t, err)
	agent, err := s.CreateAgent("worker-1", role.ID, models.AgentRoot, "")
	require.NoError(t, err)

	b := NewBuilder(s, &fakeInventory{}, "")
	before := b.SystemPrompt(agent.ID)
	assert.NotContains(t, before, "- helper-9")

	// A new contact shows up on the next render without any cache bust.
	s.Contacts().Add(agent.ID, "helper-9", models.ContactIntroduced)
	after := b.SystemPrompt(agent.ID)
	assert.Contains(t, after, "- helper-9 (introduced)")
}

func TestSystemPromptBasePromptOverride(t *testing.T) {
	s := newOrg(t)
	b := NewBuilder(s, nil, "Custom doctrine here.")

	got := b.SystemPrompt(models.AgentRoot)
	assert.Contains(t, got, "Custom doctrine here.")
	assert.NotContains(t, got, "multi-agent organization")
}

func TestSystemPromptUnknownAgentFallsBackToBase(t *testing.T) {
	s := newOrg(t)
	b := NewBuilder(s, nil, "")
	assert.Equal(t, defaultBasePrompt, b.SystemPrompt("ghost-1"))
}

func TestFormatContactsSectionEmpty(t *testing.T) {
	got := FormatContactsSection(nil)
	assert.Contains(t, got, "no contacts yet")
	assert.Contains(t, got, `Address the human operator as "user".`)
}

func TestFormatToolsSectionEmpty(t *testing.T) {
	got := FormatToolsSection(nil)
	assert.Contains(t, got, "no tools")
}
