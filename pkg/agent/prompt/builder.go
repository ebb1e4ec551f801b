// Package prompt composes agent system prompts from org state: base
// doctrine, role instructions, task brief, contact book, and the tool
// inventory the agent's role unlocks.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hiveworks/hived/pkg/llm"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/org"
)

// defaultBasePrompt is the shared doctrine prepended to every agent's system
// prompt. Config can replace it wholesale via org.basePrompt.
const defaultBasePrompt = `You are an agent in a multi-agent organization. Each agent works in its own
turns and communicates only by sending messages; there is no shared memory and
no way to wait for a reply inside a turn. Send your message, end the turn, and
the reply arrives as a new message later. When your work is done, report the
result to whoever gave you the task. If you are blocked, say so instead of
going silent.`

// ToolInventory lists the tools callable by an agent. Satisfied by the tool
// executor.
type ToolInventory interface {
	ListTools(callerID string) []llm.ToolDefinition
}

// Builder composes system prompts. Stateless between calls: every prompt is
// rebuilt from current org state so role edits and new contacts show up on
// the agent's next turn.
type Builder struct {
	org   *org.State
	tools ToolInventory
	base  string
}

// NewBuilder wires the prompt builder. basePrompt overrides the builtin
// doctrine when non-empty.
func NewBuilder(orgState *org.State, tools ToolInventory, basePrompt string) *Builder {
	if orgState == nil {
		panic("prompt.NewBuilder: org state is required")
	}
	base := defaultBasePrompt
	if basePrompt != "" {
		base = basePrompt
	}
	return &Builder{org: orgState, tools: tools, base: base}
}

// SystemPrompt renders the full system prompt for an agent. Unknown or
// role-less principals (the user) get only the base doctrine; they are never
// scheduled, so the text is effectively unused.
func (b *Builder) SystemPrompt(agentID string) string {
	agent, ok := b.org.GetAgent(agentID)
	if !ok {
		return b.base
	}

	sections := []string{b.base}
	if role, err := b.org.RoleOf(agentID); err == nil && role != nil {
		sections = append(sections, FormatIdentitySection(agent, role))
		if strings.TrimSpace(role.Prompt) != "" {
			sections = append(sections, "## Role instructions\n\n"+role.Prompt)
		}
	}
	if strings.TrimSpace(agent.TaskBrief) != "" {
		sections = append(sections, "## Current task\n\n"+agent.TaskBrief)
	}
	sections = append(sections, FormatContactsSection(b.org.Contacts().List(agentID)))
	if b.tools != nil {
		sections = append(sections, FormatToolsSection(b.tools.ListTools(agentID)))
	}

	return strings.Join(sections, "\n\n")
}

// FormatIdentitySection names the agent and its role.
func FormatIdentitySection(agent *models.Agent, role *models.Role) string {
	var sb strings.Builder
	sb.WriteString("## Identity\n\n")
	fmt.Fprintf(&sb, "You are agent %q", agent.ID)
	if role.Name != "" {
		fmt.Fprintf(&sb, ", role %q", role.Name)
	}
	sb.WriteString(".")
	if agent.ParentID != "" {
		fmt.Fprintf(&sb, " You were spawned by %q.", agent.ParentID)
	}
	return sb.String()
}

// FormatContactsSection renders the advisory contact book. Contacts never
// gate delivery; any live agent id is a valid recipient.
func FormatContactsSection(contacts []models.Contact) string {
	var sb strings.Builder
	sb.WriteString("## Contacts\n\n")
	if len(contacts) == 0 {
		sb.WriteString("You have no contacts yet.\n")
	} else {
		sb.WriteString("Agents you already know (send_message accepts any live agent id, not just these):\n")
		for _, c := range contacts {
			fmt.Fprintf(&sb, "- %s (%s)\n", c.ID, c.Source)
		}
	}
	sb.WriteString("\nAddress the human operator as \"user\".")
	return sb.String()
}

// FormatToolsSection lists the callable tools with one-line descriptions.
// Full parameter schemas travel in the API request, not the prompt.
func FormatToolsSection(defs []llm.ToolDefinition) string {
	var sb strings.Builder
	sb.WriteString("## Tools\n\n")
	if len(defs) == 0 {
		sb.WriteString("Your role unlocks no tools. Work with plain messages.")
		return sb.String()
	}
	sb.WriteString("Your role unlocks these tools:\n")
	for _, def := range defs {
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}
