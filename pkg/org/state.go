// Package org maintains the organization registry: roles, agents (with
// termination tombstones), and the advisory contact book. The whole registry
// persists as a single org.json document under the data root.
package org

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/store"
)

var (
	// ErrRoleExists is returned when creating a role whose name is taken.
	ErrRoleExists = errors.New("role already exists")

	// ErrRoleNotFound is returned when a role lookup fails.
	ErrRoleNotFound = errors.New("role not found")

	// ErrAgentNotFound is returned when an agent lookup fails.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrParentNotLive is returned when spawning under a missing or
	// terminated parent.
	ErrParentNotLive = errors.New("parent agent not live")
)

// State is the org registry. All methods are safe for concurrent use.
type State struct {
	mu          sync.RWMutex
	path        string
	roles       map[string]*models.Role // by id
	rolesByName map[string]string       // name -> id
	agents      map[string]*models.Agent
	agentOrder  []string // creation order; also the scheduler's dispatch order
	contacts    *ContactRegistry
}

// orgDocument is the on-disk shape of org.json. Slice order is creation order.
type orgDocument struct {
	Roles    []*models.Role              `json:"roles"`
	Agents   []*models.Agent             `json:"agents"`
	Contacts map[string][]models.Contact `json:"contacts"`
}

// NewState creates an empty registry persisting to <dataRoot>/org.json.
func NewState(dataRoot string) *State {
	return &State{
		path:        filepath.Join(dataRoot, "org.json"),
		roles:       make(map[string]*models.Role),
		rolesByName: make(map[string]string),
		agents:      make(map[string]*models.Agent),
		contacts:    NewContactRegistry(),
	}
}

// Contacts exposes the contact registry.
func (s *State) Contacts() *ContactRegistry { return s.contacts }

// Load restores a previous run's registry. A missing file is a fresh org.
func (s *State) Load() error {
	var doc orgDocument
	if err := store.LoadJSON(s.path, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load org state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range doc.Roles {
		s.roles[role.ID] = role
		s.rolesByName[role.Name] = role.ID
	}
	for _, agent := range doc.Agents {
		s.agents[agent.ID] = agent
		s.agentOrder = append(s.agentOrder, agent.ID)
	}
	s.contacts.restore(doc.Contacts)
	slog.Info("Org state loaded", "roles", len(s.roles), "agents", len(s.agents))
	return nil
}

// Flush writes the registry to org.json atomically.
func (s *State) Flush() error {
	s.mu.RLock()
	doc := orgDocument{
		Roles:    make([]*models.Role, 0, len(s.roles)),
		Agents:   make([]*models.Agent, 0, len(s.agentOrder)),
		Contacts: s.contacts.snapshot(),
	}
	// Roles ordered by creation time for a stable document.
	for _, role := range s.roles {
		doc.Roles = append(doc.Roles, role)
	}
	for _, id := range s.agentOrder {
		doc.Agents = append(doc.Agents, s.agents[id])
	}
	s.mu.RUnlock()

	sortRolesByCreation(doc.Roles)
	return store.SaveJSON(s.path, doc)
}

func sortRolesByCreation(roles []*models.Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].CreatedAt.Equal(roles[j].CreatedAt) {
			return roles[i].Name < roles[j].Name
		}
		return roles[i].CreatedAt.Before(roles[j].CreatedAt)
	})
}

// CreateRole registers a new role. Names are unique and case-sensitive.
func (s *State) CreateRole(name, prompt string, toolGroups []string, llmServiceID, createdBy string) (*models.Role, error) {
	if name == "" {
		return nil, fmt.Errorf("role name required")
	}
	if err := models.ValidateToolGroups(toolGroups); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.rolesByName[name]; taken {
		return nil, fmt.Errorf("%w: %q", ErrRoleExists, name)
	}
	role := &models.Role{
		ID:           uuid.NewString(),
		Name:         name,
		Prompt:       prompt,
		ToolGroups:   append([]string(nil), toolGroups...),
		LLMServiceID: llmServiceID,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now(),
	}
	s.roles[role.ID] = role
	s.rolesByName[name] = role.ID
	slog.Info("Role created", "role", name, "tool_groups", toolGroups)
	return role, nil
}

// FindRoleByName looks a role up by its unique name.
func (s *State) FindRoleByName(name string) (*models.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rolesByName[name]
	if !ok {
		return nil, false
	}
	return s.roles[id], true
}

// GetRole looks a role up by id.
func (s *State) GetRole(id string) (*models.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	return role, ok
}

// ListRoles returns all roles ordered by creation time.
func (s *State) ListRoles() []*models.Role {
	s.mu.RLock()
	out := make([]*models.Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, role)
	}
	s.mu.RUnlock()
	sortRolesByCreation(out)
	return out
}

// CreateAgent registers an agent under an existing role and a live parent.
// The caller supplies the id (reserved ids at boot, generated ids at spawn).
func (s *State) CreateAgent(id, roleID, parentID, taskBrief string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[id]; exists {
		return nil, fmt.Errorf("agent id %q already taken", id)
	}
	if roleID != "" {
		if _, ok := s.roles[roleID]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrRoleNotFound, roleID)
		}
	}
	if parentID != "" {
		parent, ok := s.agents[parentID]
		if !ok || !parent.Live() {
			return nil, fmt.Errorf("%w: %q", ErrParentNotLive, parentID)
		}
	}

	agent := &models.Agent{
		ID:        id,
		RoleID:    roleID,
		ParentID:  parentID,
		TaskBrief: taskBrief,
		CreatedAt: time.Now(),
	}
	s.agents[id] = agent
	s.agentOrder = append(s.agentOrder, id)
	return agent, nil
}

// GetAgent looks an agent up by id (tombstones included).
func (s *State) GetAgent(id string) (*models.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	return agent, ok
}

// ListAgents returns agents in creation order.
func (s *State) ListAgents(includeTerminated bool) []*models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		agent := s.agents[id]
		if !includeTerminated && !agent.Live() {
			continue
		}
		out = append(out, agent)
	}
	return out
}

// RoleOf resolves an agent's role, nil for the user principal.
func (s *State) RoleOf(agentID string) (*models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, agentID)
	}
	if agent.RoleID == "" {
		return nil, nil
	}
	role, ok := s.roles[agent.RoleID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoleNotFound, agent.RoleID)
	}
	return role, nil
}

// Descendants returns the live subtree below agentID in kill order:
// depth-first with children before their parents. agentID itself is excluded.
func (s *State) Descendants(agentID string) []*models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := make(map[string][]string, len(s.agents))
	for _, id := range s.agentOrder {
		agent := s.agents[id]
		if agent.Live() && agent.ParentID != "" {
			children[agent.ParentID] = append(children[agent.ParentID], id)
		}
	}

	var out []*models.Agent
	var walk func(string)
	walk = func(id string) {
		for _, child := range children[id] {
			walk(child)
			out = append(out, s.agents[child])
		}
	}
	walk(agentID)
	return out
}

// IsAncestor reports whether ancestorID appears on targetID's parent chain.
func (s *State) IsAncestor(ancestorID, targetID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for cur := s.agents[targetID]; cur != nil && cur.ParentID != ""; cur = s.agents[cur.ParentID] {
		if cur.ParentID == ancestorID {
			return true
		}
	}
	return false
}

// WorkspaceOwner resolves the workspace-owning ancestor for an agent: the
// nearest ancestor (or self) whose parent is root or empty. Children work
// inside the workspace of the subtree they were spawned in.
func (s *State) WorkspaceOwner(agentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrAgentNotFound, agentID)
	}
	cur := agent
	for cur.ParentID != "" && cur.ParentID != models.AgentRoot && cur.ParentID != models.AgentUser {
		parent, ok := s.agents[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	return cur.ID, nil
}

// RecordTermination tombstones an agent and prunes it from every contact
// list. The agent row itself stays in org.json.
func (s *State) RecordTermination(agentID, terminatedBy, reason string, at time.Time) error {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAgentNotFound, agentID)
	}
	if agent.TerminatedAt == nil {
		t := at
		agent.TerminatedAt = &t
		agent.TerminatedBy = terminatedBy
		agent.TerminatedReason = reason
	}
	s.mu.Unlock()

	s.contacts.RemoveEverywhere(agentID)
	return nil
}
