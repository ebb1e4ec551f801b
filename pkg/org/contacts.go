package org

import (
	"sort"
	"sync"
	"time"

	"github.com/hiveworks/hived/pkg/models"
)

// ContactRegistry is the advisory address book. It never gates delivery:
// sending to an unknown contact is allowed and merely annotated, so the
// registry only feeds prompts and diagnostics.
type ContactRegistry struct {
	mu       sync.RWMutex
	contacts map[string]map[string]models.Contact // owner -> contact id -> entry
}

// NewContactRegistry creates an empty registry.
func NewContactRegistry() *ContactRegistry {
	return &ContactRegistry{contacts: make(map[string]map[string]models.Contact)}
}

// Add records that owner knows contact. Idempotent; the first source sticks.
func (r *ContactRegistry) Add(owner, contact string, source models.ContactSource) {
	if owner == "" || contact == "" || owner == contact {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.contacts[owner]
	if !ok {
		book = make(map[string]models.Contact)
		r.contacts[owner] = book
	}
	if _, known := book[contact]; known {
		return
	}
	book[contact] = models.Contact{ID: contact, Source: source, AddedAt: time.Now()}
}

// LinkParentChild wires the mutual parent/child entries created at spawn.
func (r *ContactRegistry) LinkParentChild(parent, child string) {
	r.Add(parent, child, models.ContactChild)
	r.Add(child, parent, models.ContactParent)
}

// Known reports whether owner has contact in its book.
func (r *ContactRegistry) Known(owner, contact string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contacts[owner][contact]
	return ok
}

// List returns owner's contacts ordered by when they were added.
func (r *ContactRegistry) List(owner string) []models.Contact {
	r.mu.RLock()
	book := r.contacts[owner]
	out := make([]models.Contact, 0, len(book))
	for _, c := range book {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// RemoveEverywhere prunes a terminated agent from all books, including its own.
func (r *ContactRegistry) RemoveEverywhere(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contacts, agentID)
	for _, book := range r.contacts {
		delete(book, agentID)
	}
}

// snapshot exports the registry for org.json (sorted for a stable document).
func (r *ContactRegistry) snapshot() map[string][]models.Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]models.Contact, len(r.contacts))
	for owner, book := range r.contacts {
		entries := make([]models.Contact, 0, len(book))
		for _, c := range book {
			entries = append(entries, c)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		out[owner] = entries
	}
	return out
}

// restore replaces the registry contents from a persisted document.
func (r *ContactRegistry) restore(data map[string][]models.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = make(map[string]map[string]models.Contact, len(data))
	for owner, entries := range data {
		book := make(map[string]models.Contact, len(entries))
		for _, c := range entries {
			book[c.ID] = c
		}
		r.contacts[owner] = book
	}
}
