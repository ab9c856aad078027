package rulebooks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no rulebook has the requested ID.
	ErrNotFound = errors.New("rulebook not found")
	// ErrAlreadyExists is returned when adding a rulebook whose ID is taken.
	ErrAlreadyExists = errors.New("rulebook already exists")
)

// Entry is a persisted rulebook source.
type Entry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store manages rulebook persistence and retrieval.
type Store interface {
	// Add a new rulebook
	Add(entry *Entry) error

	// Get a rulebook by ID
	Get(id string) (*Entry, error)

	// List all active rulebooks, oldest first
	ListActive() ([]*Entry, error)

	// Update an existing rulebook
	Update(entry *Entry) error

	// Delete a rulebook
	Delete(id string) error
}

// InMemoryStore implements Store using an in-memory map. Safe for concurrent use.
type InMemoryStore struct {
	entries map[string]*Entry
	mu      sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]*Entry),
	}
}

// Add stores a copy of entry and stamps CreatedAt and UpdatedAt.
func (s *InMemoryStore) Add(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return fmt.Errorf("rulebook %s: %w", entry.ID, ErrAlreadyExists)
	}

	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	stored := *entry
	s.entries[entry.ID] = &stored
	return nil
}

func (s *InMemoryStore) Get(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[id]
	if !exists {
		return nil, fmt.Errorf("rulebook %s: %w", id, ErrNotFound)
	}
	out := *entry
	return &out, nil
}

func (s *InMemoryStore) ListActive() ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Entry
	for _, entry := range s.entries {
		if entry.Active {
			out := *entry
			active = append(active, &out)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// Update replaces an entry, preserving its CreatedAt.
func (s *InMemoryStore) Update(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.entries[entry.ID]
	if !exists {
		return fmt.Errorf("rulebook %s: %w", entry.ID, ErrNotFound)
	}

	entry.CreatedAt = existing.CreatedAt
	entry.UpdatedAt = time.Now()
	stored := *entry
	s.entries[entry.ID] = &stored
	return nil
}

func (s *InMemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; !exists {
		return fmt.Errorf("rulebook %s: %w", id, ErrNotFound)
	}
	delete(s.entries, id)
	return nil
}
