package stage

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/liamcoop/rulestage/internal/logger"
	"github.com/liamcoop/rulestage/record"
	"github.com/liamcoop/rulestage/rulebooks"
)

var (
	// ErrStageNotFound is returned for an unknown stage name.
	ErrStageNotFound = errors.New("stage not found")
	// ErrStageExists is returned when creating a stage whose name is taken.
	ErrStageExists = errors.New("stage already exists")
)

const maxStageNameLength = 100

var validStageName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// managedStage pairs a stage with the lock that serializes its rows.
type managedStage struct {
	stage   *Stage
	retired bool
	mu      sync.Mutex
}

// Manager owns named stages. Each stage processes one batch at a time; different
// stages run concurrently.
type Manager struct {
	stages  map[string]*managedStage
	catalog *rulebooks.Catalog
	mu      sync.RWMutex
}

// NewManager creates a manager. The catalog resolves configs that name a persisted
// rulebook and may be nil when only inline sources are used.
func NewManager(catalog *rulebooks.Catalog) *Manager {
	return &Manager{
		stages:  make(map[string]*managedStage),
		catalog: catalog,
	}
}

// build creates and initializes a stage without registering it.
func (m *Manager) build(name string, cfg Config) (*Stage, error) {
	if err := validateStageName(name); err != nil {
		return nil, err
	}

	var s *Stage
	if cfg.RulebookID != "" {
		if m.catalog == nil {
			return nil, fmt.Errorf("stage %s: rulebookid set but no rulebook catalog is configured", name)
		}
		if cfg.Schema == "" {
			return nil, errors.New("schema must be set")
		}
		rb, err := m.catalog.Load(cfg.RulebookID)
		if err != nil {
			return nil, fmt.Errorf("failed to load rulebook: %w", err)
		}
		schema, err := record.ParseSchema([]byte(cfg.Schema))
		if err != nil {
			return nil, fmt.Errorf("invalid output schema: %w", err)
		}
		s = NewWithRulebook(name, rb, schema)
		s.config = cfg
	} else {
		var err error
		if s, err = New(name, cfg); err != nil {
			return nil, err
		}
	}

	if err := s.Initialize(nil); err != nil {
		return nil, fmt.Errorf("failed to initialize stage %s: %w", name, err)
	}
	return s, nil
}

// CreateStage builds, initializes and registers a new stage.
func (m *Manager) CreateStage(name string, cfg Config) error {
	m.mu.RLock()
	_, exists := m.stages[name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("stage %s: %w", name, ErrStageExists)
	}

	s, err := m.build(name, cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.stages[name]; exists {
		s.Destroy()
		return fmt.Errorf("stage %s: %w", name, ErrStageExists)
	}
	m.stages[name] = &managedStage{stage: s}
	return nil
}

// ReplaceStage builds a new stage from cfg and atomically swaps it in. Batches already
// running on the old stage finish against it. Creates the stage if it does not exist.
func (m *Manager) ReplaceStage(name string, cfg Config) error {
	s, err := m.build(name, cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old, existed := m.stages[name]
	m.stages[name] = &managedStage{stage: s}
	m.mu.Unlock()

	if existed {
		old.mu.Lock()
		previous := old.stage.Stats()
		old.stage.Destroy()
		old.retired = true
		old.mu.Unlock()
		logger.Info("Stage replaced",
			"stage", name,
			"rulebook", s.Rulebook().Name,
			"version", s.Rulebook().Version,
			"previous_processed", previous.Processed)
	}
	return nil
}

// GetStage returns the stage registered under name.
func (m *Manager) GetStage(name string) (*Stage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, exists := m.stages[name]
	if !exists {
		return nil, fmt.Errorf("stage %s: %w", name, ErrStageNotFound)
	}
	return ms.stage, nil
}

// ListStages returns the registered stage names in sorted order.
func (m *Manager) ListStages() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.stages))
	for name := range m.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeleteStage unregisters and destroys a stage.
func (m *Manager) DeleteStage(name string) error {
	m.mu.Lock()
	ms, exists := m.stages[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("stage %s: %w", name, ErrStageNotFound)
	}
	delete(m.stages, name)
	m.mu.Unlock()

	ms.mu.Lock()
	ms.stage.Destroy()
	ms.retired = true
	ms.mu.Unlock()
	return nil
}

// Transform runs a batch of rows through the named stage in order. The result carries
// the schema of the stage that produced it, which a concurrent replace cannot change.
func (m *Manager) Transform(name string, rows []*record.Row) (*CollectingEmitter, error) {
	ms, err := m.acquire(name)
	if err != nil {
		return nil, err
	}
	defer ms.mu.Unlock()

	out := &CollectingEmitter{Schema: ms.stage.Schema()}
	for _, row := range rows {
		if err := ms.stage.Transform(row, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stats returns the counters of the named stage.
func (m *Manager) Stats(name string) (Stats, error) {
	ms, err := m.acquire(name)
	if err != nil {
		return Stats{}, err
	}
	defer ms.mu.Unlock()
	return ms.stage.Stats(), nil
}

// acquire returns the live stage registered under name with its lock held. A stage
// retired by a concurrent replace is skipped in favour of its successor.
func (m *Manager) acquire(name string) (*managedStage, error) {
	for {
		m.mu.RLock()
		ms, exists := m.stages[name]
		m.mu.RUnlock()
		if !exists {
			return nil, fmt.Errorf("stage %s: %w", name, ErrStageNotFound)
		}

		ms.mu.Lock()
		if !ms.retired {
			return ms, nil
		}
		ms.mu.Unlock()
	}
}

func validateStageName(name string) error {
	if name == "" {
		return errors.New("stage name cannot be empty")
	}
	if len(name) > maxStageNameLength {
		return fmt.Errorf("stage name is %d characters, maximum allowed is %d", len(name), maxStageNameLength)
	}
	if !validStageName.MatchString(name) {
		return fmt.Errorf("stage name %q must contain only letters, digits, underscores and hyphens", name)
	}
	return nil
}
