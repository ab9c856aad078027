package rulebooks

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/liamcoop/rulestage/internal/logger"
	"github.com/liamcoop/rulestage/rules"
)

// ErrInactive is returned by Load for a rulebook that has been deactivated.
var ErrInactive = errors.New("rulebook is inactive")

// Catalog manages persisted rulebooks. Sources are compiled before they are stored,
// so the store never holds a rulebook that cannot be loaded.
type Catalog struct {
	store    Store
	cache    CompiledCache
	compiler *rules.Compiler
}

// NewCatalog creates a catalog. A nil cache selects an in-memory cache with the default
// config; a nil compiler selects the default registry.
func NewCatalog(store Store, cache CompiledCache, compiler *rules.Compiler) (*Catalog, error) {
	if store == nil {
		return nil, errors.New("catalog requires a store")
	}
	if cache == nil {
		cache = NewInMemoryCompiledCache(DefaultCacheConfig())
	}
	if compiler == nil {
		var err error
		if compiler, err = rules.NewCompiler(nil); err != nil {
			return nil, err
		}
	}
	return &Catalog{store: store, cache: cache, compiler: compiler}, nil
}

// Create validates and stores a new rulebook under a generated ID.
func (c *Catalog) Create(source string, active bool) (*Entry, error) {
	rb, err := c.compiler.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("rulebook validation failed: %w", err)
	}

	entry := &Entry{
		ID:          uuid.NewString(),
		Name:        rb.Name,
		Version:     rb.Version,
		Description: rb.Description,
		Source:      source,
		Active:      active,
	}
	if err := c.store.Add(entry); err != nil {
		return nil, err
	}
	if active {
		c.cache.Set(entry.ID, rb)
	}

	logger.Info("Rulebook created", "id", entry.ID, "name", entry.Name, "version", entry.Version)
	return entry, nil
}

// Update validates and replaces the source of an existing rulebook.
func (c *Catalog) Update(id, source string, active bool) (*Entry, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	rb, err := c.compiler.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("rulebook validation failed: %w", err)
	}

	entry, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	entry.Name = rb.Name
	entry.Version = rb.Version
	entry.Description = rb.Description
	entry.Source = source
	entry.Active = active
	if err := c.store.Update(entry); err != nil {
		return nil, err
	}

	c.cache.Invalidate(id)
	if active {
		c.cache.Set(id, rb)
	}

	logger.Info("Rulebook updated", "id", id, "name", entry.Name, "version", entry.Version, "active", active)
	return entry, nil
}

// Get returns the stored entry.
func (c *Catalog) Get(id string) (*Entry, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return c.store.Get(id)
}

// List returns the active rulebooks.
func (c *Catalog) List() ([]*Entry, error) {
	return c.store.ListActive()
}

// Delete removes a rulebook and its compiled form.
func (c *Catalog) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := c.store.Delete(id); err != nil {
		return err
	}
	c.cache.Invalidate(id)
	logger.Info("Rulebook deleted", "id", id)
	return nil
}

// Load returns the compiled rulebook for id, compiling the stored source on a cache miss.
func (c *Catalog) Load(id string) (*rules.Rulebook, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if rb := c.cache.Get(id); rb != nil {
		return rb, nil
	}

	entry, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !entry.Active {
		return nil, fmt.Errorf("rulebook %s: %w", id, ErrInactive)
	}

	rb, err := c.compiler.Compile(entry.Source)
	if err != nil {
		return nil, fmt.Errorf("stored rulebook %s no longer compiles: %w", id, err)
	}
	c.cache.Set(id, rb)

	logger.Debug("Rulebook compiled from store", "id", id, "name", rb.Name)
	return rb, nil
}

// checkID rejects IDs the catalog could never have generated. They name no rulebook,
// and the Postgres store would otherwise fail on them as malformed UUIDs.
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("rulebook %s: %w", id, ErrNotFound)
	}
	return nil
}
