package rulebooks

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/rulestage/rules"
)

const highValueSource = `{name: r1, version: "1.0", rules: [{name: flagHighValue, when: "amount > 1000", then: [skip]}]}`

const tieredSource = `
name: tiers
version: "2"
rules:
  - name: gold
    when: amount > 100
    then:
      - set: {field: tier, value: '"gold"'}
`

func newCatalog(t *testing.T) (*Catalog, *InMemoryStore, *InMemoryCompiledCache) {
	t.Helper()
	store := NewInMemoryStore()
	cache := NewInMemoryCompiledCache(DefaultCacheConfig())
	catalog, err := NewCatalog(store, cache, nil)
	if err != nil {
		t.Fatalf("NewCatalog() failed: %v", err)
	}
	return catalog, store, cache
}

func TestCatalogCreate(t *testing.T) {
	catalog, store, cache := newCatalog(t)

	entry, err := catalog.Create(highValueSource, true)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := uuid.Parse(entry.ID); err != nil {
		t.Errorf("ID %q should be a UUID: %v", entry.ID, err)
	}
	if entry.Name != "r1" || entry.Version != "1.0" {
		t.Errorf("entry = %s/%s, want r1/1.0", entry.Name, entry.Version)
	}
	if _, err := store.Get(entry.ID); err != nil {
		t.Errorf("entry should be stored: %v", err)
	}
	if cache.Get(entry.ID) == nil {
		t.Error("active rulebook should be cached after Create()")
	}
}

func TestCatalogCreateRejectsInvalidSource(t *testing.T) {
	catalog, store, _ := newCatalog(t)

	_, err := catalog.Create("name: broken\nrules: []\n", true)
	var cerr *rules.CompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Create() = %v, want *rules.CompilationError", err)
	}
	active, _ := store.ListActive()
	if len(active) != 0 {
		t.Error("invalid rulebook should not be stored")
	}
}

func TestCatalogLoadUsesCache(t *testing.T) {
	catalog, _, cache := newCatalog(t)

	entry, err := catalog.Create(highValueSource, true)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	first, err := catalog.Load(entry.ID)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	second, err := catalog.Load(entry.ID)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if first != second {
		t.Error("Load() should return the shared compiled rulebook")
	}

	cache.Clear()
	third, err := catalog.Load(entry.ID)
	if err != nil {
		t.Fatalf("Load() after cache clear failed: %v", err)
	}
	if third == first {
		t.Error("Load() after a miss should recompile")
	}
	if third.Name != "r1" || len(third.Rules) != 1 {
		t.Errorf("recompiled rulebook = %s with %d rules", third.Name, len(third.Rules))
	}
}

func TestCatalogUpdateInvalidates(t *testing.T) {
	catalog, _, _ := newCatalog(t)

	entry, err := catalog.Create(highValueSource, true)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	before, _ := catalog.Load(entry.ID)

	updated, err := catalog.Update(entry.ID, tieredSource, true)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Name != "tiers" || updated.Version != "2" {
		t.Errorf("updated entry = %s/%s", updated.Name, updated.Version)
	}

	after, err := catalog.Load(entry.ID)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if after == before || after.Name != "tiers" {
		t.Errorf("Load() after Update() returned %s", after.Name)
	}

	if _, err := catalog.Update(entry.ID, "not: [valid", true); err == nil {
		t.Error("Update() with an invalid source should fail")
	}
	if _, err := catalog.Update("missing", tieredSource, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() of a missing id = %v, want ErrNotFound", err)
	}
}

func TestCatalogInactiveRulebooks(t *testing.T) {
	catalog, _, _ := newCatalog(t)

	entry, err := catalog.Create(highValueSource, false)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := catalog.Load(entry.ID); !errors.Is(err, ErrInactive) {
		t.Errorf("Load() of an inactive rulebook = %v, want ErrInactive", err)
	}

	list, err := catalog.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List() returned %d entries, want 0", len(list))
	}

	if _, err := catalog.Update(entry.ID, highValueSource, true); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if _, err := catalog.Load(entry.ID); err != nil {
		t.Errorf("Load() after activation failed: %v", err)
	}
}

func TestCatalogDelete(t *testing.T) {
	catalog, _, cache := newCatalog(t)

	entry, err := catalog.Create(highValueSource, true)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := catalog.Delete(entry.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if cache.Get(entry.ID) != nil {
		t.Error("Delete() should invalidate the cache")
	}
	if _, err := catalog.Load(entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete() = %v, want ErrNotFound", err)
	}
	if err := catalog.Delete(entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
}

// countingStore records how often lookups reach the underlying store.
type countingStore struct {
	*InMemoryStore
	calls int
}

func (s *countingStore) Get(id string) (*Entry, error) {
	s.calls++
	return s.InMemoryStore.Get(id)
}

func (s *countingStore) Update(entry *Entry) error {
	s.calls++
	return s.InMemoryStore.Update(entry)
}

func (s *countingStore) Delete(id string) error {
	s.calls++
	return s.InMemoryStore.Delete(id)
}

func TestCatalogRejectsMalformedIDs(t *testing.T) {
	store := &countingStore{InMemoryStore: NewInMemoryStore()}
	catalog, err := NewCatalog(store, nil, nil)
	if err != nil {
		t.Fatalf("NewCatalog() failed: %v", err)
	}

	for _, id := range []string{"not-a-uuid", "", "123"} {
		if _, err := catalog.Get(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) = %v, want ErrNotFound", id, err)
		}
		if _, err := catalog.Load(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Load(%q) = %v, want ErrNotFound", id, err)
		}
		if _, err := catalog.Update(id, highValueSource, true); !errors.Is(err, ErrNotFound) {
			t.Errorf("Update(%q) = %v, want ErrNotFound", id, err)
		}
		if err := catalog.Delete(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete(%q) = %v, want ErrNotFound", id, err)
		}
	}
	if store.calls != 0 {
		t.Errorf("store was queried %d times for malformed IDs", store.calls)
	}

	if _, err := catalog.Get(uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() of an unknown UUID = %v, want ErrNotFound", err)
	}
}

func TestNewCatalogRequiresStore(t *testing.T) {
	if _, err := NewCatalog(nil, nil, nil); err == nil {
		t.Error("NewCatalog(nil) should fail")
	}
}

func TestCompiledCacheTTL(t *testing.T) {
	cache := NewInMemoryCompiledCache(CacheConfig{TTL: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	rb := &rules.Rulebook{Name: "r"}
	cache.Set("a", rb)
	if cache.Get("a") != rb || cache.Len() != 1 {
		t.Fatal("fresh entry should be served")
	}

	now = now.Add(2 * time.Minute)
	if cache.Get("a") != nil {
		t.Error("expired entry should be a miss")
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expiry", cache.Len())
	}
}

func TestCompiledCacheInvalidate(t *testing.T) {
	cache := NewInMemoryCompiledCache(DefaultCacheConfig())

	cache.Set("a", &rules.Rulebook{Name: "a"})
	cache.Set("b", &rules.Rulebook{Name: "b"})
	cache.Invalidate("a")

	if cache.Get("a") != nil {
		t.Error("invalidated entry should be a miss")
	}
	if cache.Get("b") == nil {
		t.Error("other entries should survive Invalidate()")
	}
	cache.Clear()
	if cache.Len() != 0 {
		t.Error("Clear() should drop every entry")
	}
}
