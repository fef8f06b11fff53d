package offline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config configures a Store backend.
type Config struct {
	// Prefix namespaces redis keys (e.g., "dashboard:offline")
	Prefix string

	// Now overrides the clock (tests)
	Now func() time.Time
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Prefix: "dashboard:offline",
		Now:    time.Now,
	}
}

func (c Config) normalized() Config {
	if c.Prefix == "" {
		c.Prefix = "dashboard:offline"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg Config) *MemoryStore {
	cfg = cfg.normalized()
	return &MemoryStore{
		collections: make(map[string]map[string]Record),
		now:         cfg.Now,
	}
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	out := stampNew(rec, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.collections[collection]
	if !ok {
		records = make(map[string]Record)
		m.collections[collection] = records
	}
	records[out.ID()] = out
	return out.Clone(), nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, collection, id string, patch Record) (Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	out := merge(existing, patch, m.now())
	m.collections[collection][id] = out
	return out.Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.collections[collection]
	if _, ok := records[id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	delete(records, id)
	if len(records) == 0 {
		delete(m.collections, collection)
	}
	return nil
}

// ListAll implements Store.
func (m *MemoryStore) ListAll(ctx context.Context, collection string) ([]Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.collections[collection]
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

// Collections implements Store.
func (m *MemoryStore) Collections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
