package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the store configuration.
type Config struct {
	// Policy resolves per-endpoint TTLs
	Policy Policy

	// SweepInterval is the background sweep period used by Run
	SweepInterval time.Duration

	// Now returns the current time (defaults to time.Now)
	Now func() time.Time

	Logger zerolog.Logger
}

// DefaultConfig returns the dashboard defaults: the TTL table and a 5 minute sweep.
func DefaultConfig() Config {
	return Config{
		Policy:        DefaultPolicy(),
		SweepInterval: DefaultSweepInterval,
		Now:           time.Now,
		Logger:        zerolog.Nop(),
	}
}

// Store is a concurrency-safe map from resource key to Entry.
// Writes are atomic per key and visible to any read issued afterwards.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	version uint64

	policy        Policy
	sweepInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewStore creates an empty store. A config without a policy gets
// DefaultPolicy.
func NewStore(cfg Config) *Store {
	if cfg.Policy.overrides == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		entries:       make(map[string]Entry),
		policy:        cfg.Policy,
		sweepInterval: cfg.SweepInterval,
		now:           cfg.Now,
		logger:        cfg.Logger.With().Str("component", "cache-store").Logger(),
	}
}

// Policy returns the TTL policy of the store.
func (s *Store) Policy() Policy {
	return s.policy
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Read returns the entry for key regardless of freshness. Never blocks on I/O.
func (s *Store) Read(key string) (Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	return entry, ok
}

// IsFresh reports whether the entry is younger than its endpoint TTL.
func (s *Store) IsFresh(entry Entry) bool {
	return IsFresh(entry, s.policy.TTL(entry.Endpoint), s.now())
}

// Fresh returns the entry for key only if it is still within its TTL.
func (s *Store) Fresh(key Key) (Entry, bool) {
	entry, ok := s.Read(key.String())
	if !ok {
		CacheMisses.Inc()
		s.logger.Debug().Str("key", key.String()).Msg("Cache miss")
		return Entry{}, false
	}
	if !s.IsFresh(entry) {
		CacheMisses.Inc()
		s.logger.Debug().
			Str("key", key.String()).
			Dur("age", entry.Age(s.now())).
			Msg("Cache entry stale")
		return Entry{}, false
	}
	CacheHits.WithLabelValues(hitKind(entry)).Inc()
	return entry, true
}

// WriteOptions carries optional metadata for Write.
type WriteOptions struct {
	ETag     string
	Fallback bool
}

// Write stores value under key, stamping FetchedAt with the current time.
// It returns the stored entry.
func (s *Store) Write(key Key, value json.RawMessage, opts WriteOptions) Entry {
	s.mu.Lock()
	s.version++
	entry := Entry{
		Value:     value,
		FetchedAt: s.now(),
		Endpoint:  key.Endpoint,
		ETag:      opts.ETag,
		Fallback:  opts.Fallback,
		Version:   s.version,
	}
	s.entries[key.String()] = entry
	size := len(s.entries)
	s.mu.Unlock()

	CacheWrites.WithLabelValues(writeKind(opts.Fallback)).Inc()
	CacheEntries.Set(float64(size))
	return entry
}

// Touch re-stamps an existing entry as freshly fetched, keeping its value.
// Used after a 304 Not Modified revalidation.
func (s *Store) Touch(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key.String()]
	if !ok {
		return Entry{}, false
	}
	s.version++
	entry.FetchedAt = s.now()
	entry.Version = s.version
	s.entries[key.String()] = entry
	return entry, true
}

// Evict removes a single key.
func (s *Store) Evict(key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	size := len(s.entries)
	s.mu.Unlock()

	if ok {
		CacheEvictions.WithLabelValues("explicit").Inc()
		CacheEntries.Set(float64(size))
	}
	return ok
}

// EvictByPattern removes every key whose string form contains pattern.
// It returns the number of removed entries.
func (s *Store) EvictByPattern(pattern string) int {
	s.mu.Lock()
	removed := 0
	for key := range s.entries {
		if strings.Contains(key, pattern) {
			delete(s.entries, key)
			removed++
		}
	}
	size := len(s.entries)
	s.mu.Unlock()

	if removed > 0 {
		CacheEvictions.WithLabelValues("pattern").Add(float64(removed))
		CacheEntries.Set(float64(size))
		s.logger.Debug().Str("pattern", pattern).Int("removed", removed).Msg("Evicted by pattern")
	}
	return removed
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	removed := len(s.entries)
	s.entries = make(map[string]Entry)
	s.mu.Unlock()

	CacheEvictions.WithLabelValues("clear").Add(float64(removed))
	CacheEntries.Set(0)
}

// Sweep removes every entry whose policy TTL has elapsed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for key, entry := range s.entries {
		if !IsFresh(entry, s.policy.TTL(entry.Endpoint), now) {
			delete(s.entries, key)
			removed++
		}
	}
	size := len(s.entries)
	s.mu.Unlock()

	if removed > 0 {
		CacheEvictions.WithLabelValues("ttl").Add(float64(removed))
	}
	CacheEntries.Set(float64(size))
	s.logger.Debug().Int("removed", removed).Int("remaining", size).Msg("Cache sweep completed")
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.sweepInterval).Msg("Cache sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Cache sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of entries, fresh or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func hitKind(e Entry) string {
	if e.Fallback {
		return "fallback"
	}
	return "live"
}

func writeKind(fallback bool) string {
	if fallback {
		return "fallback"
	}
	return "live"
}
