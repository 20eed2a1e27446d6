package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/circletel/coverage-engine/internal/coverage"
)

// Key identifies one cached resolution. Coordinates are quantized to four
// decimal places (~11 m) so near-identical queries share an entry, combined
// with the canonical technology fingerprint.
type Key string

// KeyFor derives the cache key for a query.
func KeyFor(coord coverage.Coordinate, techs coverage.TechSet) Key {
	return Key(fmt.Sprintf("%.4f,%.4f|%s", coord.Lat, coord.Lon, techs.Fingerprint()))
}

// Stats is a point-in-time view of cache effectiveness, exposed on the admin
// surface.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Flushes uint64 `json:"flushes"`
}

// Store holds aggregated resolutions between configuration changes. Entries
// expire by TTL; Flush drops everything, which the refresher calls whenever
// provider configuration or geometry changes so stale answers never outlive
// a reload.
type Store interface {
	Get(ctx context.Context, key Key) (coverage.Result, bool)
	Put(ctx context.Context, key Key, result coverage.Result)
	Flush(ctx context.Context)
	Stats() Stats
}

type entry struct {
	result    coverage.Result
	expiresAt time.Time
	seq       uint64
}

type slot struct {
	key Key
	seq uint64
}

// Memory is the process-local store. Beyond maxEntries the oldest entry by
// insertion is evicted; no LRU bookkeeping is needed at this scale. Each
// entry carries an insertion sequence so slots orphaned by TTL expiry can
// never evict a fresher re-insert of the same key.
type Memory struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[Key]entry
	order   []slot
	seq     uint64
	hits    uint64
	misses  uint64
	flushes uint64
}

// NewMemory builds an in-memory store. A non-positive TTL falls back to five
// minutes, a non-positive cap to 10000 entries.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[Key]entry),
	}
}

// Get returns the cached result if it exists and has not expired.
func (m *Memory) Get(_ context.Context, key Key) (coverage.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		if ok {
			delete(m.entries, key)
		}
		m.misses++
		return coverage.Result{}, false
	}
	m.hits++
	return e.result, true
}

// Put stores the result, evicting oldest-by-insertion entries beyond the cap.
// Concurrent writers to the same key are last-writer-wins.
func (m *Memory) Put(_ context.Context, key Key, result coverage.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var seq uint64
	if existing, exists := m.entries[key]; exists {
		seq = existing.seq
	} else {
		m.seq++
		seq = m.seq
		m.order = append(m.order, slot{key: key, seq: seq})
	}
	m.entries[key] = entry{result: result, expiresAt: m.now().Add(m.ttl), seq: seq}
	// Every live entry has exactly one matching slot, so this terminates.
	for len(m.entries) > m.maxEntries {
		oldest := m.order[0]
		m.order = m.order[1:]
		if e, ok := m.entries[oldest.key]; ok && e.seq == oldest.seq {
			delete(m.entries, oldest.key)
		}
	}
	if len(m.order) > 2*len(m.entries)+16 {
		m.compact()
	}
}

// compact drops slots orphaned by TTL expiry so order stays proportional to
// the live entry count under get/expire churn.
func (m *Memory) compact() {
	live := m.order[:0]
	for _, s := range m.order {
		if e, ok := m.entries[s.key]; ok && e.seq == s.seq {
			live = append(live, s)
		}
	}
	m.order = live
}

// Flush drops every entry.
func (m *Memory) Flush(_ context.Context) {
	m.mu.Lock()
	m.entries = make(map[Key]entry)
	m.order = nil
	m.flushes++
	m.mu.Unlock()
}

// Stats reports counters since process start.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Entries: len(m.entries), Hits: m.hits, Misses: m.misses, Flushes: m.flushes}
}
