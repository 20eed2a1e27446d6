package geometry

import (
	"errors"
	"sync"
)

// ErrNotLoaded is returned when a provider has no active geometry set. This
// is a configuration problem surfaced to operators, not a per-query miss.
var ErrNotLoaded = errors.New("geometry set not loaded")

// Index holds the active geometry set per static provider. Load swaps in a
// complete immutable snapshot, so in-flight lookups keep reading the old set
// and writers never block readers.
type Index struct {
	mu   sync.RWMutex
	sets map[string]*Set
}

// NewIndex builds an empty index.
func NewIndex() *Index {
	return &Index{sets: make(map[string]*Set)}
}

// Load atomically replaces the active set for the provider.
func (i *Index) Load(set *Set) {
	i.mu.Lock()
	i.sets[set.ProviderID] = set
	i.mu.Unlock()
}

// Drop removes a provider's geometry, typically when the provider is deleted.
func (i *Index) Drop(providerID string) {
	i.mu.Lock()
	delete(i.sets, providerID)
	i.mu.Unlock()
}

// Snapshot returns the current set for a provider.
func (i *Index) Snapshot(providerID string) (*Set, error) {
	i.mu.RLock()
	set, ok := i.sets[providerID]
	i.mu.RUnlock()
	if !ok {
		return nil, ErrNotLoaded
	}
	return set, nil
}

// PolygonCount reports the number of polygons loaded per provider.
func (i *Index) PolygonCount() map[string]int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	counts := make(map[string]int, len(i.sets))
	for id, set := range i.sets {
		counts[id] = set.Len()
	}
	return counts
}
