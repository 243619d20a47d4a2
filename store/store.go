package store

import (
	"slices"
	"sort"
	"sync"
)

// Store is the ordered in-memory plot container. Iteration order is
// insertion order until SortByTime is called, after which it is
// non-decreasing by timestamp until the next mutation. The replication
// loop and the resolver touch it in strictly sequential phases; the mutex
// only protects against diagnostic readers (console, tests).
type Store struct {
	mu    sync.Mutex
	plots []Plot
}

func New() *Store {
	return &Store{}
}

// Add records a locally produced observation and marks it for
// replication.
func (s *Store) Add(droneID, nodeID uint32, ts int64, lat, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plots = append(s.plots, Plot{
		DroneID:   droneID,
		NodeID:    nodeID,
		Timestamp: ts,
		Latitude:  lat,
		Longitude: lon,
		Flags:     FlagNew,
	})
}

// Append inserts a plot verbatim, flags included. The replication loop
// uses it for replicated-in plots (flags zero) and the journal uses it
// on replay.
func (s *Store) Append(p Plot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plots = append(s.plots, p)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plots)
}

// At returns a copy of the plot at position i.
func (s *Store) At(i int) Plot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plots[i]
}

// Mutate edits the plot at position i in place.
func (s *Store) Mutate(i int, fn func(p *Plot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.plots[i])
}

// EraseAt removes the plot at position i, preserving the order of the
// rest.
func (s *Store) EraseAt(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plots = append(s.plots[:i], s.plots[i+1:]...)
}

// SortByTime orders plots by timestamp ascending. The sort is stable:
// ties keep their insertion order.
func (s *Store) SortByTime() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(s.plots, func(i, j int) bool {
		return s.plots[i].Timestamp < s.plots[j].Timestamp
	})
}

// Nodes returns the distinct node ids present in the store, ascending.
func (s *Store) Nodes() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var nodes []uint32
	for i := range s.plots {
		if !slices.Contains(nodes, s.plots[i].NodeID) {
			nodes = append(nodes, s.plots[i].NodeID)
		}
	}
	slices.Sort(nodes)
	return nodes
}

// Snapshot copies the current contents, for diagnostics and tests.
func (s *Store) Snapshot() []Plot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.plots)
}
