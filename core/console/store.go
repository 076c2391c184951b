package console

import "sync"

// Store holds the session's canonical snapshot of the incident collection.
// Refreshes replace it wholesale; optimistic mutations overlay single rows.
// A generation counter tags each wholesale replace so results of calls that
// started against an older snapshot, or after Close, can be discarded.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]Incident
	order      []string
	generation uint64
	closed     bool
}

func NewStore() *Store {
	return &Store{byID: map[string]Incident{}}
}

// ReplaceAll swaps the whole snapshot and returns the new generation.
func (s *Store) ReplaceAll(incidents []Incident) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.generation
	}
	byID := make(map[string]Incident, len(incidents))
	order := make([]string, 0, len(incidents))
	for _, inc := range incidents {
		if _, ok := byID[inc.ExternalID]; !ok {
			order = append(order, inc.ExternalID)
		}
		byID[inc.ExternalID] = inc
	}
	s.byID = byID
	s.order = order
	s.generation++
	return s.generation
}

func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *Store) Get(externalID string) (Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.byID[externalID]
	return inc, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Upsert overlays one incident onto the current snapshot. No-op once closed.
func (s *Store) Upsert(inc Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.byID[inc.ExternalID]; !ok {
		s.order = append(s.order, inc.ExternalID)
	}
	s.byID[inc.ExternalID] = inc
}

// UpsertIfGeneration overlays inc only while the snapshot generation matches
// gen. Used to revert an optimistic overlay: when a refresh already replaced
// the snapshot the overlay is gone and the revert must not resurrect it.
func (s *Store) UpsertIfGeneration(inc Incident, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		return false
	}
	if _, ok := s.byID[inc.ExternalID]; !ok {
		s.order = append(s.order, inc.ExternalID)
	}
	s.byID[inc.ExternalID] = inc
	return true
}

// Snapshot copies the collection in stable insertion order.
func (s *Store) Snapshot() []Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Incident, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Close freezes the store. After Close no mutation is applied; late network
// responses resolving after view teardown are silently dropped.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
