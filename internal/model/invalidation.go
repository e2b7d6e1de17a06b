package model

import (
	"errors"
	"sort"

	"github.com/google/uuid"
)

// ErrMergeInvariant is returned when a write would break the base-study
// self-reference or uniqueness invariants. It is a data or programming
// error: the affected outbox row is deferred for manual inspection.
var ErrMergeInvariant = errors.New("merge invariant violation")

// Cache resource types.
const (
	ResourceBaseStudies = "base-studies"
	ResourceStudies     = "studies"
	ResourceAnalyses    = "analyses"
)

// InvalidationSet maps a resource type to the ids whose cached
// representations must be refreshed.
type InvalidationSet map[string]map[uuid.UUID]struct{}

// Add records ids under resourceType.
func (s InvalidationSet) Add(resourceType string, ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	m, ok := s[resourceType]
	if !ok {
		m = make(map[uuid.UUID]struct{}, len(ids))
		s[resourceType] = m
	}
	for _, id := range ids {
		m[id] = struct{}{}
	}
}

// Merge adds every id in other to s.
func (s InvalidationSet) Merge(other InvalidationSet) {
	for rt, ids := range other {
		for id := range ids {
			s.Add(rt, id)
		}
	}
}

// IDs returns the ids for resourceType in a stable order.
func (s InvalidationSet) IDs(resourceType string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s[resourceType]))
	for id := range s[resourceType] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Has reports whether id is recorded under resourceType.
func (s InvalidationSet) Has(resourceType string, id uuid.UUID) bool {
	_, ok := s[resourceType][id]
	return ok
}

// Len returns the total number of ids across resource types.
func (s InvalidationSet) Len() int {
	n := 0
	for _, ids := range s {
		n += len(ids)
	}
	return n
}

// ResourceTypes returns the resource types present, sorted.
func (s InvalidationSet) ResourceTypes() []string {
	types := make([]string, 0, len(s))
	for rt, ids := range s {
		if len(ids) > 0 {
			types = append(types, rt)
		}
	}
	sort.Strings(types)
	return types
}
