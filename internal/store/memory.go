package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by tests and the CLI's dry runs.
// Documents are copied on the way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Document
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]Document)}
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.data[collection][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return withKey(doc, id), nil
}

func (s *MemoryStore) Query(_ context.Context, collection, field string, op Operator, value any) ([]Document, error) {
	if op != OpEqual && op != OpNotEqual {
		return nil, wrap("query", collection, fmt.Errorf("unsupported operator %q", op))
	}
	want := compareValue(value)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Document
	for _, id := range s.sortedIDs(collection) {
		doc := s.data[collection][id]
		got, present := doc[field]
		equal := present && compareValue(got) == want
		if (op == OpEqual && equal) || (op == OpNotEqual && !equal) {
			out = append(out, withKey(doc, id))
		}
	}
	return out, nil
}

func (s *MemoryStore) RangeQuery(_ context.Context, collection, field, lower, upper string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		value string
		doc   Document
	}
	var hits []hit
	for _, id := range s.sortedIDs(collection) {
		doc := s.data[collection][id]
		raw, ok := doc[field]
		if !ok {
			continue
		}
		v := compareValue(raw)
		if v >= lower && v < upper {
			hits = append(hits, hit{value: v, doc: withKey(doc, id)})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].value < hits[j].value })

	out := make([]Document, len(hits))
	for i, h := range hits {
		out[i] = h.doc
	}
	return out, nil
}

func (s *MemoryStore) All(_ context.Context, collection string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sortedIDs(collection)
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, withKey(s.data[collection][id], id))
	}
	return out, nil
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, collection, id string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.data[collection]
	if !ok {
		coll = make(map[string]Document)
		s.data[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return fmt.Errorf("%w: %s/%s", ErrConflict, collection, id)
	}
	coll[id] = withoutKey(doc)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, collection, id string, partial Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.data[collection][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	merged := doc.Clone()
	for k, v := range withoutKey(partial) {
		merged[k] = v
	}
	s.data[collection][id] = merged
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[collection][id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	delete(s.data[collection], id)
	return nil
}

// Len reports the number of documents in a collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[collection])
}

// sortedIDs must be called with s.mu held.
func (s *MemoryStore) sortedIDs(collection string) []string {
	ids := make([]string, 0, len(s.data[collection]))
	for id := range s.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func withKey(doc Document, id string) Document {
	out := doc.Clone()
	out[IDKey] = id
	return out
}

func withoutKey(doc Document) Document {
	out := doc.Clone()
	delete(out, IDKey)
	return out
}
