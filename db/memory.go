package db

import (
	"context"
	"sync"
)

// ============================================================================
// MemoryStore - in-memory implementation of DocumentStore
// ============================================================================

// MemoryStore keeps documents in a map. Used by tests and by local
// single-node deployments that have no Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Ensure MemoryStore implements DocumentStore
var _ DocumentStore = (*MemoryStore)(nil)

// Get retrieves a document by name
func (s *MemoryStore) Get(ctx context.Context, name string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[name]
	if !ok {
		return Document{}, ErrNotFound
	}
	// Copy the body so callers cannot alias the stored slice.
	body := make([]byte, len(doc.Body))
	copy(body, doc.Body)
	return Document{Name: name, Body: body, Version: doc.Version}, nil
}

// Put writes a document conditionally on its expected version
func (s *MemoryStore) Put(ctx context.Context, name string, body []byte, expectVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[name]
	if expectVersion == 0 {
		if exists {
			return 0, ErrVersionConflict
		}
	} else if !exists || current.Version != expectVersion {
		return 0, ErrVersionConflict
	}

	stored := make([]byte, len(body))
	copy(stored, body)
	next := expectVersion + 1
	s.docs[name] = Document{Name: name, Body: stored, Version: next}
	return next, nil
}
