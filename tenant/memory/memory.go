// Package memory provides a thread-safe in-memory implementation of tenant.DocumentStore.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/musabulbul/kurumtakip/tenant"
)

// Store is a thread-safe in-memory DocumentStore.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]tenant.Document
}

var _ tenant.DocumentStore = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[string]map[string]tenant.Document)}
}

// Put creates or replaces a document.
func (s *Store) Put(collection, id string, doc tenant.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[collection]; !ok {
		s.data[collection] = make(map[string]tenant.Document)
	}
	s.data[collection][id] = maps.Clone(doc)
}

func (s *Store) Get(_ context.Context, collection, id string) (tenant.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
	}
	return maps.Clone(doc), nil
}

// Delete removes a document.
func (s *Store) Delete(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.data[collection]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
	}
	if _, ok := docs[id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
	}
	delete(docs, id)
	return nil
}
