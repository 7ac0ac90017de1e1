// Package bbolt provides a BBolt-backed tenant document store. Each collection
// is a bucket and each document a JSON object stored under its id.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/musabulbul/kurumtakip/tenant"
)

// Store implements tenant.DocumentStore backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ tenant.DocumentStore = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, collection, id string) (tenant.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc tenant.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Put creates or replaces a document.
func (s *Store) Put(collection, id string, doc tenant.Document) error {
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Merge sets the given fields on a document, creating it when absent.
func (s *Store) Merge(collection, id string, fields tenant.Document) error {
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		doc := tenant.Document{}
		if existing := b.Get([]byte(id)); existing != nil {
			if err := json.Unmarshal(existing, &doc); err != nil {
				return err
			}
		}
		for k, v := range fields {
			doc[k] = v
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Delete removes a document.
func (s *Store) Delete(collection, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil || b.Get([]byte(id)) == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// List returns the ids of every document in a collection.
func (s *Store) List(collection string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
