// Package firestore provides a Cloud Firestore tenant document store.
package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/musabulbul/kurumtakip/tenant"
)

// Store implements tenant.DocumentStore on top of a Firestore client.
type Store struct {
	client *firestore.Client
}

var _ tenant.DocumentStore = (*Store)(nil)

// NewStore wraps an existing client.
func NewStore(client *firestore.Client) *Store {
	return &Store{client: client}
}

// Open connects to Firestore. An empty projectID detects the project from the
// environment's credentials.
func Open(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return NewStore(client), nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, collection, id string) (tenant.Document, error) {
	ref := s.client.Collection(collection).Doc(id)
	if ref == nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
	}
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, tenant.ErrDocumentNotFound)
	}
	return tenant.Document(snap.Data()), nil
}
