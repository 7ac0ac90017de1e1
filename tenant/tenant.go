// Package tenant resolves external tenant identifiers to session identifiers
// through a document store keyed by tenant id.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTenantIDMissing is returned for an empty tenant id when no fallback session is configured.
	ErrTenantIDMissing = errors.New("tenant id missing")
	// ErrTenantNotFound is returned when no document exists for the tenant.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrSessionIDMissing is returned when the tenant document has no usable session id.
	ErrSessionIDMissing = errors.New("session id missing")
	// ErrDocumentNotFound is returned by a DocumentStore for an absent document.
	ErrDocumentNotFound = errors.New("document not found")
)

const (
	DefaultCollection   = "kurumlar"
	DefaultSessionField = "session_id"
)

// Document is a schemaless record as returned by a DocumentStore.
type Document map[string]any

// DocumentStore looks documents up by collection and id.
type DocumentStore interface {
	// Get returns the document or an error wrapping ErrDocumentNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
}

// Resolver maps tenant ids to session ids. It is safe for concurrent use.
type Resolver struct {
	store      DocumentStore
	collection string
	field      string
	fallback   string
	cacheTTL   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	sessionID string
	expiresAt time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCollection sets the collection holding tenant documents.
func WithCollection(collection string) Option {
	return func(r *Resolver) {
		if collection != "" {
			r.collection = collection
		}
	}
}

// WithSessionField sets the document field holding the session id.
func WithSessionField(field string) Option {
	return func(r *Resolver) {
		if field != "" {
			r.field = field
		}
	}
}

// WithFallback sets the session id used for requests without a tenant id.
func WithFallback(sessionID string) Option {
	return func(r *Resolver) {
		r.fallback = sessionID
	}
}

// WithCacheTTL caches successful resolutions for ttl. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cacheTTL = ttl
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a Resolver reading from store.
func NewResolver(store DocumentStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:      store,
		collection: DefaultCollection,
		field:      DefaultSessionField,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "tenant")
	return r
}

// Resolve returns the session id for tenantID.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		if r.fallback != "" {
			return r.fallback, nil
		}
		return "", ErrTenantIDMissing
	}

	if sessionID, ok := r.cached(tenantID); ok {
		return sessionID, nil
	}

	doc, err := r.store.Get(ctx, r.collection, tenantID)
	if errors.Is(err, ErrDocumentNotFound) {
		return "", fmt.Errorf("%s: %w", tenantID, ErrTenantNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("looking up tenant %s: %w", tenantID, err)
	}

	sessionID := fieldString(doc[r.field])
	if sessionID == "" {
		return "", fmt.Errorf("%s.%s: %w", tenantID, r.field, ErrSessionIDMissing)
	}
	r.remember(tenantID, sessionID)
	r.logger.Debug("tenant resolved", "tenant_id", tenantID, "session_id", sessionID)
	return sessionID, nil
}

// Invalidate drops a cached resolution, so the next Resolve reads the store.
func (r *Resolver) Invalidate(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

func (r *Resolver) cached(tenantID string) (string, bool) {
	if r.cacheTTL <= 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[tenantID]
	if !ok {
		return "", false
	}
	if !r.now().Before(entry.expiresAt) {
		delete(r.cache, tenantID)
		return "", false
	}
	return entry.sessionID, true
}

func (r *Resolver) remember(tenantID, sessionID string) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[tenantID] = cacheEntry{sessionID: sessionID, expiresAt: r.now().Add(r.cacheTTL)}
	r.mu.Unlock()
}

// fieldString renders a document field as a session id. Numeric ids are
// written without exponent or trailing zeros.
func fieldString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
