package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/musabulbul/kurumtakip/protocol"
)

// CredentialStore restores and persists a session's credential directory.
type CredentialStore interface {
	Restore(ctx context.Context, sessionID, localDir string) error
	Persist(ctx context.Context, sessionID, localDir string) error
	Purge(ctx context.Context, sessionID string) error
}

type nopCredentialStore struct{}

func (nopCredentialStore) Restore(context.Context, string, string) error { return nil }
func (nopCredentialStore) Persist(context.Context, string, string) error { return nil }
func (nopCredentialStore) Purge(context.Context, string) error           { return nil }

// Registry maps session ids to sessions. It is safe for concurrent use and
// runs at most one initialisation per id at a time.
type Registry struct {
	root          string
	dialer        protocol.Dialer
	creds         CredentialStore
	clientOpts    protocol.Options
	evictOnLogout bool
	logger        *slog.Logger
	tracer        trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	// pending holds the in-flight initialisation of each id.
	pending singleflight.Group
	evicting sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithCredentialStore sets where credential directories are restored from and persisted to.
func WithCredentialStore(store CredentialStore) Option {
	return func(r *Registry) {
		if store != nil {
			r.creds = store
		}
	}
}

// WithClientOptions sets the options passed to every new protocol client.
func WithClientOptions(opts protocol.Options) Option {
	return func(r *Registry) {
		r.clientOpts = opts
	}
}

// WithEvictOnLogout controls whether a logged-out session is torn down and
// its credentials removed.
func WithEvictOnLogout(evict bool) Option {
	return func(r *Registry) {
		r.evictOnLogout = evict
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithTracer sets the tracer used for initialisation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) {
		r.tracer = tracer
	}
}

// NewRegistry creates a Registry keeping credential directories under root.
func NewRegistry(root string, dialer protocol.Dialer, opts ...Option) *Registry {
	r := &Registry{
		root:          root,
		dialer:        dialer,
		creds:         nopCredentialStore{},
		evictOnLogout: true,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "registry")
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/musabulbul/kurumtakip/session")
	}
	return r
}

// ValidateID reports whether id can name a session directory.
func ValidateID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
	case strings.ContainsAny(id, `/\`+"\x00"):
	case filepath.Base(id) != id:
	default:
		return nil
	}
	return fmt.Errorf("%q: %w", id, ErrInvalidSessionID)
}

// Get returns an initialised session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every initialised session ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// GetOrInit returns the session for id, creating it on first use. Concurrent
// callers for an id that is being initialised share that initialisation and
// its result, success or failure.
func (r *Registry) GetOrInit(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if s, ok := r.Get(id); ok {
		return s, nil
	}

	ch := r.pending.DoChan(id, func() (any, error) {
		// A flight that finished between the lookup above and this call has
		// already stored the session.
		if s, ok := r.Get(id); ok {
			return s, nil
		}
		return r.initialize(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) initialize(ctx context.Context, id string) (s *Session, err error) {
	ctx, span := r.tracer.Start(ctx, "session.initialize", trace.WithAttributes(attribute.String("session.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}

	dir := filepath.Join(r.root, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	if err := r.creds.Restore(ctx, id, dir); err != nil {
		return nil, fmt.Errorf("restoring credentials: %w", err)
	}
	version, err := r.dialer.LatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching protocol version: %w", err)
	}
	client, err := r.dialer.NewClient(ctx, dir, version, r.clientOpts)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}

	s = newSession(id, dir, client)
	client.OnConnectionUpdate(r.connectionHook(s))
	client.OnCredentialsChanged(r.credentialsHook(s))

	// The session becomes visible only once Connect has succeeded. Callers
	// arriving in the meantime join the pending flight and share its result.
	if err := client.Connect(ctx); err != nil {
		s.retire()
		client.Close()
		return nil, fmt.Errorf("connecting: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.retire()
		client.Close()
		return nil, ErrRegistryClosed
	}
	if s.Retired() {
		// Logged out while connecting; evict has already cleaned up.
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s logged out while connecting: %w", id, ErrNotConnected)
	}
	r.sessions[id] = s
	r.mu.Unlock()
	r.logger.Info("session initialised", "session_id", id, "version", version.String())
	return s, nil
}

func (r *Registry) connectionHook(s *Session) func(protocol.ConnectionUpdate) {
	return func(update protocol.ConnectionUpdate) {
		t, changed := s.apply(update)
		if changed {
			r.logger.Info("connection state changed", "session_id", s.id, "from", t.From, "to", t.To)
		}
		if update.Disconnect == nil {
			return
		}
		if update.Disconnect.LoggedOut() {
			r.logger.Warn("session logged out", "session_id", s.id)
			if r.evictOnLogout {
				r.evicting.Add(1)
				go func() {
					defer r.evicting.Done()
					r.evict(s)
				}()
			}
			return
		}
		r.logger.Warn("connection closed", "session_id", s.id, "status_code", update.Disconnect.StatusCode)
	}
}

func (r *Registry) credentialsHook(s *Session) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := r.creds.Persist(ctx, s.id, s.dir); err != nil {
			r.logger.Error("persisting credentials failed", "session_id", s.id, "error", err)
			return err
		}
		return nil
	}
}

// evict tears down a logged-out session. The session stays in the map until
// its directory and remote credentials are gone, so a new initialisation for
// the same id never races the cleanup. It is retired first, so sends that find
// it in the meantime fail with ErrNotConnected at once.
func (r *Registry) evict(s *Session) {
	ctx := context.Background()
	s.retire()
	if err := s.client.Close(); err != nil {
		r.logger.Warn("closing client failed", "session_id", s.id, "error", err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		r.logger.Error("removing session directory failed", "session_id", s.id, "error", err)
	}
	if err := r.creds.Purge(ctx, s.id); err != nil {
		r.logger.Error("purging credentials failed", "session_id", s.id, "error", err)
	}
	r.remove(s)
	r.logger.Info("session evicted", "session_id", s.id)
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// Close closes every session's client. Later GetOrInit calls fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		s.retire()
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	r.evicting.Wait()
	return errors.Join(errs...)
}
