// Package credstore keeps a session's local credential directory in sync with
// remote blob storage. Objects live under a deterministic prefix derived from
// the session id, so a restarted process can restore what an earlier one
// persisted.
package credstore

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"
	"golang.org/x/sync/errgroup"
)

// defaultParallelism bounds concurrent object transfers per call.
const defaultParallelism = 8

type transfer struct {
	object storage.Object
	dest   string
}

// Store restores and persists credential directories against a blob store
// addressed by baseURL (gs://bucket, file:///srv/creds, mem://localhost/creds).
// A Store with an empty baseURL is disabled and every operation is a no-op.
type Store struct {
	fs          afs.Service
	baseURL     string
	prefix      string
	parallelism int
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the path prefix placed in front of every session id.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithService replaces the afs service used for remote access.
func WithService(service afs.Service) Option {
	return func(s *Store) {
		s.fs = service
	}
}

// WithParallelism bounds concurrent transfers. Values below 1 are ignored.
func WithParallelism(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store rooted at baseURL.
func New(baseURL string, opts ...Option) *Store {
	s := &Store{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = afs.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "credstore")
	return s
}

// Enabled reports whether a remote store is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.baseURL != ""
}

// Prefix returns the object prefix for a session: "{prefix}/{sessionID}/" when a
// prefix is configured, "{sessionID}/" otherwise. Leading and trailing slashes
// of the configured prefix are ignored.
func Prefix(sessionID, prefix string) string {
	cleaned := strings.Trim(strings.TrimSpace(prefix), "/")
	if cleaned == "" {
		return sessionID + "/"
	}
	return cleaned + "/" + sessionID + "/"
}

func (s *Store) sessionURL(sessionID string) string {
	return url.Join(s.baseURL, strings.TrimSuffix(Prefix(sessionID, s.prefix), "/"))
}

// Restore downloads every object under the session prefix into localDir,
// preserving relative paths. A session with no remote objects is not an error.
func (s *Store) Restore(ctx context.Context, sessionID, localDir string) error {
	if !s.Enabled() {
		return nil
	}
	remote := s.sessionURL(sessionID)
	exists, err := s.fs.Exists(ctx, remote)
	if err != nil {
		return fmt.Errorf("checking %s: %w", remote, err)
	}
	if !exists {
		s.logger.Debug("no remote credentials", "session_id", sessionID)
		return nil
	}

	objects, err := s.fs.List(ctx, remote, option.NewRecursive(true))
	if err != nil {
		return fmt.Errorf("listing %s: %w", remote, err)
	}
	basePath := strings.TrimSuffix(url.Path(remote), "/")

	var transfers []transfer
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		relative := strings.TrimPrefix(strings.TrimPrefix(url.Path(object.URL()), basePath), "/")
		if relative == "" {
			continue
		}
		dest := filepath.Join(localDir, filepath.FromSlash(relative))
		if !withinDir(localDir, dest) {
			return fmt.Errorf("object %s escapes %s", object.URL(), localDir)
		}
		transfers = append(transfers, transfer{object: object, dest: dest})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, t := range transfers {
		g.Go(func() error {
			data, err := s.fs.Download(gctx, t.object)
			if err != nil {
				return fmt.Errorf("downloading %s: %w", t.object.URL(), err)
			}
			if err := os.MkdirAll(filepath.Dir(t.dest), 0o700); err != nil {
				return err
			}
			return os.WriteFile(t.dest, data, 0o600)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("credentials restored", "session_id", sessionID, "files", len(transfers))
	return nil
}

// Persist uploads every file under localDir to the session prefix. Object
// names always use forward slashes.
func (s *Store) Persist(ctx context.Context, sessionID, localDir string) error {
	if !s.Enabled() {
		return nil
	}
	files, err := listLocalFiles(localDir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", localDir, err)
	}
	remote := s.sessionURL(sessionID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, relative := range files {
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(localDir, relative))
			if err != nil {
				return err
			}
			dest := url.Join(remote, filepath.ToSlash(relative))
			if err := s.fs.Upload(gctx, dest, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("uploading %s: %w", dest, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Debug("credentials persisted", "session_id", sessionID, "files", len(files))
	return nil
}

// Purge deletes every remote object of a session.
func (s *Store) Purge(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	remote := s.sessionURL(sessionID)
	exists, err := s.fs.Exists(ctx, remote)
	if err != nil {
		return fmt.Errorf("checking %s: %w", remote, err)
	}
	if !exists {
		return nil
	}
	if err := s.fs.Delete(ctx, remote); err != nil {
		return fmt.Errorf("deleting %s: %w", remote, err)
	}
	s.logger.Info("credentials purged", "session_id", sessionID)
	return nil
}

// listLocalFiles returns the paths, relative to dir, of all regular files under dir.
func listLocalFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, relative)
		return nil
	})
	return files, err
}

func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
