package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/musabulbul/kurumtakip/protocol"
)

// fakeDialer counts constructions and can be gated or made to fail.
type fakeDialer struct {
	constructions atomic.Int32
	entered       chan struct{}
	release       chan struct{}
	newErr        error
	connectErr    error
	// connectGate, when set, holds every Connect until it is closed.
	connectGate chan struct{}
	connecting  chan struct{}

	mu      sync.Mutex
	clients []*fakeClient
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		entered:    make(chan struct{}, 64),
		connecting: make(chan struct{}, 64),
	}
}

func (d *fakeDialer) LatestVersion(ctx context.Context) (protocol.Version, error) {
	return protocol.Version{Major: 2, Minor: 1, Patch: 0}, nil
}

func (d *fakeDialer) NewClient(ctx context.Context, dir string, version protocol.Version, opts protocol.Options) (protocol.Client, error) {
	d.constructions.Add(1)
	d.entered <- struct{}{}
	if d.release != nil {
		<-d.release
	}
	if d.newErr != nil {
		return nil, d.newErr
	}
	c := &fakeClient{dir: dir, connectErr: d.connectErr, gate: d.connectGate, connecting: d.connecting}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

// fakeClient lets tests drive connection updates by hand.
type fakeClient struct {
	dir        string
	connectErr error
	gate       chan struct{}
	connecting chan struct{}

	mu         sync.Mutex
	onUpdate   func(protocol.ConnectionUpdate)
	onCreds    func(context.Context) error
	registered bool
	connected  bool
	closed     bool
	sent       []string
}

func (c *fakeClient) OnConnectionUpdate(fn func(protocol.ConnectionUpdate)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

func (c *fakeClient) OnCredentialsChanged(fn func(context.Context) error) {
	c.mu.Lock()
	c.onCreds = fn
	c.mu.Unlock()
}

func (c *fakeClient) Connect(ctx context.Context) error {
	select {
	case c.connecting <- struct{}{}:
	default:
	}
	if c.gate != nil {
		<-c.gate
	}
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *fakeClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return "ABCD1234", nil
}

func (c *fakeClient) SendMessage(ctx context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, recipient)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) emit(u protocol.ConnectionUpdate) {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	fn(u)
}

func (c *fakeClient) saveCreds(ctx context.Context) error {
	c.mu.Lock()
	fn := c.onCreds
	c.mu.Unlock()
	return fn(ctx)
}

// recordingStore is an in-memory CredentialStore.
type recordingStore struct {
	mu       sync.Mutex
	restores []string
	persists []string
	purges   []string
	err      error
	// purgeGate, when set, holds Purge until it is closed.
	purgeGate chan struct{}
}

func (s *recordingStore) Restore(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restores = append(s.restores, id)
	return s.err
}

func (s *recordingStore) Persist(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists = append(s.persists, id)
	return s.err
}

func (s *recordingStore) Purge(_ context.Context, id string) error {
	if s.purgeGate != nil {
		<-s.purgeGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges = append(s.purges, id)
	return nil
}

func (s *recordingStore) counts() (restores, persists, purges int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.restores), len(s.persists), len(s.purges)
}
