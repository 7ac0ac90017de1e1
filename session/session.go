// Package session owns one long-lived protocol connection per session id.
//
// A Session tracks the connection state reported by its client and lets
// callers wait for a state with a bounded timeout. The Registry creates
// sessions lazily and guarantees at most one initialisation per id.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/musabulbul/kurumtakip/protocol"
)

var (
	// ErrConnectionTimeout is returned when a session does not reach the awaited state in time.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrNotConnected is returned when a session is not open when it must be.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidSessionID is returned for ids that cannot name a credential directory.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrRegistryClosed is returned by a Registry after Close.
	ErrRegistryClosed = errors.New("registry closed")
	// ErrSubscriptionClosed is returned by Subscription.Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// State is a session's connection state.
type State = protocol.ConnectionState

const (
	StateConnecting = protocol.StateConnecting
	StateOpen       = protocol.StateOpen
	StateClosed     = protocol.StateClosed
)

const (
	ReasonLoggedOut        = "logged_out"
	ReasonConnectionClosed = "connection_closed"
)

// DisconnectInfo is the diagnostic record of the last close.
type DisconnectInfo struct {
	StatusCode int       `json:"status_code"`
	Reason     string    `json:"reason"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// LoggedOut reports whether the close was terminal.
func (d *DisconnectInfo) LoggedOut() bool {
	return d != nil && d.Reason == ReasonLoggedOut
}

func newDisconnectInfo(d *protocol.Disconnect) *DisconnectInfo {
	info := &DisconnectInfo{
		StatusCode: d.StatusCode,
		Reason:     ReasonConnectionClosed,
		At:         d.At,
	}
	if d.LoggedOut() {
		info.Reason = ReasonLoggedOut
	}
	if d.Err != nil {
		info.Message = d.Err.Error()
	}
	if info.At.IsZero() {
		info.At = time.Now()
	}
	return info
}

// Transition is one state change delivered to subscribers.
type Transition struct {
	Seq        uint64          `json:"seq"`
	From       State           `json:"from"`
	To         State           `json:"to"`
	Disconnect *DisconnectInfo `json:"disconnect,omitempty"`
	At         time.Time       `json:"at"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID             string          `json:"session_id"`
	State          State           `json:"state"`
	Registered     bool            `json:"registered"`
	LastDisconnect *DisconnectInfo `json:"last_disconnect,omitempty"`
	Transitions    uint64          `json:"transitions"`
}

// Session is one tenant's connection and its credential directory.
type Session struct {
	id     string
	dir    string
	client protocol.Client

	retired    chan struct{}
	retireOnce sync.Once

	mu             sync.Mutex
	state          State
	lastDisconnect *DisconnectInfo
	seq            uint64
	subs           map[*Subscription]struct{}
}

func newSession(id, dir string, client protocol.Client) *Session {
	return &Session{
		id:      id,
		dir:     dir,
		client:  client,
		state:   StateConnecting,
		subs:    make(map[*Subscription]struct{}),
		retired: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Dir is the local credential directory.
func (s *Session) Dir() string { return s.dir }

// Client is the owned protocol client.
func (s *Session) Client() protocol.Client { return s.client }

// retire marks the session as torn down. Pending and later waits fail with
// ErrNotConnected instead of running out their timeout.
func (s *Session) retire() {
	s.retireOnce.Do(func() { close(s.retired) })
}

// Retired reports whether the session is being or has been torn down.
func (s *Session) Retired() bool {
	select {
	case <-s.retired:
		return true
	default:
		return false
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastDisconnect returns a copy of the last disconnect record, or nil.
func (s *Session) LastDisconnect() *DisconnectInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastDisconnect == nil {
		return nil
	}
	d := *s.lastDisconnect
	return &d
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		Transitions: s.seq,
	}
	if s.lastDisconnect != nil {
		d := *s.lastDisconnect
		snap.LastDisconnect = &d
	}
	s.mu.Unlock()
	snap.Registered = s.client.IsRegistered()
	return snap
}

// apply records a connection update. Every update carrying a state is a
// transition and is delivered to every current subscriber.
func (s *Session) apply(update protocol.ConnectionUpdate) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var info *DisconnectInfo
	if update.Disconnect != nil {
		info = newDisconnectInfo(update.Disconnect)
		s.lastDisconnect = info
	}
	if update.State == "" {
		return Transition{}, false
	}

	s.seq++
	t := Transition{
		Seq:        s.seq,
		From:       s.state,
		To:         update.State,
		Disconnect: info,
		At:         time.Now(),
	}
	s.state = update.State
	for sub := range s.subs {
		sub.push(t)
	}
	return t, true
}

// Subscribe registers a subscriber and returns it with the state current at
// registration. The subscriber receives every later transition until Close.
func (s *Session) Subscribe() (*Subscription, State) {
	sub := &Subscription{
		session: s,
		signal:  make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	state := s.state
	s.mu.Unlock()
	return sub, state
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Session) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// WaitForOpen blocks until the session is open, timeout elapses or ctx ends.
func (s *Session) WaitForOpen(ctx context.Context, timeout time.Duration) error {
	return s.WaitFor(ctx, timeout, func(state State) bool { return state == StateOpen })
}

// WaitFor blocks until cond holds for the current state or for the target of
// a transition. It fails with ErrConnectionTimeout once timeout has elapsed and
// with ErrNotConnected as soon as the session is retired.
func (s *Session) WaitFor(ctx context.Context, timeout time.Duration, cond func(State) bool) error {
	if s.Retired() {
		return s.retiredErr()
	}
	if cond(s.State()) {
		return nil
	}
	sub, current := s.Subscribe()
	defer sub.Close()
	if cond(current) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-sub.signal:
			for _, t := range sub.drain() {
				if cond(t.To) {
					return nil
				}
			}
		case <-s.retired:
			return s.retiredErr()
		case <-timer.C:
			return fmt.Errorf("session %s not ready after %s: %w", s.id, timeout, ErrConnectionTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) retiredErr() error {
	return fmt.Errorf("session %s is shutting down: %w", s.id, ErrNotConnected)
}

// Subscription receives a session's transitions. Deliveries never block the
// writer and are never dropped.
type Subscription struct {
	session *Session
	signal  chan struct{}

	mu     sync.Mutex
	queue  []Transition
	closed bool
}

func (sub *Subscription) push(t Transition) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, t)
	sub.mu.Unlock()
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *Subscription) drain() []Transition {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	q := sub.queue
	sub.queue = nil
	return q
}

// Next returns the next transition, waiting for one if none is queued.
func (sub *Subscription) Next(ctx context.Context) (Transition, error) {
	for {
		sub.mu.Lock()
		if len(sub.queue) > 0 {
			t := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			return t, nil
		}
		if sub.closed {
			sub.mu.Unlock()
			return Transition{}, ErrSubscriptionClosed
		}
		sub.mu.Unlock()

		select {
		case <-sub.signal:
		case <-ctx.Done():
			return Transition{}, ctx.Err()
		}
	}
}

// Close deregisters the subscriber.
func (sub *Subscription) Close() {
	sub.session.unsubscribe(sub)
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}
