package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musabulbul/kurumtakip/protocol"
	"github.com/musabulbul/kurumtakip/session"
)

type sentMessage struct {
	to   string
	text string
}

type fakeClient struct {
	mu         sync.Mutex
	registered bool
	sendErr    error
	pairErr    error
	phones     []string
	sent       []sentMessage
}

func (c *fakeClient) OnConnectionUpdate(func(protocol.ConnectionUpdate)) {}
func (c *fakeClient) OnCredentialsChanged(func(context.Context) error)   {}
func (c *fakeClient) Connect(context.Context) error                      { return nil }
func (c *fakeClient) Close() error                                       { return nil }

func (c *fakeClient) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *fakeClient) RequestPairingCode(_ context.Context, phone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phones = append(c.phones, phone)
	if c.pairErr != nil {
		return "", c.pairErr
	}
	return "K7PQ2MZX", nil
}

func (c *fakeClient) SendMessage(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{to: to, text: text})
	return nil
}

// fakeSession opens after openAfter, or never when openAfter is negative.
type fakeSession struct {
	client    *fakeClient
	mu        sync.Mutex
	state     session.State
	openAfter time.Duration
	waits     int
}

func (s *fakeSession) ID() string              { return "s1" }
func (s *fakeSession) Client() protocol.Client { return s.client }

func (s *fakeSession) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) WaitForOpen(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	s.waits++
	s.mu.Unlock()
	if s.openAfter < 0 || s.openAfter > timeout {
		select {
		case <-time.After(timeout):
			return fmt.Errorf("after %s: %w", timeout, session.ErrConnectionTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	time.Sleep(s.openAfter)
	s.mu.Lock()
	s.state = session.StateOpen
	s.mu.Unlock()
	return nil
}

// recordSleep replaces the jitter sleep so tests run instantly.
func recordSleep(got *[]time.Duration) Option {
	var mu sync.Mutex
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*got = append(*got, d)
		mu.Unlock()
		return ctx.Err()
	})
}

func TestSendOpenSession(t *testing.T) {
	var sleeps []time.Duration
	d := New(recordSleep(&sleeps))
	s := &fakeSession{client: &fakeClient{registered: true}, state: session.StateOpen}

	delay, err := d.Send(context.Background(), s, "+90 555 123 45 67", "merhaba", 1, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, delay, time.Second)
	assert.LessOrEqual(t, delay, 2*time.Second)
	assert.Equal(t, []time.Duration{delay}, sleeps)
	assert.Equal(t, 0, s.waits, "open sessions skip the wait")
	assert.Equal(t, []sentMessage{{to: "905551234567@s.whatsapp.net", text: "merhaba"}}, s.client.sent)
}

func TestSendWaitsForOpen(t *testing.T) {
	var sleeps []time.Duration
	d := New(recordSleep(&sleeps), WithConnectTimeout(time.Second))
	s := &fakeSession{client: &fakeClient{}, state: session.StateConnecting, openAfter: 20 * time.Millisecond}

	delay, err := d.Send(context.Background(), s, "group@g.us", "hi", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)
	assert.Equal(t, 1, s.waits)
	require.Len(t, s.client.sent, 1)
	assert.Equal(t, "group@g.us", s.client.sent[0].to)
}

func TestSendConnectionTimeout(t *testing.T) {
	var sleeps []time.Duration
	timeout := 30 * time.Millisecond
	d := New(recordSleep(&sleeps), WithConnectTimeout(timeout))
	s := &fakeSession{client: &fakeClient{}, state: session.StateConnecting, openAfter: -1}

	start := time.Now()
	_, err := d.Send(context.Background(), s, "905551234567", "hi", 0, 0)
	assert.ErrorIs(t, err, session.ErrConnectionTimeout)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.Empty(t, sleeps, "no delay before a failed wait")
	assert.Empty(t, s.client.sent)
}

func TestSendNotConnectedAfterWait(t *testing.T) {
	d := New(WithSleep(func(context.Context, time.Duration) error { return nil }))
	s := &notOpeningSession{fakeSession: fakeSession{client: &fakeClient{}, state: session.StateClosed}}

	_, err := d.Send(context.Background(), s, "905551234567", "hi", 0, 0)
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.Empty(t, s.client.sent)
}

// notOpeningSession reports a successful wait but stays closed.
type notOpeningSession struct {
	fakeSession
}

func (s *notOpeningSession) WaitForOpen(context.Context, time.Duration) error { return nil }

func TestSendClientFailure(t *testing.T) {
	d := New(WithSleep(func(context.Context, time.Duration) error { return nil }))
	boom := errors.New("socket write failed")
	s := &fakeSession{client: &fakeClient{sendErr: boom}, state: session.StateOpen}

	_, err := d.Send(context.Background(), s, "905551234567", "hi", 0, 0)
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.ErrorIs(t, err, boom)
}

func TestSendInvalidRecipient(t *testing.T) {
	d := New()
	s := &fakeSession{client: &fakeClient{}, state: session.StateOpen}
	for _, r := range []string{"", "abc", "+ -"} {
		_, err := d.Send(context.Background(), s, r, "hi", 0, 0)
		assert.ErrorIs(t, err, ErrInvalidRecipient, r)
	}
	assert.Empty(t, s.client.sent)
}

func TestSendCancelledDuringDelay(t *testing.T) {
	d := New()
	s := &fakeSession{client: &fakeClient{}, state: session.StateOpen}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Send(ctx, s, "905551234567", "hi", 5, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.client.sent)
}

func TestPairingCode(t *testing.T) {
	var sleeps []time.Duration
	d := New(recordSleep(&sleeps), WithPairingSettle(2*time.Second))
	s := &fakeSession{client: &fakeClient{}, state: session.StateOpen}

	code, err := d.PairingCode(context.Background(), s, "+90 (555) 123-45-67")
	require.NoError(t, err)
	assert.Equal(t, "K7PQ2MZX", code)
	assert.Equal(t, []string{"905551234567"}, s.client.phones)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeps)
}

func TestPairingCodeAlreadyRegistered(t *testing.T) {
	var sleeps []time.Duration
	d := New(recordSleep(&sleeps))
	s := &fakeSession{client: &fakeClient{registered: true}, state: session.StateOpen}

	_, err := d.PairingCode(context.Background(), s, "905551234567")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Empty(t, s.client.phones)
	assert.Empty(t, sleeps)
}

func TestPairingCodeErrors(t *testing.T) {
	d := New(WithSleep(func(context.Context, time.Duration) error { return nil }))

	s := &fakeSession{client: &fakeClient{}, state: session.StateOpen}
	_, err := d.PairingCode(context.Background(), s, "phone")
	assert.ErrorIs(t, err, ErrInvalidPhone)

	boom := errors.New("rate limited")
	s = &fakeSession{client: &fakeClient{pairErr: boom}, state: session.StateOpen}
	_, err = d.PairingCode(context.Background(), s, "905551234567")
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.ErrorIs(t, err, boom)
}

func TestClassifyKeepsKnownKinds(t *testing.T) {
	known := []error{
		session.ErrNotConnected,
		session.ErrConnectionTimeout,
		ErrAlreadyRegistered,
		context.Canceled,
	}
	for _, err := range known {
		wrapped := fmt.Errorf("ctx: %w", err)
		got := classify(wrapped)
		assert.Same(t, wrapped, got)
		assert.NotErrorIs(t, got, ErrOperationFailed)
	}
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), 0))
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
