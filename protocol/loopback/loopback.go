// Package loopback provides an in-process protocol client. It keeps a real
// credential directory, walks through the connecting/open/closed life cycle
// and issues pairing codes, but never leaves the process. It backs local
// development and the end-to-end tests.
package loopback

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/musabulbul/kurumtakip/internal/uuid"
	"github.com/musabulbul/kurumtakip/protocol"
)

var (
	// ErrAlreadyRegistered is returned when pairing a device that is already linked.
	ErrAlreadyRegistered = errors.New("device already registered")
	// ErrNotRegistered is returned when sending from a device that was never linked.
	ErrNotRegistered = errors.New("device not registered")
	// ErrNotOpen is returned when the connection is not open.
	ErrNotOpen = errors.New("connection not open")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// CredentialsFile is the name of the primary credential file in a session directory.
const CredentialsFile = "creds.json"

const pairingAlphabet = "ABCDEFGHJKLMNPQRSTVWXYZ23456789"

// Dialer builds loopback clients.
type Dialer struct {
	// ConnectDelay is how long a client stays in connecting before opening.
	ConnectDelay time.Duration
	// ConfirmDelay, when positive, completes pairing automatically this long
	// after a code was issued.
	ConfirmDelay time.Duration
	// Version is reported by LatestVersion.
	Version protocol.Version
	Logger  *slog.Logger
}

var _ protocol.Dialer = (*Dialer)(nil)

// DefaultVersion is reported when the dialer has no explicit version.
var DefaultVersion = protocol.Version{Major: 2, Minor: 3000, Patch: 1}

func (d *Dialer) LatestVersion(ctx context.Context) (protocol.Version, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Version{}, err
	}
	if d.Version == (protocol.Version{}) {
		return DefaultVersion, nil
	}
	return d.Version, nil
}

func (d *Dialer) NewClient(ctx context.Context, dir string, version protocol.Version, opts protocol.Options) (protocol.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("credential directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("credential directory %s is not a directory", dir)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dir:          dir,
		version:      version,
		opts:         opts,
		connectDelay: d.ConnectDelay,
		confirmDelay: d.ConfirmDelay,
		logger:       logger.With("component", "loopback", "dir", filepath.Base(dir)),
		done:         make(chan struct{}),
	}, nil
}

// Credentials is the on-disk credential record.
type Credentials struct {
	DeviceID    string    `json:"device_id"`
	Registered  bool      `json:"registered"`
	PairedPhone string    `json:"paired_phone,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	Browser     []string  `json:"browser,omitempty"`
	Version     string    `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SentMessage is a message accepted by a loopback client.
type SentMessage struct {
	Recipient string
	Text      string
	At        time.Time
}

// Client is a loopback protocol.Client.
type Client struct {
	dir          string
	version      protocol.Version
	opts         protocol.Options
	connectDelay time.Duration
	confirmDelay time.Duration
	logger       *slog.Logger

	// emitMu serialises hook invocations so the connection hook has a single writer.
	emitMu      sync.Mutex
	onUpdate    func(protocol.ConnectionUpdate)
	onCredsSave func(ctx context.Context) error

	mu     sync.Mutex
	state  protocol.ConnectionState
	creds  Credentials
	sent   []SentMessage
	closed bool
	done   chan struct{}
}

var _ protocol.Client = (*Client)(nil)

func (c *Client) OnConnectionUpdate(fn func(protocol.ConnectionUpdate)) {
	c.emitMu.Lock()
	c.onUpdate = fn
	c.emitMu.Unlock()
}

func (c *Client) OnCredentialsChanged(fn func(ctx context.Context) error) {
	c.emitMu.Lock()
	c.onCredsSave = fn
	c.emitMu.Unlock()
}

// Connect loads or creates the credential file and opens the connection
// after the configured delay.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	created, err := c.loadCredentials()
	if err != nil {
		return err
	}
	go c.run(context.WithoutCancel(ctx), created)
	return nil
}

func (c *Client) run(ctx context.Context, credsCreated bool) {
	c.setState(protocol.StateConnecting, nil)
	if credsCreated {
		c.credentialsChanged(ctx)
	}
	if !c.sleep(c.connectDelay) {
		return
	}
	c.setState(protocol.StateOpen, nil)
}

func (c *Client) loadCredentials() (bool, error) {
	path := filepath.Join(c.dir, CredentialsFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var creds Credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return false, fmt.Errorf("decoding %s: %w", CredentialsFile, err)
		}
		c.mu.Lock()
		c.creds = creds
		c.mu.Unlock()
		return false, nil
	case errors.Is(err, os.ErrNotExist):
		c.mu.Lock()
		c.creds = Credentials{
			DeviceID: uuid.New(),
			Browser:  c.opts.Browser[:],
			Version:  c.version.String(),
		}
		c.mu.Unlock()
		return true, c.writeCredentials()
	default:
		return false, err
	}
}

func (c *Client) writeCredentials() error {
	c.mu.Lock()
	c.creds.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(c.creds, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, CredentialsFile), data, 0o600)
}

func (c *Client) credentialsChanged(ctx context.Context) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.onCredsSave == nil {
		return
	}
	if err := c.onCredsSave(ctx); err != nil {
		c.logger.Error("saving credentials failed", "error", err)
	}
}

func (c *Client) setState(state protocol.ConnectionState, disconnect *protocol.Disconnect) {
	c.mu.Lock()
	if c.closed && state != protocol.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.onUpdate != nil {
		c.onUpdate(protocol.ConnectionUpdate{State: state, Disconnect: disconnect})
	}
}

func (c *Client) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.Registered
}

// State reports the client's current connection state.
func (c *Client) State() protocol.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		return "", fmt.Errorf("invalid phone number %q", phone)
	}
	c.mu.Lock()
	if c.creds.Registered {
		c.mu.Unlock()
		return "", ErrAlreadyRegistered
	}
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.mu.Unlock()

	code, err := newPairingCode()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.creds.PairedPhone = digits
	c.creds.PairingCode = code
	c.mu.Unlock()
	if err := c.writeCredentials(); err != nil {
		return "", err
	}
	c.credentialsChanged(ctx)

	if c.confirmDelay > 0 {
		go func() {
			if c.sleep(c.confirmDelay) {
				if err := c.ConfirmPairing(context.WithoutCancel(ctx)); err != nil {
					c.logger.Warn("automatic pairing confirmation failed", "error", err)
				}
			}
		}()
	}
	c.logger.Info("pairing code issued", "phone", digits)
	return code, nil
}

// ConfirmPairing completes device registration as if the user entered the code.
func (c *Client) ConfirmPairing(ctx context.Context) error {
	c.mu.Lock()
	if c.creds.PairingCode == "" {
		c.mu.Unlock()
		return errors.New("no pairing in progress")
	}
	c.creds.Registered = true
	c.creds.PairingCode = ""
	c.mu.Unlock()
	if err := c.writeCredentials(); err != nil {
		return err
	}
	c.credentialsChanged(ctx)
	return nil
}

func (c *Client) SendMessage(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != protocol.StateOpen {
		return ErrNotOpen
	}
	if !c.creds.Registered {
		return ErrNotRegistered
	}
	c.sent = append(c.sent, SentMessage{Recipient: recipient, Text: text, At: time.Now()})
	c.logger.Debug("message accepted", "recipient", recipient)
	return nil
}

// Sent returns a copy of the messages accepted so far.
func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Drop simulates a transient network failure followed by a reconnect.
func (c *Client) Drop(err error) {
	c.setState(protocol.StateClosed, &protocol.Disconnect{StatusCode: 428, Err: err, At: time.Now()})
	go func() {
		c.setState(protocol.StateConnecting, nil)
		if c.sleep(c.connectDelay) {
			c.setState(protocol.StateOpen, nil)
		}
	}()
}

// Logout simulates the device being removed from the account.
func (c *Client) Logout() {
	c.mu.Lock()
	c.creds.Registered = false
	c.mu.Unlock()
	c.setState(protocol.StateClosed, &protocol.Disconnect{
		StatusCode: protocol.StatusLoggedOut,
		Err:        errors.New("logged out"),
		At:         time.Now(),
	})
	c.Close()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = protocol.StateClosed
	close(c.done)
	c.mu.Unlock()
	return nil
}

func newPairingCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(buf), nil
}
