// Package protocol defines the narrow boundary between the session layer and
// the messaging-network client library. The library itself (handshake,
// encryption, framing, pairing) lives behind these interfaces.
package protocol

import (
	"context"
	"fmt"
	"time"
)

// ConnectionState is the coarse connection state reported by a client.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// StatusLoggedOut is the disconnect status code the network uses when the
// linked device was removed. Every other code is a transient close.
const StatusLoggedOut = 401

// UserDomain is appended to bare phone numbers to form a user address.
const UserDomain = "s.whatsapp.net"

// Disconnect describes why a connection was closed.
type Disconnect struct {
	StatusCode int
	Err        error
	At         time.Time
}

// LoggedOut reports whether the disconnect is terminal.
func (d *Disconnect) LoggedOut() bool {
	return d != nil && d.StatusCode == StatusLoggedOut
}

// ConnectionUpdate is emitted by a client whenever its connection changes.
// State is empty when the update only carries disconnect information.
type ConnectionUpdate struct {
	State      ConnectionState
	Disconnect *Disconnect
}

// Version identifies the protocol revision a client speaks.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Options configure a new client.
type Options struct {
	// Browser is the device identity announced to the network.
	Browser [3]string
	// SyncFullHistory requests the full message history on connect.
	SyncFullHistory bool
}

// Client is one connection to the network, bound to a credential directory.
// Hooks must be registered before Connect is called.
type Client interface {
	// OnConnectionUpdate registers the connection-state hook.
	OnConnectionUpdate(fn func(ConnectionUpdate))
	// OnCredentialsChanged registers the hook invoked after the client has
	// written new credential material to its directory.
	OnCredentialsChanged(fn func(ctx context.Context) error)
	// Connect starts the connection attempt. It returns once the attempt has
	// been started; progress is reported through the connection hook.
	Connect(ctx context.Context) error
	// IsRegistered reports whether the device completed pairing.
	IsRegistered() bool
	// RequestPairingCode asks the network for a code linking phone to this device.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// SendMessage sends a text message to a normalised recipient address.
	SendMessage(ctx context.Context, recipient, text string) error
	// Close tears the connection down.
	Close() error
}

// Dialer constructs clients.
type Dialer interface {
	// LatestVersion reports the protocol version new clients should use.
	LatestVersion(ctx context.Context) (Version, error)
	// NewClient builds a client whose credential state lives in dir.
	NewClient(ctx context.Context, dir string, version Version, opts Options) (Client, error)
}
