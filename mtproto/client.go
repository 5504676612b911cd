// Package mtproto declares the capability surface this bot requires from a
// Telegram user-client (MTProto) library. The wire protocol itself lives in an
// external implementation that registers a Factory at program init, the same
// way database/sql drivers register themselves.
package mtproto

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrPasswordRequired is returned by SignIn when the account has
	// two-step verification enabled and a password must be submitted.
	ErrPasswordRequired = errors.New("mtproto: two-step verification password required")

	// ErrNoClient is returned when no client implementation was registered.
	ErrNoClient = errors.New("mtproto: no client implementation registered")
)

// Channel is an opaque reference to a resolved channel entity. Implementations
// return it from ResolveChannel and accept it back in Messages.
type Channel interface {
	// Username reports the public name the channel was resolved from.
	Username() string
}

// Message describes one fetched channel message.
type Message struct {
	ID       int
	HasMedia bool
	// Ext suggests a file extension (with leading dot) derived from the
	// attached media type; empty when unknown.
	Ext string
}

// Client is one user identity's connection to the messaging network.
// A Client is owned by exactly one conversation entry until login completes,
// then by the completed session; it is never shared between users.
type Client interface {
	// SendCode starts the login handshake by requesting a verification
	// code for the given phone number.
	SendCode(ctx context.Context, phone string) error

	// SignIn submits the verification code. Returns ErrPasswordRequired
	// when the account needs a second factor.
	SignIn(ctx context.Context, phone, code string) error

	// CheckPassword submits the two-step verification password.
	CheckPassword(ctx context.Context, password string) error

	// ExportSession serializes the authenticated session so it can be
	// persisted and the identity restored without repeating the handshake.
	ExportSession(ctx context.Context) (string, error)

	// ResolveChannel resolves a public channel username to an entity
	// reference usable with Messages.
	ResolveChannel(ctx context.Context, username string) (Channel, error)

	// Messages fetches the given message ids from the channel in one
	// batch call. Ids with no corresponding message are silently absent
	// from the result.
	Messages(ctx context.Context, ch Channel, ids []int) ([]Message, error)

	// Download streams the media attached to msg into w and reports the
	// number of bytes written.
	Download(ctx context.Context, msg Message, w io.Writer) (int64, error)

	Close() error
}

// Factory creates clients bound to a per-user session namespace, so each
// user's credentials stay isolated.
type Factory interface {
	Client(ctx context.Context, userID int64) (Client, error)
}

var (
	registryMu sync.RWMutex
	registered Factory
)

// Register installs the client implementation. It is expected to be called
// from an implementation package's init or from main before the bot starts.
// A second Register call replaces the previous factory.
func Register(f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered = f
}

// Registered returns the installed factory or ErrNoClient.
func Registered() (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if registered == nil {
		return nil, ErrNoClient
	}
	return registered, nil
}
