package state

import (
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/savebot/download"
	"github.com/m3rciful/savebot/mtproto"
)

// Kind identifies a conversation stage for dispatch and logging.
type Kind string

const (
	// KindAwaitingPhone waits for the phone number that starts the login handshake.
	KindAwaitingPhone Kind = "awaiting_phone"
	// KindAwaitingCode waits for the verification code sent to the account.
	KindAwaitingCode Kind = "awaiting_code"
	// KindAwaitingPassword waits for the two-step verification password.
	KindAwaitingPassword Kind = "awaiting_password"
	// KindAwaitingLink waits for a channel post link.
	KindAwaitingLink Kind = "awaiting_link"
	// KindAwaitingCount waits for the number of messages to fetch.
	KindAwaitingCount Kind = "awaiting_count"
)

// Stage is one variant of the conversation state. Each variant carries only
// the fields that are valid at that stage.
type Stage interface {
	Kind() Kind
	// ClientHandle returns the network-client handle owned by this stage,
	// or nil when the stage owns none.
	ClientHandle() mtproto.Client
}

// AwaitingPhone is the entry stage of the login flow. No client exists yet.
type AwaitingPhone struct{}

func (AwaitingPhone) Kind() Kind                   { return KindAwaitingPhone }
func (AwaitingPhone) ClientHandle() mtproto.Client { return nil }

// AwaitingCode owns a connected, partially-authenticated client for which a
// verification code has been requested.
type AwaitingCode struct {
	Phone  string
	Client mtproto.Client
}

func (s AwaitingCode) Kind() Kind                   { return KindAwaitingCode }
func (s AwaitingCode) ClientHandle() mtproto.Client { return s.Client }

// AwaitingPassword owns a client whose account requires a second factor.
type AwaitingPassword struct {
	Phone  string
	Client mtproto.Client
}

func (s AwaitingPassword) Kind() Kind                   { return KindAwaitingPassword }
func (s AwaitingPassword) ClientHandle() mtproto.Client { return s.Client }

// AwaitingLink owns an authenticated client and waits for a post link.
type AwaitingLink struct {
	Client mtproto.Client
}

func (s AwaitingLink) Kind() Kind                   { return KindAwaitingLink }
func (s AwaitingLink) ClientHandle() mtproto.Client { return s.Client }

// AwaitingCount owns an authenticated client and a validated link, waiting
// for the batch size.
type AwaitingCount struct {
	Client mtproto.Client
	Link   download.Link
}

func (s AwaitingCount) Kind() Kind                   { return KindAwaitingCount }
func (s AwaitingCount) ClientHandle() mtproto.Client { return s.Client }

// Manager orchestrates per-user conversation entries and stage dispatch.
type Manager interface {
	Get(userID int64) (Stage, bool)
	Set(userID int64, st Stage)
	// Clear removes the entry and returns it so the caller can release the
	// client handle it owned.
	Clear(userID int64) (Stage, bool)

	InProgress(userID int64) bool

	// WithLock serializes fn against every other tracker access for the
	// same user. Stage handlers run under this lock for the full turn,
	// including their network side effects.
	WithLock(userID int64, fn func() error) error

	ManagerHandler(c tele.Context) error
}
