// Package flow implements the per-user login and download conversation: a
// deterministic stage machine consuming one text message per turn.
package flow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/savebot/core/logger"
	"github.com/m3rciful/savebot/download"
	"github.com/m3rciful/savebot/mtproto"
	"github.com/m3rciful/savebot/state"
	"github.com/m3rciful/savebot/storage"
	"log/slog"
)

// Reply texts. The login prompts mirror what users of the original bot see.
const (
	ReplyGreeting = "👋 Hi Ackerman, I am Save Content Bot. I can send you content by its post link.\n" +
		"For downloading restricted content use /login first."
	ReplyNotAuthorized  = "You are not authorized to use this bot."
	ReplyUseStart       = "Use /start or /login to begin."
	ReplyAskPhone       = "Please send your phone number with country code (e.g., +1234567890):"
	ReplyCodeSent       = "OTP sent to your Telegram account. Please enter the code:"
	ReplyAskPassword    = "Two-step verification is enabled. Please send your password:"
	ReplyLoggedIn       = "You are logged in now. Send me a post link to download the content."
	ReplyAskCount       = "How many files do you want to download?"
	ReplyInvalidLink    = "Invalid message link format."
	ReplyInvalidNumber  = "Please enter a valid number."
	ReplyComplete       = "Download complete!"
	ReplyCancelled      = "Cancelled. Use /login to start over."
	ReplyNothingToDo    = "Nothing to cancel."
	ReplySendCodeFailed = "Could not send the code. Check the phone number and try again."
	ReplySignInFailed   = "Sign-in failed. Please re-enter the code."
	ReplyPasswordFailed = "Wrong password. Please try again."
	ReplyChannelFailed  = "Could not resolve that channel. Send another post link."
	ReplyFetchFailed    = "Could not fetch messages from the channel. Send the count again to retry."
	ReplyInternal       = "Something went wrong on our side. Please try again."
)

// SessionStore persists exported session strings and reports what is stored.
// *storage.SessionRepo satisfies it.
type SessionStore interface {
	Upsert(ctx context.Context, userID int64, data string) error
	Get(ctx context.Context, userID int64) (storage.Session, error)
}

// Replier delivers replies back to the originating user.
type Replier interface {
	Reply(text string) error
}

// Options wires the engine's collaborators.
type Options struct {
	States   state.Manager
	Sessions SessionStore
	Factory  mtproto.Factory
	Parser   *download.LinkParser
	Download *download.Downloader

	// Allowed reports whether the user id may start the login flow.
	Allowed func(userID int64) bool

	// CallTimeout bounds each network-login call; zero means 30s.
	CallTimeout time.Duration
}

// Engine is the stage machine. All mutating entry points take the per-user
// lock through the state manager, so a double-sent message cannot interleave
// two turns for the same user.
type Engine struct {
	states      state.Manager
	sessions    SessionStore
	factory     mtproto.Factory
	parser      *download.LinkParser
	dl          *download.Downloader
	allowed     func(int64) bool
	callTimeout time.Duration
}

// New validates options and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.States == nil {
		return nil, errors.New("flow: state manager is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("flow: session store is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("flow: mtproto factory is required")
	}
	if opts.Parser == nil {
		opts.Parser = download.NewLinkParser("")
	}
	if opts.Download == nil {
		return nil, errors.New("flow: downloader is required")
	}
	if opts.Allowed == nil {
		return nil, errors.New("flow: allow-list check is required")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Engine{
		states:      opts.States,
		sessions:    opts.Sessions,
		factory:     opts.Factory,
		parser:      opts.Parser,
		dl:          opts.Download,
		allowed:     opts.Allowed,
		callTimeout: opts.CallTimeout,
	}, nil
}

// States exposes the manager for router wiring.
func (e *Engine) States() state.Manager { return e.states }

// Greet answers /start. Stage-independent, never touches the tracker.
func (e *Engine) Greet(r Replier) error {
	return r.Reply(ReplyGreeting)
}

// StartLogin answers /login. Unauthorized users get a rejection and no entry
// is created. A login issued mid-flow discards the previous entry, closing
// the client handle it owned.
func (e *Engine) StartLogin(ctx context.Context, userID int64, r Replier) error {
	if !e.allowed(userID) {
		logger.SVCFlow.Warn("login rejected",
			slog.String("event", "flow.login"),
			slog.String("status", "fail"),
			slog.Int64("user_id", userID),
			slog.String("outcome", "unauthorized"),
		)
		return r.Reply(ReplyNotAuthorized)
	}
	return e.states.WithLock(userID, func() error {
		e.discardEntry(userID)
		e.states.Set(userID, state.AwaitingPhone{})
		logger.SVCFlow.Info("login started",
			slog.String("event", "flow.login"),
			slog.String("status", "ok"),
			slog.Int64("user_id", userID),
			slog.String("stage", string(state.KindAwaitingPhone)),
		)
		return r.Reply(ReplyAskPhone)
	})
}

// Cancel drops the user's conversation entry, if any, and releases its
// client handle.
func (e *Engine) Cancel(ctx context.Context, userID int64, r Replier) error {
	return e.states.WithLock(userID, func() error {
		if _, ok := e.states.Get(userID); !ok {
			return r.Reply(ReplyNothingToDo)
		}
		e.discardEntry(userID)
		logger.SVCFlow.Info("flow cancelled",
			slog.String("event", "flow.cancel"),
			slog.String("status", "ok"),
			slog.Int64("user_id", userID),
		)
		return r.Reply(ReplyCancelled)
	})
}

// Status reports the user's current stage and whether a session credential
// is on record. Login always re-authenticates from the phone step; the saved
// session is surfaced here so an operator can tell a re-login is optional
// for external tooling that resumes from the stored string.
func (e *Engine) Status(ctx context.Context, userID int64, r Replier) error {
	stageLine := "No conversation in progress."
	if st, ok := e.states.Get(userID); ok {
		stageLine = "Current step: " + string(st.Kind())
	}

	sessLine := "No saved session."
	sess, err := e.sessions.Get(ctx, userID)
	switch {
	case err == nil:
		sessLine = "Session saved " + sess.UpdatedAt.UTC().Format("2006-01-02 15:04") + " UTC."
	case errors.Is(err, storage.ErrNotFound):
	default:
		logger.SVCSessions.Error("session lookup failed",
			slog.String("event", "flow.status"),
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return r.Reply(ReplyInternal)
	}

	return r.Reply(stageLine + "\n" + sessLine)
}

// HandleText consumes one inbound text message for a user who has an active
// conversation entry. The whole turn, including network side effects, runs
// under the user's lock.
func (e *Engine) HandleText(ctx context.Context, userID int64, text string, r Replier) error {
	return e.states.WithLock(userID, func() error {
		return e.Dispatch(ctx, userID, text, r)
	})
}

// Dispatch routes one message to the handler for the user's current stage.
// The caller must already hold the user's lock; the state manager's
// ManagerHandler does, so stage bindings call this directly.
func (e *Engine) Dispatch(ctx context.Context, userID int64, text string, r Replier) error {
	st, ok := e.states.Get(userID)
	if !ok {
		return r.Reply(ReplyUseStart)
	}
	switch s := st.(type) {
	case state.AwaitingPhone:
		return e.handlePhone(ctx, userID, text, r)
	case state.AwaitingCode:
		return e.handleCode(ctx, userID, s, text, r)
	case state.AwaitingPassword:
		return e.handlePassword(ctx, userID, s, text, r)
	case state.AwaitingLink:
		return e.handleLink(userID, s, text, r)
	case state.AwaitingCount:
		return e.handleCount(ctx, userID, s, text, r)
	default:
		return r.Reply(ReplyUseStart)
	}
}

func (e *Engine) handlePhone(ctx context.Context, userID int64, phone string, r Replier) error {
	phone = strings.TrimSpace(phone)

	cl, err := e.factory.Client(ctx, userID)
	if err != nil {
		logger.SVCFlow.Error("client create failed",
			slog.String("event", "flow.phone"),
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return r.Reply(ReplyInternal)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	err = cl.SendCode(callCtx, phone)
	cancel()
	if err != nil {
		_ = cl.Close()
		logger.SVCFlow.Warn("send code failed",
			slog.String("event", "flow.phone"),
			slog.String("status", "fail"),
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return r.Reply(ReplySendCodeFailed)
	}

	e.states.Set(userID, state.AwaitingCode{Phone: phone, Client: cl})
	return r.Reply(ReplyCodeSent)
}

func (e *Engine) handleCode(ctx context.Context, userID int64, s state.AwaitingCode, code string, r Replier) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	err := s.Client.SignIn(callCtx, s.Phone, strings.TrimSpace(code))
	cancel()

	switch {
	case err == nil:
		return e.finishLogin(ctx, userID, s.Client, r)
	case errors.Is(err, mtproto.ErrPasswordRequired):
		e.states.Set(userID, state.AwaitingPassword{Phone: s.Phone, Client: s.Client})
		return r.Reply(ReplyAskPassword)
	default:
		logger.SVCFlow.Warn("sign-in failed",
			slog.String("event", "flow.code"),
			slog.String("status", "fail"),
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return r.Reply(ReplySignInFailed)
	}
}

func (e *Engine) handlePassword(ctx context.Context, userID int64, s state.AwaitingPassword, password string, r Replier) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	err := s.Client.CheckPassword(callCtx, password)
	cancel()
	if err != nil {
		logger.SVCFlow.Warn("password check failed",
			slog.String("event", "flow.password"),
			slog.String("status", "fail"),
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return r.Reply(ReplyPasswordFailed)
	}
	return e.finishLogin(ctx, userID, s.Client, r)
}

// finishLogin exports and persists the session, then parks the entry at
// AwaitingLink with the now-authenticated client. On a persistence failure
// the entry is left untouched so the user can retry the same input.
func (e *Engine) finishLogin(ctx context.Context, userID int64, cl mtproto.Client, r Replier) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	sess, err := cl.ExportSession(callCtx)
	cancel()
	if err != nil || sess == "" {
		cause := "empty session string"
		if err != nil {
			cause = err.Error()
		}
		logger.SVCSessions.Error("session export failed",
			slog.String("event", "flow.session"),
			slog.Int64("user_id", userID),
			slog.String("err", cause),
		)
		return r.Reply(ReplyInternal)
	}

	if err := e.sessions.Upsert(ctx, userID, sess); err != nil {
		logger.SVCSessions.Error("session persist failed",
			slog.String("event", "flow.session"),
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return r.Reply(ReplyInternal)
	}

	e.states.Set(userID, state.AwaitingLink{Client: cl})
	logger.SVCSessions.Info("login completed",
		slog.String("event", "flow.session"),
		slog.String("status", "ok"),
		slog.Int64("user_id", userID),
	)
	return r.Reply(ReplyLoggedIn)
}

// handleLink validates the post link at this stage, so a malformed link is
// caught before a count is ever asked for.
func (e *Engine) handleLink(userID int64, s state.AwaitingLink, text string, r Replier) error {
	link, ok := e.parser.Parse(strings.TrimSpace(text))
	if !ok {
		return r.Reply(ReplyInvalidLink)
	}
	e.states.Set(userID, state.AwaitingCount{Client: s.Client, Link: link})
	return r.Reply(ReplyAskCount)
}

func (e *Engine) handleCount(ctx context.Context, userID int64, s state.AwaitingCount, text string, r Replier) error {
	count, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || count <= 0 {
		return r.Reply(ReplyInvalidNumber)
	}
	if capN := e.dl.MaxCount(); capN > 0 && count > capN {
		return r.Reply("At most " + strconv.Itoa(capN) + " files per batch. Enter a smaller number.")
	}

	sum, err := e.dl.Run(ctx, s.Client, s.Link, count, func(text string) {
		_ = r.Reply(text)
	})
	if err != nil {
		switch {
		case errors.Is(err, download.ErrResolve):
			// The link itself is bad; a new one is needed.
			e.states.Set(userID, state.AwaitingLink{Client: s.Client})
			return r.Reply(ReplyChannelFailed)
		case errors.Is(err, download.ErrFetch):
			// The link resolved; the fetch may succeed on retry, so the
			// entry stays at this stage.
			return r.Reply(ReplyFetchFailed)
		default:
			// Local failure (e.g. the downloads dir); not the user's fault.
			return r.Reply(ReplyInternal)
		}
	}

	logger.SVCFlow.Info("batch served",
		slog.String("event", "flow.count"),
		slog.String("status", "ok"),
		slog.Int64("user_id", userID),
		slog.String("channel", s.Link.Channel),
		slog.Int("requested", sum.Requested),
		slog.Int("downloaded", sum.Downloaded),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed),
	)

	e.states.Set(userID, state.AwaitingLink{Client: s.Client})
	return r.Reply(ReplyComplete)
}

// discardEntry removes the user's entry and closes any client handle it
// still owned. Callers must hold the user's lock.
func (e *Engine) discardEntry(userID int64) {
	if old, ok := e.states.Clear(userID); ok {
		if cl := old.ClientHandle(); cl != nil {
			_ = cl.Close()
		}
	}
}
