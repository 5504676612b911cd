package flow

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m3rciful/savebot/download"
	"github.com/m3rciful/savebot/mtproto"
	"github.com/m3rciful/savebot/state"
	"github.com/m3rciful/savebot/storage"
)

type recorder struct {
	replies []string
}

func (r *recorder) Reply(text string) error {
	r.replies = append(r.replies, text)
	return nil
}

func (r *recorder) last(t *testing.T) string {
	t.Helper()
	if len(r.replies) == 0 {
		t.Fatal("no replies sent")
	}
	return r.replies[len(r.replies)-1]
}

type fakeChannel struct{ name string }

func (c fakeChannel) Username() string { return c.name }

type fakeClient struct {
	sendCodeErr error
	signInErr   error
	passwordErr error
	exportErr   error
	session     string
	resolveErr  error
	fetchErr    error
	messages    []mtproto.Message
	payloads    map[int][]byte

	sendCodeCalls int
	resolveCalls  int
	fetchCalls    int
	closed        bool
}

func (c *fakeClient) SendCode(_ context.Context, phone string) error {
	c.sendCodeCalls++
	return c.sendCodeErr
}

func (c *fakeClient) SignIn(_ context.Context, phone, code string) error { return c.signInErr }

func (c *fakeClient) CheckPassword(_ context.Context, password string) error { return c.passwordErr }

func (c *fakeClient) ExportSession(context.Context) (string, error) {
	if c.exportErr != nil {
		return "", c.exportErr
	}
	if c.session == "" {
		return "serialized-session", nil
	}
	return c.session, nil
}

func (c *fakeClient) ResolveChannel(_ context.Context, name string) (mtproto.Channel, error) {
	c.resolveCalls++
	if c.resolveErr != nil {
		return nil, c.resolveErr
	}
	return fakeChannel{name: name}, nil
}

func (c *fakeClient) Messages(_ context.Context, _ mtproto.Channel, ids []int) ([]mtproto.Message, error) {
	c.fetchCalls++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.messages, nil
}

func (c *fakeClient) Download(_ context.Context, msg mtproto.Message, w io.Writer) (int64, error) {
	n, err := w.Write(c.payloads[msg.ID])
	return int64(n), err
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

type fakeFactory struct {
	client *fakeClient
	err    error
}

func (f *fakeFactory) Client(context.Context, int64) (mtproto.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

type upsertCall struct {
	userID int64
	data   string
}

type fakeSessions struct {
	upserts   []upsertCall
	upsertErr error
	stored    storage.Session
	getErr    error
}

func (s *fakeSessions) Upsert(_ context.Context, userID int64, data string) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, upsertCall{userID: userID, data: data})
	return nil
}

func (s *fakeSessions) Get(context.Context, int64) (storage.Session, error) {
	if s.getErr != nil {
		return storage.Session{}, s.getErr
	}
	return s.stored, nil
}

type fixture struct {
	engine   *Engine
	states   state.Manager
	sessions *fakeSessions
	client   *fakeClient
}

const allowedUser int64 = 777

func newFixture(t *testing.T, cl *fakeClient) *fixture {
	t.Helper()
	if cl == nil {
		cl = &fakeClient{}
	}
	states := state.NewMemoryManager()
	sessions := &fakeSessions{getErr: storage.ErrNotFound}
	eng, err := New(Options{
		States:      states,
		Sessions:    sessions,
		Factory:     &fakeFactory{client: cl},
		Parser:      download.NewLinkParser("t.me"),
		Download:    download.New(download.Config{Dir: t.TempDir()}),
		Allowed:     func(id int64) bool { return id == allowedUser },
		CallTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{engine: eng, states: states, sessions: sessions, client: cl}
}

func (f *fixture) stageKind(t *testing.T, userID int64) state.Kind {
	t.Helper()
	st, ok := f.states.Get(userID)
	if !ok {
		t.Fatal("no conversation entry")
	}
	return st.Kind()
}

func TestUnauthorizedLoginCreatesNoEntry(t *testing.T) {
	f := newFixture(t, nil)
	r := &recorder{}

	if err := f.engine.StartLogin(context.Background(), 12345, r); err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if r.last(t) != ReplyNotAuthorized {
		t.Fatalf("reply = %q, want rejection", r.last(t))
	}
	if f.states.InProgress(12345) {
		t.Fatal("tracker entry created for unauthorized user")
	}
}

func TestTextWithoutEntryPromptsStart(t *testing.T) {
	f := newFixture(t, nil)
	r := &recorder{}

	if err := f.engine.HandleText(context.Background(), allowedUser, "hello", r); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	if r.last(t) != ReplyUseStart {
		t.Fatalf("reply = %q, want %q", r.last(t), ReplyUseStart)
	}
}

func TestLoginFlowWithoutTwoFactor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := &recorder{}

	if err := f.engine.StartLogin(ctx, allowedUser, r); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.HandleText(ctx, allowedUser, "+15551234567", r); err != nil {
		t.Fatal(err)
	}
	if r.last(t) != ReplyCodeSent {
		t.Fatalf("after phone reply = %q", r.last(t))
	}
	if err := f.engine.HandleText(ctx, allowedUser, "12345", r); err != nil {
		t.Fatal(err)
	}

	if r.last(t) != ReplyLoggedIn {
		t.Fatalf("after code reply = %q, want logged-in", r.last(t))
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingLink {
		t.Fatalf("stage = %s, want awaiting_link", got)
	}
	if len(f.sessions.upserts) != 1 {
		t.Fatalf("upserts = %d, want exactly one", len(f.sessions.upserts))
	}
	if f.sessions.upserts[0].userID != allowedUser || f.sessions.upserts[0].data == "" {
		t.Fatalf("bad upsert: %+v", f.sessions.upserts[0])
	}
}

func TestLoginFlowWithTwoFactor(t *testing.T) {
	cl := &fakeClient{signInErr: mtproto.ErrPasswordRequired}
	f := newFixture(t, cl)
	ctx := context.Background()
	r := &recorder{}

	_ = f.engine.StartLogin(ctx, allowedUser, r)
	_ = f.engine.HandleText(ctx, allowedUser, "+15551234567", r)
	_ = f.engine.HandleText(ctx, allowedUser, "12345", r)

	if r.last(t) != ReplyAskPassword {
		t.Fatalf("reply = %q, want password prompt", r.last(t))
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingPassword {
		t.Fatalf("stage = %s, want awaiting_password", got)
	}

	_ = f.engine.HandleText(ctx, allowedUser, "hunter2", r)
	if r.last(t) != ReplyLoggedIn {
		t.Fatalf("after password reply = %q", r.last(t))
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingLink {
		t.Fatalf("stage = %s, want awaiting_link", got)
	}
	if len(f.sessions.upserts) != 1 {
		t.Fatalf("upserts = %d, want exactly one", len(f.sessions.upserts))
	}
}

func TestSignInFailureKeepsStage(t *testing.T) {
	cl := &fakeClient{signInErr: errors.New("PHONE_CODE_INVALID")}
	f := newFixture(t, cl)
	ctx := context.Background()
	r := &recorder{}

	_ = f.engine.StartLogin(ctx, allowedUser, r)
	_ = f.engine.HandleText(ctx, allowedUser, "+15551234567", r)
	_ = f.engine.HandleText(ctx, allowedUser, "00000", r)

	if r.last(t) != ReplySignInFailed {
		t.Fatalf("reply = %q, want sign-in failure", r.last(t))
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingCode {
		t.Fatalf("stage = %s, want awaiting_code retry", got)
	}
	if len(f.sessions.upserts) != 0 {
		t.Fatal("credential stored despite failed sign-in")
	}
}

func TestSendCodeFailureStaysAtPhone(t *testing.T) {
	cl := &fakeClient{sendCodeErr: errors.New("PHONE_NUMBER_INVALID")}
	f := newFixture(t, cl)
	ctx := context.Background()
	r := &recorder{}

	_ = f.engine.StartLogin(ctx, allowedUser, r)
	_ = f.engine.HandleText(ctx, allowedUser, "not-a-phone", r)

	if r.last(t) != ReplySendCodeFailed {
		t.Fatalf("reply = %q", r.last(t))
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingPhone {
		t.Fatalf("stage = %s, want awaiting_phone retry", got)
	}
	if !cl.closed {
		t.Fatal("failed handshake client was not closed")
	}
}

func TestReloginDiscardsPreviousEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := &recorder{}

	_ = f.engine.StartLogin(ctx, allowedUser, r)
	_ = f.engine.HandleText(ctx, allowedUser, "+15551234567", r)
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingCode {
		t.Fatalf("stage = %s", got)
	}

	// /login mid-flow restarts from the phone step and closes the old handle.
	if err := f.engine.StartLogin(ctx, allowedUser, r); err != nil {
		t.Fatal(err)
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingPhone {
		t.Fatalf("stage after relogin = %s, want awaiting_phone", got)
	}
	if !f.client.closed {
		t.Fatal("previous client handle leaked")
	}
}

func loginTo(t *testing.T, f *fixture, stage state.Kind) {
	t.Helper()
	ctx := context.Background()
	r := &recorder{}
	_ = f.engine.StartLogin(ctx, allowedUser, r)
	_ = f.engine.HandleText(ctx, allowedUser, "+15551234567", r)
	_ = f.engine.HandleText(ctx, allowedUser, "12345", r)
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingLink {
		t.Fatalf("login setup ended at %s", got)
	}
	if stage == state.KindAwaitingCount {
		_ = f.engine.HandleText(ctx, allowedUser, "https://t.me/examplechan/1000", r)
		if got := f.stageKind(t, allowedUser); got != state.KindAwaitingCount {
			t.Fatalf("link setup ended at %s", got)
		}
	}
}

func TestMalformedLinkStaysAtLinkStage(t *testing.T) {
	f := newFixture(t, nil)
	loginTo(t, f, state.KindAwaitingLink)
	r := &recorder{}

	_ = f.engine.HandleText(context.Background(), allowedUser, "https://example.com/chan/5", r)

	if r.last(t) != ReplyInvalidLink {
		t.Fatalf("reply = %q", r.last(t))
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingLink {
		t.Fatalf("stage = %s, want unchanged awaiting_link", got)
	}
	if f.client.resolveCalls != 0 || f.client.fetchCalls != 0 {
		t.Fatal("network fetch happened for malformed link")
	}
}

func TestNonIntegerCountReprompts(t *testing.T) {
	f := newFixture(t, nil)
	loginTo(t, f, state.KindAwaitingCount)
	r := &recorder{}

	_ = f.engine.HandleText(context.Background(), allowedUser, "three", r)

	if len(r.replies) != 1 || r.replies[0] != ReplyInvalidNumber {
		t.Fatalf("replies = %v, want exactly one reprompt", r.replies)
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingCount {
		t.Fatalf("stage = %s, want unchanged awaiting_count", got)
	}
	if f.client.fetchCalls != 0 {
		t.Fatal("fetch happened for invalid count")
	}
}

func TestDownloadBatchEndToEnd(t *testing.T) {
	cl := &fakeClient{
		messages: []mtproto.Message{
			{ID: 1000, HasMedia: true, Ext: ".mp4"},
			{ID: 1001, HasMedia: false},
			{ID: 1002, HasMedia: true, Ext: ".mp4"},
		},
		payloads: map[int][]byte{
			1000: []byte(strings.Repeat("a", 2048)),
			1002: []byte(strings.Repeat("b", 1024)),
		},
	}
	f := newFixture(t, cl)
	loginTo(t, f, state.KindAwaitingCount)
	r := &recorder{}

	if err := f.engine.HandleText(context.Background(), allowedUser, "3", r); err != nil {
		t.Fatal(err)
	}

	var reports int
	for _, msg := range r.replies {
		if strings.HasPrefix(msg, "Downloaded: ") {
			reports++
		}
	}
	if reports != 2 {
		t.Fatalf("download reports = %d, want 2 (one message had no media)", reports)
	}
	if r.last(t) != ReplyComplete {
		t.Fatalf("last reply = %q, want %q", r.last(t), ReplyComplete)
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingLink {
		t.Fatalf("stage = %s, want reset to awaiting_link", got)
	}
}

func TestResolveFailureReturnsToLinkStage(t *testing.T) {
	cl := &fakeClient{resolveErr: errors.New("USERNAME_NOT_OCCUPIED")}
	f := newFixture(t, cl)
	loginTo(t, f, state.KindAwaitingCount)
	r := &recorder{}

	_ = f.engine.HandleText(context.Background(), allowedUser, "2", r)

	if r.last(t) != ReplyChannelFailed {
		t.Fatalf("reply = %q", r.last(t))
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingLink {
		t.Fatalf("stage = %s, want awaiting_link", got)
	}
}

func TestFetchTimeoutKeepsCountStageForRetry(t *testing.T) {
	// A fetch that timed out may succeed next time; the link is known good
	// at this point, so the user only needs to resend the count.
	cl := &fakeClient{fetchErr: context.DeadlineExceeded}
	f := newFixture(t, cl)
	loginTo(t, f, state.KindAwaitingCount)
	r := &recorder{}

	_ = f.engine.HandleText(context.Background(), allowedUser, "2", r)

	if r.last(t) != ReplyFetchFailed {
		t.Fatalf("reply = %q, want %q", r.last(t), ReplyFetchFailed)
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingCount {
		t.Fatalf("stage = %s, want unchanged awaiting_count", got)
	}

	// The retry must reach the client again without a new link.
	cl.fetchErr = nil
	_ = f.engine.HandleText(context.Background(), allowedUser, "2", r)
	if cl.fetchCalls != 2 {
		t.Fatalf("fetch calls = %d, want 2", cl.fetchCalls)
	}
	if r.last(t) != ReplyComplete {
		t.Fatalf("reply after retry = %q, want %q", r.last(t), ReplyComplete)
	}
}

func TestDownloadDirFailureLeavesEntryUnchanged(t *testing.T) {
	cl := &fakeClient{messages: []mtproto.Message{{ID: 1, HasMedia: true}}}
	states := state.NewMemoryManager()
	sessions := &fakeSessions{getErr: storage.ErrNotFound}
	blocker := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng, err := New(Options{
		States:   states,
		Sessions: sessions,
		Factory:  &fakeFactory{client: cl},
		Parser:   download.NewLinkParser("t.me"),
		// A file where the directory should go makes MkdirAll fail.
		Download: download.New(download.Config{Dir: filepath.Join(blocker, "sub")}),
		Allowed:  func(int64) bool { return true },
	})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{engine: eng, states: states, sessions: sessions, client: cl}
	loginTo(t, f, state.KindAwaitingCount)
	r := &recorder{}

	_ = eng.HandleText(context.Background(), allowedUser, "1", r)

	if r.last(t) != ReplyInternal {
		t.Fatalf("reply = %q, want %q", r.last(t), ReplyInternal)
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingCount {
		t.Fatalf("stage = %s, want unchanged awaiting_count", got)
	}
}

func TestCountCapRejectsOversizedBatch(t *testing.T) {
	cl := &fakeClient{}
	states := state.NewMemoryManager()
	sessions := &fakeSessions{getErr: storage.ErrNotFound}
	eng, err := New(Options{
		States:   states,
		Sessions: sessions,
		Factory:  &fakeFactory{client: cl},
		Parser:   download.NewLinkParser("t.me"),
		Download: download.New(download.Config{Dir: t.TempDir(), MaxCount: 10}),
		Allowed:  func(int64) bool { return true },
	})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{engine: eng, states: states, sessions: sessions, client: cl}
	loginTo(t, f, state.KindAwaitingCount)
	r := &recorder{}

	_ = eng.HandleText(context.Background(), allowedUser, "50", r)

	if !strings.Contains(r.last(t), "At most 10") {
		t.Fatalf("reply = %q, want cap notice", r.last(t))
	}
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingCount {
		t.Fatalf("stage = %s, want unchanged awaiting_count", got)
	}
	if cl.fetchCalls != 0 {
		t.Fatal("fetch happened above cap")
	}
}

func TestCancelReleasesClientHandle(t *testing.T) {
	f := newFixture(t, nil)
	loginTo(t, f, state.KindAwaitingLink)
	r := &recorder{}

	if err := f.engine.Cancel(context.Background(), allowedUser, r); err != nil {
		t.Fatal(err)
	}
	if r.last(t) != ReplyCancelled {
		t.Fatalf("reply = %q", r.last(t))
	}
	if f.states.InProgress(allowedUser) {
		t.Fatal("entry still present after cancel")
	}
	if !f.client.closed {
		t.Fatal("client handle leaked on cancel")
	}
}

func TestStatusReportsStageAndSession(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.getErr = nil
	f.sessions.stored = storage.Session{
		UserID:    allowedUser,
		Data:      "sess",
		UpdatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	loginTo(t, f, state.KindAwaitingLink)
	r := &recorder{}

	if err := f.engine.Status(context.Background(), allowedUser, r); err != nil {
		t.Fatal(err)
	}
	got := r.last(t)
	if !strings.Contains(got, string(state.KindAwaitingLink)) {
		t.Fatalf("status = %q, missing stage", got)
	}
	if !strings.Contains(got, "2026-05-01") {
		t.Fatalf("status = %q, missing session timestamp", got)
	}
}

func TestUpsertFailureLeavesEntryForRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.upsertErr = errors.New("connection refused")
	ctx := context.Background()
	r := &recorder{}

	_ = f.engine.StartLogin(ctx, allowedUser, r)
	_ = f.engine.HandleText(ctx, allowedUser, "+15551234567", r)
	_ = f.engine.HandleText(ctx, allowedUser, "12345", r)

	if r.last(t) != ReplyInternal {
		t.Fatalf("reply = %q, want generic apology", r.last(t))
	}
	// Entry unchanged so the user can resend the code once storage is back.
	if got := f.stageKind(t, allowedUser); got != state.KindAwaitingCode {
		t.Fatalf("stage = %s, want awaiting_code", got)
	}
}
