package flow

import (
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/savebot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/savebot/core/telegram/helpers"
	"github.com/m3rciful/savebot/core/telegram/keyboard"
	"github.com/m3rciful/savebot/state"
)

// CancelKey is the callback key the inline cancel button carries.
const CancelKey = "flow_cancel"

// flowPrompts are replies that leave the user mid-flow; they get an inline
// cancel button so an abandoned flow does not require typing /cancel.
var flowPrompts = map[string]struct{}{
	ReplyAskPhone:    {},
	ReplyCodeSent:    {},
	ReplyAskPassword: {},
	ReplyAskCount:    {},
}

// teleReplier sends engine replies through the async send helpers.
type teleReplier struct {
	c tele.Context
}

func (r teleReplier) Reply(text string) error {
	if _, ok := flowPrompts[text]; ok {
		return tghelpers.SendText(r.c, text, &tele.SendOptions{
			ReplyMarkup: keyboard.SingleCancelMarkup(CancelKey),
		})
	}
	return tghelpers.SendText(r.c, text)
}

// BindStages registers the engine as the handler for every conversation
// stage. ManagerHandler holds the user's lock when these run, so the
// lock-free Dispatch is used.
func (e *Engine) BindStages() {
	h := func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		return e.Dispatch(ctx, c.Sender().ID, c.Text(), teleReplier{c: c})
	}
	for _, k := range []state.Kind{
		state.KindAwaitingPhone,
		state.KindAwaitingCode,
		state.KindAwaitingPassword,
		state.KindAwaitingLink,
		state.KindAwaitingCount,
	} {
		state.RegisterHandler(k, h)
	}
}

// StartHandler answers /start with the greeting.
func (e *Engine) StartHandler() tele.HandlerFunc {
	return func(c tele.Context) error {
		return e.Greet(teleReplier{c: c})
	}
}

// LoginHandler answers /login.
func (e *Engine) LoginHandler() tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		return e.StartLogin(ctx, c.Sender().ID, teleReplier{c: c})
	}
}

// editReplier rewrites the message that carried the pressed button, so the
// stale prompt and its keyboard disappear together.
type editReplier struct {
	c tele.Context
}

func (r editReplier) Reply(text string) error {
	return tghelpers.EditText(r.c, text)
}

// CancelHandler answers /cancel and the inline cancel button.
func (e *Engine) CancelHandler() tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		var r Replier = teleReplier{c: c}
		if c.Callback() != nil {
			if callbacks.CallbackPayload(c) != "cancel" {
				return nil
			}
			r = editReplier{c: c}
		}
		return e.Cancel(ctx, c.Sender().ID, r)
	}
}

// StatusHandler answers /status.
func (e *Engine) StatusHandler() tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		return e.Status(ctx, c.Sender().ID, teleReplier{c: c})
	}
}

// FallbackHandler answers free text from users with no active conversation.
func (e *Engine) FallbackHandler() tele.HandlerFunc {
	return func(c tele.Context) error {
		return teleReplier{c: c}.Reply(ReplyUseStart)
	}
}
