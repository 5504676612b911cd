package keyboard

import tele "gopkg.in/telebot.v4"

const defaultCancelButtonText = "❌ Cancel"

// CancelButton attaches a cancel inline button to markup. The callback fires
// with the given action key and a "cancel" payload; an optional label
// overrides the default button text.
func CancelButton(markup *tele.ReplyMarkup, action string, label ...string) tele.Btn {
	text := defaultCancelButtonText
	if len(label) > 0 && label[0] != "" {
		text = label[0]
	}
	return markup.Data(text, action, "cancel")
}

// SingleCancelMarkup builds an inline keyboard holding only a cancel button.
func SingleCancelMarkup(action string, label ...string) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	btn := CancelButton(markup, action, label...)
	markup.InlineKeyboard = [][]tele.InlineButton{{*btn.Inline()}}
	return markup
}
