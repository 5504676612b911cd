package state

import tele "gopkg.in/telebot.v4"

var fsmHandlers = map[Kind]tele.HandlerFunc{}

// RegisterHandler associates a stage kind with its handler.
func RegisterHandler(k Kind, h tele.HandlerFunc) {
	if h == nil {
		return
	}
	fsmHandlers[k] = h
}
