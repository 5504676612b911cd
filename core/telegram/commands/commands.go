package commands

import (
	tele "gopkg.in/telebot.v4"
)

// Command describes one slash command: its handler plus the metadata the
// router and the Telegram command menu need.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	// AdminOnly restricts the command to the configured allow-list.
	AdminOnly bool
	// Hidden keeps the command out of the command menu.
	Hidden bool
	// Aliases are alternate names resolving to the same handler.
	Aliases []string
}
