package router

import (
	"github.com/m3rciful/savebot/core/logger"
	tg "github.com/m3rciful/savebot/core/telegram"
	"github.com/m3rciful/savebot/core/telegram/middleware"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// CommandRouteOptions configures how commands are wrapped and exposed.
type CommandRouteOptions struct {
	// Allowed is the static allow-list applied to every command.
	Allowed []int64
	// OnReject responds to users outside the allow-list.
	OnReject tele.HandlerFunc
}

// CommandRoutes prepares command handlers wrapped with shared middleware.
// Commands marked AdminOnly in the registry are gated by the allow-list;
// the rest stay reachable so unauthorized users still get a proper reply.
func CommandRoutes(reg *tg.Registry, opts CommandRouteOptions) []tg.Route {
	if reg == nil {
		return nil
	}

	gate := middleware.AllowlistMiddleware(middleware.AccessOptions{
		Allowed:  middleware.AllowedSet(opts.Allowed),
		OnReject: opts.OnReject,
	})

	routes := make([]tg.Route, 0, len(reg.Commands()))
	for cmd, def := range reg.Commands() {
		h := def.Handler
		h = middleware.RecoverMiddleware(h)
		h = middleware.LoggerMiddleware(h)
		if def.AdminOnly {
			h = gate(h)
		}
		routes = append(routes, tg.Route{
			Endpoint: cmd,
			Handler:  h,
		})
	}

	logger.TWire.Info("tg.wire",
		slog.String("event", "complete"),
		slog.Int("commands", len(reg.Commands())),
		slog.Int("callbacks", len(reg.ListCallbacks())),
	)

	return routes
}
