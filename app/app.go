// Package app assembles the save-content bot: conversation engine, session
// store, downloader, and the Telegram wiring around them.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/savebot/core/telegram/commands"
	"github.com/m3rciful/savebot/core/telegram/router"
	"github.com/m3rciful/savebot/download"
	"github.com/m3rciful/savebot/flow"
	"github.com/m3rciful/savebot/mtproto"
	"github.com/m3rciful/savebot/state"
	"github.com/m3rciful/savebot/storage"

	coretelegram "github.com/m3rciful/savebot/core/telegram"
	tghelpers "github.com/m3rciful/savebot/core/telegram/helpers"
)

// App holds the assembled bot components.
type App struct {
	cfg    *Config
	db     *sqlx.DB
	engine *flow.Engine
	states state.Manager
}

// New wires the engine against the registered mtproto client implementation.
func New(cfg *Config, db *sqlx.DB) (*App, error) {
	if err := mtproto.SetConfig(cfg.MTProto); err != nil {
		return nil, err
	}
	factory, err := mtproto.Registered()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	states := state.NewMemoryManager()
	engine, err := flow.New(flow.Options{
		States:      states,
		Sessions:    storage.NewSessionRepo(db),
		Factory:     factory,
		Parser:      download.NewLinkParser(cfg.LinkHost),
		Download:    download.New(cfg.Downloads),
		Allowed:     cfg.Core.Access.Allowed,
		CallTimeout: time.Duration(cfg.MTProto.CallTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	engine.BindStages()

	return &App{cfg: cfg, db: db, engine: engine, states: states}, nil
}

// TelegramRunOptions builds the bot run options: commands, stage routing,
// and the cancel callback.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	reg := coretelegram.NewRegistry()

	reg.RegisterCommand("/start", commands.Command{
		Handler:     a.engine.StartHandler(),
		Description: "What this bot does",
	})
	reg.RegisterCommand("/login", commands.Command{
		Handler:     a.engine.LoginHandler(),
		Description: "Log in the content-download account",
	})
	reg.RegisterCommand("/cancel", commands.Command{
		Handler:     a.engine.CancelHandler(),
		Description: "Abort the current login or download flow",
		Aliases:     []string{"stop"},
	})
	reg.RegisterCommand("/status", commands.Command{
		Handler:     a.engine.StatusHandler(),
		Description: "Show conversation step and saved session",
		AdminOnly:   true,
		Hidden:      true,
	})

	if err := reg.RegisterCallback(flow.CancelKey, a.engine.CancelHandler()); err != nil {
		return coretelegram.RunOptions{}, err
	}
	reg.SetTextFallback(a.engine.FallbackHandler())

	admins := a.cfg.Core.Access.Admins
	onReject := func(c tele.Context) error {
		return tghelpers.SendText(c, flow.ReplyNotAuthorized)
	}

	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		Allowed:  admins,
		OnReject: onReject,
	})
	routes = append(routes, router.TextRoutes(a.states, reg, router.TextOptions{})...)
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{}))

	return coretelegram.RunOptions{
		Config:      a.cfg.CoreConfig(),
		Registry:    reg,
		Middlewares: coretelegram.DefaultMiddlewares(a.cfg.CoreConfig(), nil),
		Routes:      routes,
		OnStop: func(ctx context.Context, _ coretelegram.Runtime) error {
			a.Close()
			return nil
		},
	}, nil
}

// Close releases database and any live client handles.
func (a *App) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}
