package middleware

import (
	"runtime/debug"

	"github.com/m3rciful/savebot/core/logger"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// RecoverMiddleware keeps a panicking handler from taking the whole bot down.
func RecoverMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		defer func() {
			if r := recover(); r != nil {
				attrs := []any{
					slog.String("event", "tg.panic"),
					slog.Any("err", r),
					slog.String("stack", string(debug.Stack())),
				}
				if sender := c.Sender(); sender != nil {
					attrs = append(attrs, slog.Int64("user_id", sender.ID))
				}
				logger.TG.Error("panic recovered", attrs...)
			}
		}()
		return next(c)
	}
}
