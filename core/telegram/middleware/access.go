package middleware

import tele "gopkg.in/telebot.v4"

// AccessOptions defines how allow-list checks behave.
type AccessOptions struct {
	// Allowed is the static set of user ids permitted to pass.
	Allowed map[int64]struct{}
	// OnReject replies to everyone else; nil drops the update silently.
	OnReject tele.HandlerFunc
}

// AllowedSet converts an admin id slice into the set AccessOptions expects.
func AllowedSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			set[id] = struct{}{}
		}
	}
	return set
}

// AllowlistMiddleware ensures that only allow-listed users can invoke downstream handlers.
func AllowlistMiddleware(opts AccessOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil {
				return nil
			}
			if len(opts.Allowed) > 0 {
				if _, ok := opts.Allowed[sender.ID]; !ok {
					if opts.OnReject != nil {
						return opts.OnReject(c)
					}
					return nil
				}
			}
			return next(c)
		}
	}
}
