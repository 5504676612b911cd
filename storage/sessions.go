// Package storage persists exported session credentials, one row per user.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/savebot/core/logger"
	"log/slog"
)

// ErrNotFound is returned when no session row exists for the user.
var ErrNotFound = errors.New("storage: session not found")

// Session is one persisted credential record.
type Session struct {
	UserID    int64     `db:"user_id"`
	Data      string    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SessionRepo stores serialized sessions keyed by user id.
type SessionRepo struct {
	db *sqlx.DB
}

// NewSessionRepo wires the repository to an open database handle.
func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Upsert writes the session string for the user, replacing any previous one.
func (r *SessionRepo) Upsert(ctx context.Context, userID int64, data string) error {
	if data == "" {
		return fmt.Errorf("storage: refusing to store empty session for user %d", userID)
	}

	start := time.Now()
	const q = `
		INSERT INTO sessions (user_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	_, err := r.db.ExecContext(ctx, q, userID, data)
	took := time.Since(start)
	if err != nil {
		logger.DB.Error("session upsert failed",
			slog.String("event", "db.sessions.upsert"),
			slog.Int64("user_id", userID),
			slog.Duration("duration", logger.RoundMS(took)),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("storage: upsert session: %w", err)
	}

	logger.DB.Debug("session upserted",
		slog.String("event", "db.sessions.upsert"),
		slog.Int64("user_id", userID),
		slog.Duration("duration", logger.RoundMS(took)),
	)
	return nil
}

// Get returns the stored session for the user, or ErrNotFound.
func (r *SessionRepo) Get(ctx context.Context, userID int64) (Session, error) {
	var s Session
	const q = `SELECT user_id, data, updated_at FROM sessions WHERE user_id = $1`
	if err := r.db.GetContext(ctx, &s, q, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}
