package state

import (
	"sync"

	"log/slog"

	"github.com/m3rciful/savebot/core/logger"
	tghelpers "github.com/m3rciful/savebot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

type memoryManager struct {
	mu      sync.RWMutex
	entries map[int64]Stage

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewMemoryManager constructs the in-memory Manager implementation. Entries
// live until explicitly replaced or cleared; there is no expiry.
func NewMemoryManager() Manager {
	return &memoryManager{
		entries: make(map[int64]Stage),
		locks:   make(map[int64]*sync.Mutex),
	}
}

// Get returns the conversation entry for a user if one exists.
func (m *memoryManager) Get(userID int64) (Stage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.entries[userID]
	return st, ok
}

// Set stores the conversation entry for a user, replacing any previous one.
func (m *memoryManager) Set(userID int64, st Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == nil {
		delete(m.entries, userID)
		return
	}
	m.entries[userID] = st
}

// Clear removes the entry for a user and returns what was removed, so the
// caller can close a client handle the entry still owned.
func (m *memoryManager) Clear(userID int64) (Stage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[userID]
	if ok {
		delete(m.entries, userID)
	}
	return st, ok
}

// InProgress reports whether the user has an active conversation entry.
func (m *memoryManager) InProgress(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[userID]
	return ok
}

// WithLock runs fn while holding the user's lock. Concurrent deliveries for
// the same user id are serialized here; deliveries for different users do not
// contend.
func (m *memoryManager) WithLock(userID int64, fn func() error) error {
	m.userLock(userID).Lock()
	defer m.userLock(userID).Unlock()
	return fn()
}

func (m *memoryManager) userLock(userID int64) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// ManagerHandler dispatches the incoming message to the handler registered
// for the user's current stage. The whole turn runs under the user's lock.
func (m *memoryManager) ManagerHandler(c tele.Context) error {
	userID := c.Sender().ID
	return m.WithLock(userID, func() error {
		st, ok := m.Get(userID)
		if !ok {
			return nil
		}
		ctx := tghelpers.BuildContext(c)
		logger.Debug(ctx, "tg", "fsm.dispatch",
			slog.String("status", "ok"),
			slog.Int64("user_id", userID),
			slog.String("stage", string(st.Kind())),
		)
		if handler, found := fsmHandlers[st.Kind()]; found {
			return handler(c)
		}
		return nil
	})
}
