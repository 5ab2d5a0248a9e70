// Package presence tracks each user's global online status, independent of
// the collaboration sessions they are part of.
package presence

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/keylock"
)

type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusAway    Status = "AWAY"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

// ParseStatus accepts any casing of a known status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return st, nil
	}
	return "", apperr.Invalid("presence.ParseStatus", "unknown presence status %q", s)
}

type UserPresence struct {
	UserID         string    `json:"userId"`
	Status         Status    `json:"status"`
	LastSeen       time.Time `json:"lastSeen"`
	ActiveSession  string    `json:"activeSession,omitempty"`
	ActiveDocument string    `json:"activeDocument,omitempty"`
}

// Store holds the latest record per user. Get returns ok=false when none
// exists.
type Store interface {
	Put(ctx context.Context, p UserPresence) error
	Get(ctx context.Context, userID string) (UserPresence, bool, error)
}

// Tracker serializes every write for a user, including delayed downgrades,
// so the last write to reach the store is the last one issued.
type Tracker struct {
	store Store
	now   func() time.Time
	users *keylock.Map

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:   store,
		now:     time.Now,
		users:   keylock.New(),
		pending: make(map[string]*time.Timer),
	}
}

// UpdatePresence overwrites the user's record and cancels any scheduled
// offline downgrade.
func (t *Tracker) UpdatePresence(ctx context.Context, userID string, status Status, activeSession, activeDocument string) (UserPresence, error) {
	if userID == "" {
		return UserPresence{}, apperr.Invalid("presence.Update", "missing user id")
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return UserPresence{}, err
	}

	unlock := t.users.Lock(userID)
	defer unlock()
	t.cancelPending(userID)

	p := UserPresence{
		UserID:         userID,
		Status:         status,
		LastSeen:       t.now(),
		ActiveSession:  activeSession,
		ActiveDocument: activeDocument,
	}
	if err := t.store.Put(ctx, p); err != nil {
		return UserPresence{}, apperr.Unavailable("presence.Update", err)
	}
	return p, nil
}

// GetPresence returns the latest record, or an OFFLINE default for users
// never seen.
func (t *Tracker) GetPresence(ctx context.Context, userID string) (UserPresence, error) {
	p, ok, err := t.store.Get(ctx, userID)
	if err != nil {
		return UserPresence{}, apperr.Unavailable("presence.Get", err)
	}
	if !ok {
		return UserPresence{UserID: userID, Status: StatusOffline}, nil
	}
	return p, nil
}

// ScheduleOffline downgrades userID to OFFLINE once grace elapses, unless
// UpdatePresence is called first.
func (t *Tracker) ScheduleOffline(userID string, grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[userID]; ok {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(grace, func() {
		unlock := t.users.Lock(userID)
		defer unlock()

		t.mu.Lock()
		if t.pending[userID] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.pending, userID)
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p := UserPresence{UserID: userID, Status: StatusOffline, LastSeen: t.now()}
		if err := t.store.Put(ctx, p); err != nil {
			slog.Warn("presence offline downgrade failed", "user", userID, "error", err)
		}
	})
	t.pending[userID] = timer
}

// Close stops all pending downgrades.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}

// CancelOffline drops a scheduled downgrade for userID, if any. A downgrade
// already being written completes before CancelOffline returns.
func (t *Tracker) CancelOffline(userID string) {
	unlock := t.users.Lock(userID)
	defer unlock()
	t.cancelPending(userID)
}

func (t *Tracker) cancelPending(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[userID]; ok {
		timer.Stop()
		delete(t.pending, userID)
	}
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]UserPresence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]UserPresence)}
}

func (s *MemoryStore) Put(_ context.Context, p UserPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[p.UserID] = p
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (UserPresence, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[userID]
	return p, ok, nil
}
