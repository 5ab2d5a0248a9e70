package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/keylock"
	"github.com/filebox/filebox/backend-go/internal/ot"
	"github.com/filebox/filebox/backend-go/internal/typeid"
)

const (
	CloseReasonClosed  = "closed"
	CloseReasonExpired = "expired"
	CloseReasonEmpty   = "empty"
)

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// CloseEmpty closes a session as soon as its last participant leaves.
	// Otherwise it lives until ExpiresAt.
	CloseEmpty bool
}

func DefaultOptions() Options {
	return Options{TTL: 24 * time.Hour, SweepInterval: time.Minute, CloseEmpty: true}
}

// CloseHook observes a session leaving the active index. s is the final
// snapshot, taken before the roster was cleared.
type CloseHook func(s *Session, reason string)

// Manager keeps sessions in memory. Joins are serialized per item; roster
// and participant changes are serialized per session.
type Manager struct {
	opt          Options
	now          func() time.Time
	itemLocks    *keylock.Map
	sessionLocks *keylock.Map

	mu       sync.RWMutex
	sessions map[string]*Session
	byItem   map[string]string

	hookMu sync.RWMutex
	hooks  []CloseHook
}

func NewManager(opt Options) *Manager {
	def := DefaultOptions()
	if opt.TTL <= 0 {
		opt.TTL = def.TTL
	}
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = def.SweepInterval
	}
	return &Manager{
		opt:          opt,
		now:          time.Now,
		itemLocks:    keylock.New(),
		sessionLocks: keylock.New(),
		sessions:     make(map[string]*Session),
		byItem:       make(map[string]string),
	}
}

func (m *Manager) OnClose(hook CloseHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// JoinSession adds a new participant to the item's active session, creating
// the session when none is live. Every call yields a distinct participant,
// even for a user already on the roster.
func (m *Manager) JoinSession(ctx context.Context, itemID, userID, userName string) (*Session, *Participant, error) {
	if itemID == "" || userID == "" {
		return nil, nil, apperr.Invalid("session.Join", "item id and user id are required")
	}
	if userName == "" {
		userName = userID
	}

	unlockItem := m.itemLocks.Lock(itemID)
	defer unlockItem()

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		s := m.activeForItem(itemID)
		if s == nil {
			s = m.create(itemID)
		}

		unlock := m.sessionLocks.Lock(s.ID)
		if s.Status.Terminal() {
			// Closed by a concurrent leave or sweep between lookup and lock.
			unlock()
			continue
		}

		now := m.now()
		p := &Participant{
			ID:           typeid.NewParticipantID(),
			UserID:       userID,
			UserName:     userName,
			Color:        Palette[len(s.Participants)%len(Palette)],
			JoinedAt:     now,
			LastActiveAt: now,
		}
		s.Participants = append(s.Participants, p)
		s.Status = StatusActive
		snap, pc := s.clone(), p.clone()
		unlock()

		slog.Info("participant joined", "session", s.ID, "item", itemID, "participant", p.ID, "user", userID)
		return snap, pc, nil
	}
}

func (m *Manager) create(itemID string) *Session {
	now := m.now()
	s := &Session{
		ID:           typeid.NewSessionID(),
		ItemID:       itemID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.opt.TTL),
		Status:       StatusCreated,
		Participants: make([]*Participant, 0),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byItem[itemID] = s.ID
	m.mu.Unlock()

	slog.Info("session created", "session", s.ID, "item", itemID)
	return s
}

// activeForItem returns the live session for itemID, expiring it first if
// its deadline passed. Callers hold the item lock.
func (m *Manager) activeForItem(itemID string) *Session {
	m.mu.RLock()
	id, ok := m.byItem[itemID]
	s := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s == nil {
		return nil
	}
	if !m.now().Before(s.ExpiresAt) {
		m.terminate(s.ID, StatusExpired, CloseReasonExpired)
		return nil
	}
	return s
}

// LeaveSession removes a participant. With CloseEmpty set, the last leave
// closes the session.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := m.sessionLocks.Lock(sessionID)
	s, err := m.lookup("session.Leave", sessionID)
	if err != nil {
		unlock()
		return err
	}
	_, idx := s.participant(participantID)
	if idx < 0 {
		unlock()
		return apperr.NotFound("session.Leave", "participant %q not in session %q", participantID, sessionID)
	}
	s.Participants = append(s.Participants[:idx], s.Participants[idx+1:]...)

	// The empty check and the close happen under one lock hold so a join
	// cannot slip in between them.
	var final *Session
	if len(s.Participants) == 0 && m.opt.CloseEmpty {
		final = m.endLocked(s, StatusClosed, CloseReasonEmpty)
	}
	unlock()

	slog.Info("participant left", "session", sessionID, "participant", participantID)
	if final != nil {
		m.runHooks(final, CloseReasonEmpty)
	}
	return nil
}

// WithParticipant runs fn while holding the session lock, provided the
// participant is still on the roster of a live session. Work done in fn is
// ordered before any later close of the session.
func (m *Manager) WithParticipant(sessionID, participantID string, fn func()) error {
	unlock := m.sessionLocks.Lock(sessionID)
	defer unlock()

	s, err := m.lookup("session.WithParticipant", sessionID)
	if err != nil {
		return err
	}
	if p, _ := s.participant(participantID); p == nil {
		return apperr.NotFound("session.WithParticipant", "participant %q not in session %q", participantID, sessionID)
	}
	fn()
	return nil
}

// FindActiveSessionForItem returns the item's non-expired session.
func (m *Manager) FindActiveSessionForItem(itemID string) (*Session, bool) {
	m.mu.RLock()
	s := m.sessions[m.byItem[itemID]]
	m.mu.RUnlock()
	if s == nil {
		return nil, false
	}

	unlock := m.sessionLocks.Lock(s.ID)
	defer unlock()
	if s.Status.Terminal() || !m.now().Before(s.ExpiresAt) {
		return nil, false
	}
	return s.clone(), true
}

func (m *Manager) GetSession(sessionID string) (*Session, error) {
	unlock := m.sessionLocks.Lock(sessionID)
	defer unlock()
	s, err := m.lookup("session.Get", sessionID)
	if err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// CloseSession marks the session terminal and drops it from the index.
func (m *Manager) CloseSession(sessionID string) error {
	if !m.terminate(sessionID, StatusClosed, CloseReasonClosed) {
		return apperr.NotFound("session.Close", "session %q not found", sessionID)
	}
	return nil
}

// ParticipantCount is zero for unknown or terminated sessions.
func (m *Manager) ParticipantCount(sessionID string) int {
	unlock := m.sessionLocks.Lock(sessionID)
	defer unlock()
	s, err := m.lookup("session.Count", sessionID)
	if err != nil {
		return 0
	}
	return len(s.Participants)
}

func (m *Manager) UpdateCursor(sessionID, participantID string, cursor ot.Cursor) (*Participant, error) {
	return m.mutate("session.UpdateCursor", sessionID, participantID, func(p *Participant) {
		p.Cursor = &cursor
	})
}

func (m *Manager) UpdateSelection(sessionID, participantID string, sel Selection) (*Participant, error) {
	return m.mutate("session.UpdateSelection", sessionID, participantID, func(p *Participant) {
		p.Selection = &sel
	})
}

func (m *Manager) SetEditing(sessionID, participantID string, editing bool) (*Participant, error) {
	return m.mutate("session.SetEditing", sessionID, participantID, func(p *Participant) {
		p.IsEditing = editing
	})
}

// Touch records activity without changing anything else.
func (m *Manager) Touch(sessionID, participantID string) error {
	_, err := m.mutate("session.Touch", sessionID, participantID, func(*Participant) {})
	return err
}

func (m *Manager) mutate(op, sessionID, participantID string, fn func(p *Participant)) (*Participant, error) {
	unlock := m.sessionLocks.Lock(sessionID)
	defer unlock()

	s, err := m.lookup(op, sessionID)
	if err != nil {
		return nil, err
	}
	p, _ := s.participant(participantID)
	if p == nil {
		return nil, apperr.NotFound(op, "participant %q not in session %q", participantID, sessionID)
	}
	fn(p)
	p.LastActiveAt = m.now()
	return p.clone(), nil
}

// lookup requires the session lock.
func (m *Manager) lookup(op, sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok || s.Status.Terminal() {
		return nil, apperr.NotFound(op, "session %q not found", sessionID)
	}
	if !m.now().Before(s.ExpiresAt) {
		return nil, apperr.NotFound(op, "session %q expired", sessionID)
	}
	return s, nil
}

// terminate moves a session to a terminal status, clears its roster, drops
// it from the index and runs the close hooks. It reports false when the
// session was already gone.
func (m *Manager) terminate(sessionID string, status Status, reason string) bool {
	unlock := m.sessionLocks.Lock(sessionID)
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	var final *Session
	if ok {
		final = m.endLocked(s, status, reason)
	}
	unlock()

	if final == nil {
		return false
	}
	m.runHooks(final, reason)
	return true
}

// endLocked ends s and returns its final snapshot, or nil when s already
// ended. Callers hold the session lock and run the hooks after releasing it.
func (m *Manager) endLocked(s *Session, status Status, reason string) *Session {
	if s.Status.Terminal() {
		return nil
	}
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if m.byItem[s.ItemID] == s.ID {
		delete(m.byItem, s.ItemID)
	}
	m.mu.Unlock()

	final := s.clone()
	final.Status = status
	s.Status = status
	s.Participants = nil

	slog.Info("session ended", "session", s.ID, "item", s.ItemID, "reason", reason)
	return final
}

func (m *Manager) runHooks(final *Session, reason string) {
	m.hookMu.RLock()
	hooks := append([]CloseHook(nil), m.hooks...)
	m.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(final, reason)
	}
}

// Sweep expires every session whose deadline has passed and returns how
// many it ended.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.RLock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range expired {
		if m.terminate(id, StatusExpired, CloseReasonExpired) {
			n++
		}
	}
	return n
}

// Run sweeps expired sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				slog.Info("expired sessions swept", "count", n)
			}
		}
	}
}
