package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/ot"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(opt Options) (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	m := NewManager(opt)
	m.now = clock.now
	return m, clock
}

func TestJoinCreatesSession(t *testing.T) {
	m, clock := newTestManager(DefaultOptions())

	s, p, err := m.JoinSession(context.Background(), "item-1", "user-1", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "item-1", s.ItemID)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, clock.now().Add(24*time.Hour), s.ExpiresAt)
	require.Len(t, s.Participants, 1)
	assert.Equal(t, p.ID, s.Participants[0].ID)
	assert.Equal(t, Palette[0], p.Color)
	assert.Equal(t, "Ada", p.UserName)
}

func TestJoinReusesActiveSession(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	ctx := context.Background()

	s1, p1, err := m.JoinSession(ctx, "item-1", "user-1", "Ada")
	require.NoError(t, err)
	s2, p2, err := m.JoinSession(ctx, "item-1", "user-1", "Ada")
	require.NoError(t, err)

	assert.Equal(t, s1.ID, s2.ID)
	assert.NotEqual(t, p1.ID, p2.ID, "rejoining creates a second participant")
	assert.Equal(t, Palette[1], p2.Color)
	assert.Equal(t, 2, m.ParticipantCount(s1.ID))
}

func TestConcurrentJoinsShareOneSession(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := m.JoinSession(ctx, "item-1", "user", "")
			if assert.NoError(t, err) {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, n, m.ParticipantCount(ids[0]))
}

func TestPaletteCyclesByRosterSize(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	ctx := context.Background()

	var last *Participant
	for i := 0; i <= len(Palette); i++ {
		_, p, err := m.JoinSession(ctx, "item-1", "user", "")
		require.NoError(t, err)
		last = p
	}
	assert.Equal(t, Palette[0], last.Color)
}

func TestLeaveClosesEmptySession(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	ctx := context.Background()

	var closed []string
	m.OnClose(func(s *Session, reason string) {
		closed = append(closed, reason)
		assert.Equal(t, StatusClosed, s.Status)
	})

	s, p, err := m.JoinSession(ctx, "item-1", "user-1", "")
	require.NoError(t, err)
	require.NoError(t, m.LeaveSession(ctx, s.ID, p.ID))

	_, ok := m.FindActiveSessionForItem("item-1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.ParticipantCount(s.ID))
	assert.Equal(t, []string{CloseReasonEmpty}, closed)

	s2, _, err := m.JoinSession(ctx, "item-1", "user-1", "")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
}

func TestJoinDuringLastLeaveKeepsJoinerSession(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		item := fmt.Sprintf("item-%d", i)
		s, alice, err := m.JoinSession(ctx, item, "alice", "")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			bobSessID string
			bobID     string
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.LeaveSession(ctx, s.ID, alice.ID))
		}()
		go func() {
			defer wg.Done()
			bs, bp, err := m.JoinSession(ctx, item, "bob", "")
			if assert.NoError(t, err) {
				bobSessID, bobID = bs.ID, bp.ID
			}
		}()
		wg.Wait()

		active, ok := m.FindActiveSessionForItem(item)
		require.True(t, ok, "bob's session must survive alice's leave")
		assert.Equal(t, bobSessID, active.ID)
		require.Len(t, active.Participants, 1)
		assert.Equal(t, bobID, active.Participants[0].ID)
	}
}

func TestWithParticipant(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	ctx := context.Background()

	s, p, err := m.JoinSession(ctx, "item-1", "user-1", "")
	require.NoError(t, err)

	ran := false
	require.NoError(t, m.WithParticipant(s.ID, p.ID, func() { ran = true }))
	assert.True(t, ran)

	assert.ErrorIs(t, m.WithParticipant(s.ID, "part_x", func() { t.Fatal("ran for unknown participant") }), apperr.ErrNotFound)

	require.NoError(t, m.LeaveSession(ctx, s.ID, p.ID))
	assert.ErrorIs(t, m.WithParticipant(s.ID, p.ID, func() { t.Fatal("ran for closed session") }), apperr.ErrNotFound)
}

func TestLeaveKeepsEmptySessionWhenConfigured(t *testing.T) {
	opt := DefaultOptions()
	opt.CloseEmpty = false
	m, _ := newTestManager(opt)
	ctx := context.Background()

	s, p, err := m.JoinSession(ctx, "item-1", "user-1", "")
	require.NoError(t, err)
	require.NoError(t, m.LeaveSession(ctx, s.ID, p.ID))

	found, ok := m.FindActiveSessionForItem("item-1")
	require.True(t, ok)
	assert.Equal(t, s.ID, found.ID)
	assert.Empty(t, found.Participants)
}

func TestLeaveUnknown(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	ctx := context.Background()

	assert.ErrorIs(t, m.LeaveSession(ctx, "sess_missing", "part_x"), apperr.ErrNotFound)

	s, _, err := m.JoinSession(ctx, "item-1", "user-1", "")
	require.NoError(t, err)
	assert.ErrorIs(t, m.LeaveSession(ctx, s.ID, "part_x"), apperr.ErrNotFound)
}

func TestParticipantCountUnknownSession(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	assert.Equal(t, 0, m.ParticipantCount("nonexistent"))
}

func TestExpiredSessionIsReplaced(t *testing.T) {
	opt := DefaultOptions()
	opt.TTL = time.Hour
	m, clock := newTestManager(opt)
	ctx := context.Background()

	var reasons []string
	m.OnClose(func(_ *Session, reason string) { reasons = append(reasons, reason) })

	s1, _, err := m.JoinSession(ctx, "item-1", "user-1", "")
	require.NoError(t, err)

	clock.advance(time.Hour)
	_, ok := m.FindActiveSessionForItem("item-1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.ParticipantCount(s1.ID))

	s2, _, err := m.JoinSession(ctx, "item-1", "user-2", "")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, []string{CloseReasonExpired}, reasons)
}

func TestSweepExpires(t *testing.T) {
	opt := DefaultOptions()
	opt.TTL = time.Minute
	m, clock := newTestManager(opt)
	ctx := context.Background()

	s, _, err := m.JoinSession(ctx, "item-1", "user-1", "")
	require.NoError(t, err)
	_, _, err = m.JoinSession(ctx, "item-2", "user-1", "")
	require.NoError(t, err)

	assert.Equal(t, 0, m.Sweep())
	clock.advance(2 * time.Minute)
	assert.Equal(t, 2, m.Sweep())

	_, err = m.GetSession(s.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	opt := DefaultOptions()
	opt.SweepInterval = time.Millisecond
	m, _ := newTestManager(opt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCloseSession(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	ctx := context.Background()
	s, _, err := m.JoinSession(ctx, "item-1", "user-1", "")
	require.NoError(t, err)

	var final *Session
	m.OnClose(func(s *Session, _ string) { final = s })

	require.NoError(t, m.CloseSession(s.ID))
	require.NotNil(t, final)
	assert.Len(t, final.Participants, 1)

	assert.ErrorIs(t, m.CloseSession(s.ID), apperr.ErrNotFound)
	_, err = m.GetSession(s.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestParticipantUpdates(t *testing.T) {
	m, clock := newTestManager(DefaultOptions())
	s, p, err := m.JoinSession(context.Background(), "item-1", "user-1", "")
	require.NoError(t, err)

	clock.advance(time.Second)
	got, err := m.UpdateCursor(s.ID, p.ID, ot.Cursor{Line: 1, Column: 2, Offset: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, got.Cursor.Offset)
	assert.Equal(t, clock.now(), got.LastActiveAt)

	sel := Selection{Start: ot.Cursor{Offset: 1}, End: ot.Cursor{Offset: 4}}
	got, err = m.UpdateSelection(s.ID, p.ID, sel)
	require.NoError(t, err)
	assert.Equal(t, sel, *got.Selection)

	got, err = m.SetEditing(s.ID, p.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsEditing)

	snap, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.True(t, snap.Participants[0].IsEditing)
	assert.Equal(t, 8, snap.Participants[0].Cursor.Offset)

	_, err = m.UpdateCursor(s.ID, "part_missing", ot.Cursor{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, m.Touch("sess_missing", p.ID), apperr.ErrNotFound)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	s, _, err := m.JoinSession(context.Background(), "item-1", "user-1", "")
	require.NoError(t, err)

	s.Participants[0].UserName = "mutated"

	fresh, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", fresh.Participants[0].UserName)
}

func TestJoinValidates(t *testing.T) {
	m, _ := newTestManager(DefaultOptions())
	_, _, err := m.JoinSession(context.Background(), "", "user-1", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
}
