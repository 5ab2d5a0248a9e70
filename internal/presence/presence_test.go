package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebox/filebox/backend-go/internal/apperr"
)

func TestGetPresenceDefaultsToOffline(t *testing.T) {
	tr := NewTracker(NewMemoryStore())

	p, err := tr.GetPresence(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, p.Status)
	assert.Equal(t, "user-1", p.UserID)
	assert.True(t, p.LastSeen.IsZero())
}

func TestUpdatePresenceLastWriteWins(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return first }

	_, err := tr.UpdatePresence(ctx, "user-1", StatusOnline, "sess_1", "item-1")
	require.NoError(t, err)

	tr.now = func() time.Time { return first.Add(time.Minute) }
	_, err = tr.UpdatePresence(ctx, "user-1", StatusBusy, "", "")
	require.NoError(t, err)

	p, err := tr.GetPresence(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, p.Status)
	assert.Equal(t, first.Add(time.Minute), p.LastSeen)
	assert.Empty(t, p.ActiveDocument)
}

func TestUpdatePresenceValidates(t *testing.T) {
	tr := NewTracker(NewMemoryStore())

	_, err := tr.UpdatePresence(context.Background(), "user-1", Status("SLEEPING"), "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	_, err = tr.UpdatePresence(context.Background(), "", StatusOnline, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" away ")
	require.NoError(t, err)
	assert.Equal(t, StatusAway, st)

	_, err = ParseStatus("gone")
	assert.Error(t, err)
}

func TestScheduleOfflineDowngrades(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	ctx := context.Background()
	_, err := tr.UpdatePresence(ctx, "user-1", StatusOnline, "sess_1", "item-1")
	require.NoError(t, err)

	tr.ScheduleOffline("user-1", 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		p, err := tr.GetPresence(ctx, "user-1")
		return err == nil && p.Status == StatusOffline
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateCancelsScheduledOffline(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	ctx := context.Background()

	tr.ScheduleOffline("user-1", 30*time.Millisecond)
	_, err := tr.UpdatePresence(ctx, "user-1", StatusOnline, "", "")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	p, err := tr.GetPresence(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, p.Status)
}

func TestCloseStopsPending(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	ctx := context.Background()
	_, err := tr.UpdatePresence(ctx, "user-1", StatusOnline, "", "")
	require.NoError(t, err)

	tr.ScheduleOffline("user-1", 20*time.Millisecond)
	tr.Close()

	time.Sleep(40 * time.Millisecond)
	p, err := tr.GetPresence(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, p.Status)
}

// gatedStore blocks OFFLINE writes until release is closed.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Put(ctx context.Context, p UserPresence) error {
	if p.Status == StatusOffline {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.Put(ctx, p)
}

func TestUpdateDuringDowngradeWins(t *testing.T) {
	store := &gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	tr := NewTracker(store)
	ctx := context.Background()

	tr.ScheduleOffline("user-1", time.Millisecond)
	<-store.entered

	updated := make(chan error, 1)
	go func() {
		_, err := tr.UpdatePresence(ctx, "user-1", StatusOnline, "", "")
		updated <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	require.NoError(t, <-updated)

	p, err := tr.GetPresence(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, p.Status)
}

func TestCancelOffline(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	ctx := context.Background()
	_, err := tr.UpdatePresence(ctx, "user-1", StatusAway, "", "")
	require.NoError(t, err)

	tr.ScheduleOffline("user-1", 20*time.Millisecond)
	tr.CancelOffline("user-1")
	tr.CancelOffline("user-2")

	time.Sleep(40 * time.Millisecond)
	p, err := tr.GetPresence(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAway, p.Status)
}
