package document

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/events"
	"github.com/filebox/filebox/backend-go/internal/ot"
)

type fakeSource struct {
	content map[string][]byte
	err     error
	calls   int
}

func (f *fakeSource) Content(_ context.Context, itemID string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.content[itemID]
	if !ok {
		return nil, apperr.NotFound("fake", "no object %q", itemID)
	}
	return b, nil
}

type flakyRepo struct {
	*MemoryRepository
	failAppend error
}

func (r *flakyRepo) Append(ctx context.Context, state *State, op ot.Operation) error {
	if r.failAppend != nil {
		return r.failAppend
	}
	return r.MemoryRepository.Append(ctx, state, op)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.OperationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.OperationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(NewMemoryRepository(), nil, nil, Options{})
}

func TestApplyToEmptyDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetDocumentState(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Version)
	assert.Equal(t, "", st.Content)

	st, op, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "Hello", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, "Hello", st.Content)
	assert.Equal(t, ot.KindInsert, op.Kind)
	assert.NotZero(t, op.Timestamp)
}

func TestConcurrentInsertIsRebased(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "Hello", 0))
	require.NoError(t, err)

	st, op, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "World", 0))
	require.NoError(t, err)
	assert.Equal(t, 5, op.Position)
	assert.Equal(t, int64(1), op.BaseVersion)
	assert.Equal(t, "HelloWorld", st.Content)
	assert.Equal(t, int64(2), st.Version)
	assert.Equal(t, op, st.Operations[1], "log keeps the rebased operation")
}

func TestDeleteGrowsOverConcurrentInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "Hello World", 0))
	require.NoError(t, err)

	_, _, err = s.ApplyOperation(ctx, "item-1", ot.Insert(5, "!!! ", 1))
	require.NoError(t, err)

	st, op, err := s.ApplyOperation(ctx, "item-1", ot.Delete(5, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, 10, op.Length)
	assert.Equal(t, "Hello", st.Content)
	assert.Equal(t, int64(3), st.Version)
}

func TestVersionIncrementsByOneUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "x", 0))
			if err == nil {
				versions <- st.Version
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d committed twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	st, err := s.GetDocumentState(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), st.Version)
	assert.Len(t, st.Content, writers)
}

func TestFutureOperationRejected(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.ApplyOperation(context.Background(), "item-1", ot.Insert(0, "x", 3))
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
}

func TestMalformedOperationRejected(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.ApplyOperation(context.Background(), "item-1", ot.Delete(-1, 2, 0))
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	_, _, err = s.ApplyOperation(context.Background(), "item-1", ot.Insert(4, "x", 0))
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
}

func TestPersistenceFailureLeavesStateUntouched(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: NewMemoryRepository()}
	s := NewStore(repo, nil, nil, Options{})
	ctx := context.Background()

	_, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "Hello", 0))
	require.NoError(t, err)

	repo.failAppend = errors.New("connection reset")
	_, _, err = s.ApplyOperation(ctx, "item-1", ot.Insert(5, "!", 1))
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	st, err := s.GetDocumentState(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, "Hello", st.Content)
	assert.Len(t, st.Operations, 1)

	repo.failAppend = nil
	st, _, err = s.ApplyOperation(ctx, "item-1", ot.Insert(5, "!", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)
	assert.Equal(t, "Hello!", st.Content)
}

func TestRetentionTrimsLog(t *testing.T) {
	s := NewStore(NewMemoryRepository(), nil, nil, Options{Retention: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "a", int64(i)))
		require.NoError(t, err)
	}

	st, err := s.GetDocumentState(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Version)
	assert.Equal(t, int64(3), st.LogStart)
	assert.Len(t, st.Operations, 2)

	_, err = s.GetOperationsSince(ctx, "item-1", 2)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, _, err = s.ApplyOperation(ctx, "item-1", ot.Insert(0, "b", 1))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	ops, err := s.GetOperationsSince(ctx, "item-1", 3)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestGetOperationsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		st, err := s.GetDocumentState(ctx, "item-1")
		require.NoError(t, err)
		_, _, err = s.ApplyOperation(ctx, "item-1", ot.Insert(0, text, st.Version))
		require.NoError(t, err)
	}

	ops, err := s.GetOperationsSince(ctx, "item-1", 1)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "b", ops[0].Text)
	assert.Equal(t, "c", ops[1].Text)

	ops, err = s.GetOperationsSince(ctx, "item-1", 3)
	require.NoError(t, err)
	assert.Empty(t, ops)

	_, err = s.GetOperationsSince(ctx, "item-1", 4)
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
}

func TestSeedFromContentSource(t *testing.T) {
	src := &fakeSource{content: map[string][]byte{
		"notes.txt": []byte("seeded"),
		"photo.png": {0xff, 0xd8, 0xff, 0xe0},
	}}
	s := NewStore(NewMemoryRepository(), src, nil, Options{})
	ctx := context.Background()

	st, err := s.GetDocumentState(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "seeded", st.Content)
	assert.Equal(t, int64(0), st.Version)

	_, err = s.GetDocumentState(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "live copy is reused after first load")

	_, err = s.GetDocumentState(ctx, "photo.png")
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	st, err = s.GetDocumentState(ctx, "missing.txt")
	require.NoError(t, err)
	assert.Equal(t, "", st.Content)
}

func TestSeedSourceFailureIsUnavailable(t *testing.T) {
	s := NewStore(NewMemoryRepository(), &fakeSource{err: errors.New("timeout")}, nil, Options{})

	_, err := s.GetDocumentState(context.Background(), "item-1")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestEvictReloadsFromRepository(t *testing.T) {
	repo := NewMemoryRepository()
	s := NewStore(repo, nil, nil, Options{})
	ctx := context.Background()
	_, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "Hello", 0))
	require.NoError(t, err)

	s.Evict("item-1")

	st, err := s.GetDocumentState(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", st.Content)
	assert.Equal(t, int64(1), st.Version)
}

func TestStrictOverlappingDeletes(t *testing.T) {
	ctx := context.Background()
	setup := func(strict bool) *Store {
		s := NewStore(NewMemoryRepository(), nil, nil, Options{StrictOverlappingDeletes: strict})
		_, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "abcdefghij", 0))
		require.NoError(t, err)
		_, _, err = s.ApplyOperation(ctx, "item-1", ot.Delete(4, 4, 1))
		require.NoError(t, err)
		return s
	}

	_, _, err := setup(true).ApplyOperation(ctx, "item-1", ot.Delete(2, 4, 1))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	st, op, err := setup(false).ApplyOperation(ctx, "item-1", ot.Delete(2, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, op.Position)
	assert.Equal(t, 4, op.Length)
	assert.Equal(t, "ab", st.Content)
}

func TestCommitCallbackAndPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewStore(NewMemoryRepository(), nil, pub, Options{})

	var committed []int64
	_, _, err := s.ApplyOperationFunc(context.Background(), "item-1", ot.Insert(0, "hi", 0), func(version int64, op ot.Operation) {
		committed = append(committed, version)
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, committed)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "item-1", pub.events[0].ItemID)
	assert.Equal(t, int64(1), pub.events[0].Version)
}

func TestSaveDocumentState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "abc", 0))
	require.NoError(t, err)

	err = s.SaveDocumentState(ctx, &State{ItemID: "item-1", Version: 0, Operations: []ot.Operation{}})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	err = s.SaveDocumentState(ctx, &State{ItemID: "item-1", Version: 5, Operations: []ot.Operation{}})
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	err = s.SaveDocumentState(ctx, &State{ItemID: "item-1", Version: 5, LogStart: 5, Content: "replaced", Operations: []ot.Operation{}})
	require.NoError(t, err)

	st, err := s.GetDocumentState(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "replaced", st.Content)
	assert.Equal(t, int64(5), st.Version)
}

func TestViewDocumentStateRunsUnderLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ApplyOperation(ctx, "item-1", ot.Insert(0, "abc", 0))
	require.NoError(t, err)

	var seen *State
	require.NoError(t, s.ViewDocumentState(ctx, "item-1", func(st *State) {
		seen = st
		st.Content = "mutated"
	}))
	assert.Equal(t, int64(1), seen.Version)

	st, err := s.GetDocumentState(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", st.Content)
}
