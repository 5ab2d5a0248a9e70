package document

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/events"
	"github.com/filebox/filebox/backend-go/internal/keylock"
	"github.com/filebox/filebox/backend-go/internal/ot"
)

type Publisher interface {
	Publish(ctx context.Context, evt events.OperationEvent) error
}

type Options struct {
	// Retention caps the operation log kept for catch-up and rebasing.
	// Zero keeps everything.
	Retention int
	// StrictOverlappingDeletes rejects operations whose rebase crosses an
	// overlapping delete instead of applying them unchanged.
	StrictOverlappingDeletes bool
	PublishTimeout           time.Duration
}

// CommitFunc observes a commit while the item is still locked, so calls
// for one item happen in commit order.
type CommitFunc func(version int64, op ot.Operation)

// Store serializes all reads and writes of a document behind a per-item
// lock and keeps the live copy in memory once loaded.
type Store struct {
	repo      Repository
	source    ContentSource
	publisher Publisher
	opt       Options
	locks     *keylock.Map
	now       func() time.Time

	mu   sync.RWMutex
	live map[string]*State
}

// NewStore builds a store. source and publisher may be nil.
func NewStore(repo Repository, source ContentSource, publisher Publisher, opt Options) *Store {
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = 50 * time.Millisecond
	}
	return &Store{
		repo:      repo,
		source:    source,
		publisher: publisher,
		opt:       opt,
		locks:     keylock.New(),
		now:       time.Now,
		live:      make(map[string]*State),
	}
}

func (s *Store) GetDocumentState(ctx context.Context, itemID string) (*State, error) {
	unlock := s.locks.Lock(itemID)
	defer unlock()

	st, err := s.loadLocked(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// ViewDocumentState runs fn with a copy of the current state while the item
// is locked. Commits for the item wait until fn returns.
func (s *Store) ViewDocumentState(ctx context.Context, itemID string, fn func(st *State)) error {
	unlock := s.locks.Lock(itemID)
	defer unlock()

	st, err := s.loadLocked(ctx, itemID)
	if err != nil {
		return err
	}
	fn(st.Clone())
	return nil
}

// SaveDocumentState replaces the state of state.ItemID. The version may
// not move backwards.
func (s *Store) SaveDocumentState(ctx context.Context, state *State) error {
	if state == nil || state.ItemID == "" {
		return apperr.Invalid("document.Save", "missing item id")
	}
	if !state.consistent() {
		return apperr.Invalid("document.Save", "log of %d operations does not match versions %d..%d",
			len(state.Operations), state.LogStart, state.Version)
	}

	unlock := s.locks.Lock(state.ItemID)
	defer unlock()

	cur, err := s.loadLocked(ctx, state.ItemID)
	if err != nil && !errors.Is(err, apperr.ErrInvalidOperation) {
		return err
	}
	if cur != nil && state.Version < cur.Version {
		return apperr.Conflict("document.Save", "version %d is behind current version %d", state.Version, cur.Version)
	}

	next := state.Clone()
	if next.LastModified.IsZero() {
		next.LastModified = s.now()
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return apperr.Unavailable("document.Save", err)
	}
	s.setLive(next)
	return nil
}

func (s *Store) ApplyOperation(ctx context.Context, itemID string, op ot.Operation) (*State, ot.Operation, error) {
	return s.ApplyOperationFunc(ctx, itemID, op, nil)
}

// ApplyOperationFunc rebases op onto the current version, applies it and
// persists the result. Nothing changes if persistence fails. onCommit, if
// set, runs before the item lock is released.
func (s *Store) ApplyOperationFunc(ctx context.Context, itemID string, op ot.Operation, onCommit CommitFunc) (*State, ot.Operation, error) {
	if err := op.Validate(); err != nil {
		return nil, ot.Operation{}, err
	}

	unlock := s.locks.Lock(itemID)
	defer unlock()

	cur, err := s.loadLocked(ctx, itemID)
	if err != nil {
		return nil, ot.Operation{}, err
	}

	if op.BaseVersion > cur.Version {
		return nil, ot.Operation{}, apperr.Invalid("document.Apply",
			"base version %d is ahead of current version %d", op.BaseVersion, cur.Version)
	}
	if op.BaseVersion < cur.LogStart {
		return nil, ot.Operation{}, apperr.NotFound("document.Apply",
			"base version %d is older than the retained log (starts at %d)", op.BaseVersion, cur.LogStart)
	}

	rebased, overlapped := ot.TransformChecked(op, cur.Version, cur.Operations)
	if overlapped {
		if s.opt.StrictOverlappingDeletes {
			return nil, ot.Operation{}, apperr.Conflict("document.Apply",
				"delete overlaps a concurrent delete")
		}
		slog.Warn("overlapping concurrent deletes applied unchanged",
			"item", itemID, "user", op.UserID, "base", op.BaseVersion, "version", cur.Version)
	}
	if rebased.Timestamp == 0 {
		rebased.Timestamp = s.now().UnixMilli()
	}

	content, err := ot.Apply(cur.Content, rebased)
	if err != nil {
		return nil, ot.Operation{}, err
	}

	next := cur.Clone()
	next.Content = content
	next.Operations = append(next.Operations, rebased)
	next.Version = cur.Version + 1
	next.LastModified = s.now()
	next.trim(s.opt.Retention)

	if err := s.repo.Append(ctx, next, rebased); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			// Another writer owns the row; reload on next access.
			s.dropLive(itemID)
			return nil, ot.Operation{}, err
		}
		return nil, ot.Operation{}, apperr.Unavailable("document.Apply", err)
	}
	s.setLive(next)

	if onCommit != nil {
		onCommit(next.Version, rebased)
	}
	s.publish(ctx, next, rebased)

	return next.Clone(), rebased, nil
}

// GetOperationsSince returns the operations committed after version.
func (s *Store) GetOperationsSince(ctx context.Context, itemID string, version int64) ([]ot.Operation, error) {
	unlock := s.locks.Lock(itemID)
	defer unlock()

	st, err := s.loadLocked(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if version > st.Version {
		return nil, apperr.Invalid("document.OperationsSince", "version %d is ahead of current version %d", version, st.Version)
	}
	if version < st.LogStart {
		return nil, apperr.NotFound("document.OperationsSince", "version %d is too old to replay (log starts at %d)", version, st.LogStart)
	}
	src := st.Operations[version-st.LogStart:]
	out := make([]ot.Operation, len(src))
	copy(out, src)
	return out, nil
}

// Evict drops the live copy of itemID. The next access reloads it.
func (s *Store) Evict(itemID string) {
	unlock := s.locks.Lock(itemID)
	defer unlock()
	s.dropLive(itemID)
}

func (s *Store) loadLocked(ctx context.Context, itemID string) (*State, error) {
	s.mu.RLock()
	st, ok := s.live[itemID]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}

	st, err := s.repo.Load(ctx, itemID)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrNotFound):
		st, err = s.seed(ctx, itemID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apperr.Unavailable("document.Load", err)
	}

	s.setLive(st)
	return st, nil
}

func (s *Store) seed(ctx context.Context, itemID string) (*State, error) {
	var content []byte
	if s.source != nil {
		b, err := s.source.Content(ctx, itemID)
		switch {
		case err == nil:
			content = b
		case errors.Is(err, apperr.ErrNotFound):
		case apperr.KindOf(err) == apperr.KindInvalidOperation:
			return nil, err
		default:
			return nil, apperr.Unavailable("document.Seed", err)
		}
	}
	if !utf8.Valid(content) {
		return nil, apperr.Invalid("document.Seed", "item %q is not a text document", itemID)
	}
	return NewState(itemID, string(content), s.now()), nil
}

func (s *Store) publish(ctx context.Context, st *State, op ot.Operation) {
	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.PublishTimeout)
	defer cancel()
	err := s.publisher.Publish(pctx, events.OperationEvent{
		ItemID:    st.ItemID,
		Version:   st.Version,
		UserID:    op.UserID,
		Operation: op,
		AppliedAt: st.LastModified,
	})
	if err != nil {
		slog.Warn("publish operation event", "item", st.ItemID, "version", st.Version, "error", err)
	}
}

func (s *Store) setLive(st *State) {
	s.mu.Lock()
	s.live[st.ItemID] = st
	s.mu.Unlock()
}

func (s *Store) dropLive(itemID string) {
	s.mu.Lock()
	delete(s.live, itemID)
	s.mu.Unlock()
}
