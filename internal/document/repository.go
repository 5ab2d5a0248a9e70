package document

import (
	"context"
	"sync"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/ot"
)

// Repository persists document states. Load returns an apperr NotFound
// error for unknown items.
type Repository interface {
	Load(ctx context.Context, itemID string) (*State, error)
	// Save replaces the stored state and log.
	Save(ctx context.Context, state *State) error
	// Append records op as the commit that produced state. It must fail
	// without side effects if the stored version is not state.Version-1.
	Append(ctx context.Context, state *State, op ot.Operation) error
}

// ContentSource supplies the initial bytes of an item the first time it
// is edited.
type ContentSource interface {
	Content(ctx context.Context, itemID string) ([]byte, error)
}

type MemoryRepository struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]*State)}
}

func (r *MemoryRepository) Load(_ context.Context, itemID string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[itemID]
	if !ok {
		return nil, apperr.NotFound("document.Load", "document %q not found", itemID)
	}
	return st.Clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, state *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.ItemID] = state.Clone()
	return nil
}

func (r *MemoryRepository) Append(_ context.Context, state *State, _ ot.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.states[state.ItemID]
	stored := int64(0)
	if ok {
		stored = prev.Version
	}
	if stored != state.Version-1 {
		return apperr.Conflict("document.Append", "stored version %d, appending version %d", stored, state.Version)
	}
	r.states[state.ItemID] = state.Clone()
	return nil
}
