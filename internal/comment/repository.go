package comment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/filebox/filebox/backend-go/internal/apperr"
)

// Repository persists comments and their replies. Lookups of unknown ids
// return an apperr NotFound error.
type Repository interface {
	Create(ctx context.Context, c *Comment) error
	Get(ctx context.Context, id string) (*Comment, error)
	AppendReply(ctx context.Context, commentID string, reply Reply) error
	// Resolve sets resolved_at only when it is unset and reports whether
	// anything changed.
	Resolve(ctx context.Context, id string, at time.Time) (bool, error)
	Reopen(ctx context.Context, id string, at time.Time) (bool, error)
	// ListByItem returns comments in creation order.
	ListByItem(ctx context.Context, itemID string) ([]*Comment, error)
	Delete(ctx context.Context, id string) error
}

type MemoryRepository struct {
	mu       sync.RWMutex
	comments map[string]*Comment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{comments: make(map[string]*Comment)}
}

func (r *MemoryRepository) Create(_ context.Context, c *Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.comments[c.ID]; ok {
		return apperr.Conflict("comment.Create", "comment %q already exists", c.ID)
	}
	r.comments[c.ID] = c.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.comments[id]
	if !ok {
		return nil, notFound("comment.Get", id)
	}
	return c.clone(), nil
}

func (r *MemoryRepository) AppendReply(_ context.Context, commentID string, reply Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comments[commentID]
	if !ok {
		return notFound("comment.AppendReply", commentID)
	}
	c.Replies = append(c.Replies, reply)
	c.UpdatedAt = reply.CreatedAt
	return nil
}

func (r *MemoryRepository) Resolve(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comments[id]
	if !ok {
		return false, notFound("comment.Resolve", id)
	}
	if c.ResolvedAt != nil {
		return false, nil
	}
	c.ResolvedAt = &at
	c.UpdatedAt = at
	return true, nil
}

func (r *MemoryRepository) Reopen(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comments[id]
	if !ok {
		return false, notFound("comment.Reopen", id)
	}
	if c.ResolvedAt == nil {
		return false, nil
	}
	c.ResolvedAt = nil
	c.UpdatedAt = at
	return true, nil
}

func (r *MemoryRepository) ListByItem(_ context.Context, itemID string) ([]*Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Comment, 0)
	for _, c := range r.comments {
		if c.ItemID == itemID {
			out = append(out, c.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.comments[id]; !ok {
		return notFound("comment.Delete", id)
	}
	delete(r.comments, id)
	return nil
}

func notFound(op, id string) error {
	return apperr.NotFound(op, "comment %q not found", id)
}
