package comment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/typeid"
)

// Message types pushed to the live session of the comment's item.
const (
	EventCreated  = "comment.created"
	EventReplied  = "comment.replied"
	EventResolved = "comment.resolved"
	EventReopened = "comment.reopened"
	EventDeleted  = "comment.deleted"
)

// Notifier fans comment changes out to clients connected to itemID.
type Notifier interface {
	NotifyItem(itemID, msgType string, payload any)
}

type Manager struct {
	repo     Repository
	notifier Notifier
	now      func() time.Time
}

func NewManager(repo Repository) *Manager {
	return &Manager{repo: repo, now: time.Now}
}

// SetNotifier installs n. Managers without a notifier stay silent.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

func (m *Manager) CreateComment(ctx context.Context, itemID, userID, content string, anchor Anchor) (*Comment, error) {
	content = strings.TrimSpace(content)
	switch {
	case itemID == "":
		return nil, apperr.Invalid("comment.Create", "missing item id")
	case userID == "":
		return nil, apperr.Invalid("comment.Create", "missing user id")
	case content == "":
		return nil, apperr.Invalid("comment.Create", "content is required")
	case !anchor.valid():
		return nil, apperr.Invalid("comment.Create", "invalid anchor range")
	}

	now := m.now().UTC()
	c := &Comment{
		ID:        typeid.NewCommentID(),
		ItemID:    itemID,
		UserID:    userID,
		Content:   content,
		Anchor:    anchor,
		Replies:   make([]Reply, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, c); err != nil {
		return nil, wrap("comment.Create", err)
	}
	m.notify(c.ItemID, EventCreated, c)
	return c, nil
}

func (m *Manager) AddReply(ctx context.Context, commentID, userID, content string) (*Comment, error) {
	content = strings.TrimSpace(content)
	if userID == "" {
		return nil, apperr.Invalid("comment.AddReply", "missing user id")
	}
	if content == "" {
		return nil, apperr.Invalid("comment.AddReply", "content is required")
	}

	reply := Reply{
		ID:        typeid.NewReplyID(),
		UserID:    userID,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	if err := m.repo.AppendReply(ctx, commentID, reply); err != nil {
		return nil, wrap("comment.AddReply", err)
	}
	c, err := m.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	m.notify(c.ItemID, EventReplied, map[string]any{"commentId": commentID, "reply": reply})
	return c, nil
}

// ResolveComment marks the comment resolved. Repeated calls keep the first
// resolution time.
func (m *Manager) ResolveComment(ctx context.Context, commentID string) (*Comment, error) {
	changed, err := m.repo.Resolve(ctx, commentID, m.now().UTC())
	if err != nil {
		return nil, wrap("comment.Resolve", err)
	}
	c, err := m.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if changed {
		m.notify(c.ItemID, EventResolved, c)
	}
	return c, nil
}

func (m *Manager) ReopenComment(ctx context.Context, commentID string) (*Comment, error) {
	changed, err := m.repo.Reopen(ctx, commentID, m.now().UTC())
	if err != nil {
		return nil, wrap("comment.Reopen", err)
	}
	c, err := m.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if changed {
		m.notify(c.ItemID, EventReopened, c)
	}
	return c, nil
}

func (m *Manager) GetComment(ctx context.Context, commentID string) (*Comment, error) {
	c, err := m.repo.Get(ctx, commentID)
	if err != nil {
		return nil, wrap("comment.Get", err)
	}
	return c, nil
}

// GetCommentsForItem returns resolved and unresolved comments in creation
// order.
func (m *Manager) GetCommentsForItem(ctx context.Context, itemID string) ([]*Comment, error) {
	items, err := m.repo.ListByItem(ctx, itemID)
	if err != nil {
		return nil, wrap("comment.List", err)
	}
	return items, nil
}

// DeleteComment removes the comment along with its replies.
func (m *Manager) DeleteComment(ctx context.Context, commentID string) error {
	c, err := m.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if err := m.repo.Delete(ctx, commentID); err != nil {
		return wrap("comment.Delete", err)
	}
	m.notify(c.ItemID, EventDeleted, map[string]string{"commentId": commentID})
	return nil
}

func (m *Manager) notify(itemID, msgType string, payload any) {
	if m.notifier != nil {
		m.notifier.NotifyItem(itemID, msgType, payload)
	}
}

func wrap(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Unavailable(op, err)
}
