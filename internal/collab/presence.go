package collab

import (
	"context"
	"log/slog"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/presence"
)

// handlePresence updates the user's global status. Presence is not
// session scoped, so only the sender gets a reply.
func (h *Hub) handlePresence(ctx context.Context, c *Client, msg *Message) {
	if msg.Presence == nil {
		sendError(c, TypePresence, apperr.Invalid("collab.presence", "missing presence"))
		return
	}
	status, err := presence.ParseStatus(msg.Presence.Status)
	if err != nil {
		sendError(c, TypePresence, err)
		return
	}

	sid, _ := c.Membership()
	doc := msg.Presence.ActiveDocument
	if doc == "" && sid != "" {
		doc = c.ItemID
	}

	p, err := h.presence.UpdatePresence(ctx, c.UserID, status, sid, doc)
	if err != nil {
		h.fail(c, TypePresence, err)
		return
	}
	c.Send(newMessage(TypePresenceAck, p))
}

// markOnline records that the user is active in sessionID. Failures are
// logged; joining does not depend on presence.
func (h *Hub) markOnline(ctx context.Context, c *Client, sessionID string) {
	if _, err := h.presence.UpdatePresence(ctx, c.UserID, presence.StatusOnline, sessionID, c.ItemID); err != nil {
		slog.Warn("mark user online", "user", c.UserID, "error", err)
	}
}
