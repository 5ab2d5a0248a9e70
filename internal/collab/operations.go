package collab

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/document"
	"github.com/filebox/filebox/backend-go/internal/ot"
	"github.com/filebox/filebox/backend-go/internal/session"
)

// handleOperation commits an edit and fans out the rebased result. The
// fan-out runs inside the document's critical section, so every
// connection sees operations in commit order.
func (h *Hub) handleOperation(ctx context.Context, c *Client, msg *Message) {
	sid, pid, ok := requireSession(c, TypeOperation)
	if !ok {
		return
	}
	if msg.Operation == nil {
		sendError(c, TypeOperation, apperr.Invalid("collab.operation", "missing operation"))
		return
	}

	op := *msg.Operation
	op.UserID = c.UserID
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	_, _, err := h.docs.ApplyOperationFunc(ctx, c.ItemID, op, func(v int64, rebased ot.Operation) {
		h.broadcast(sid, &Message{
			Type:          TypeOperation,
			SessionID:     sid,
			ParticipantID: pid,
			UserID:        c.UserID,
			ItemID:        c.ItemID,
			Operation:     &rebased,
			Version:       version(v),
		}, c.ID)
		c.Send(&Message{
			Type:      TypeOperationAck,
			SessionID: sid,
			ItemID:    c.ItemID,
			Operation: &rebased,
			Version:   version(v),
		})
	})
	if err != nil {
		h.fail(c, TypeOperation, err)
		return
	}

	if err := h.sessions.Touch(sid, pid); err != nil {
		slog.Debug("touch participant", "session", sid, "participant", pid, "error", err)
	}
}

// handleSync replays the operations committed after the client's version.
func (h *Hub) handleSync(ctx context.Context, c *Client, msg *Message) {
	if _, _, ok := requireSession(c, TypeSync); !ok {
		return
	}
	if msg.Version == nil {
		sendError(c, TypeSync, apperr.Invalid("collab.sync", "missing version"))
		return
	}

	since := *msg.Version
	ops, err := h.docs.GetOperationsSince(ctx, c.ItemID, since)
	if err != nil {
		h.fail(c, TypeSync, err)
		return
	}

	out := newMessage(TypeSync, SyncPayload{Operations: ops})
	out.ItemID = c.ItemID
	out.Version = version(since + int64(len(ops)))
	c.Send(out)
}

func (h *Hub) handleCursor(ctx context.Context, c *Client, msg *Message) {
	sid, pid, ok := requireSession(c, TypeCursor)
	if !ok {
		return
	}
	if msg.Cursor == nil {
		sendError(c, TypeCursor, apperr.Invalid("collab.cursor", "missing cursor"))
		return
	}

	var cur ot.Cursor
	if err := h.docs.ViewDocumentState(ctx, c.ItemID, func(st *document.State) {
		cur = ot.CursorAt(st.Content, msg.Cursor.Offset)
	}); err != nil {
		h.fail(c, TypeCursor, err)
		return
	}

	if _, err := h.sessions.UpdateCursor(sid, pid, cur); err != nil {
		h.fail(c, TypeCursor, err)
		return
	}
	h.broadcast(sid, &Message{
		Type:          TypeCursor,
		SessionID:     sid,
		ParticipantID: pid,
		UserID:        c.UserID,
		Cursor:        &cur,
	}, c.ID)
}

func (h *Hub) handleSelection(ctx context.Context, c *Client, msg *Message) {
	sid, pid, ok := requireSession(c, TypeSelection)
	if !ok {
		return
	}
	if msg.Selection == nil {
		sendError(c, TypeSelection, apperr.Invalid("collab.selection", "missing selection"))
		return
	}

	var sel session.Selection
	if err := h.docs.ViewDocumentState(ctx, c.ItemID, func(st *document.State) {
		sel = session.Selection{
			Start: ot.CursorAt(st.Content, msg.Selection.Start.Offset),
			End:   ot.CursorAt(st.Content, msg.Selection.End.Offset),
		}
	}); err != nil {
		h.fail(c, TypeSelection, err)
		return
	}

	if _, err := h.sessions.UpdateSelection(sid, pid, sel); err != nil {
		h.fail(c, TypeSelection, err)
		return
	}
	h.broadcast(sid, &Message{
		Type:          TypeSelection,
		SessionID:     sid,
		ParticipantID: pid,
		UserID:        c.UserID,
		Selection:     &sel,
	}, c.ID)
}
