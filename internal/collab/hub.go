// Package collab is the realtime gateway: it routes websocket messages to
// the session, document and presence components and fans the results out
// to every connection in the same session.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/document"
	"github.com/filebox/filebox/backend-go/internal/presence"
	"github.com/filebox/filebox/backend-go/internal/session"
)

// maxJoinAttempts bounds retries when the session closes under a join.
const maxJoinAttempts = 3

var errSessionGone = errors.New("session ended during join")

type Options struct {
	// PresenceGrace delays the OFFLINE downgrade after a user's last
	// connection drops.
	PresenceGrace time.Duration
	SendBuffer    int
}

func DefaultOptions() Options {
	return Options{PresenceGrace: 30 * time.Second, SendBuffer: 256}
}

type Hub struct {
	docs     *document.Store
	sessions *session.Manager
	presence *presence.Tracker
	opt      Options

	mu        sync.RWMutex
	clients   map[string]*Client            // connID -> client
	rooms     map[string]map[string]*Client // sessionID -> connID -> client
	userConns map[string]int                // userID -> open connections
}

func NewHub(docs *document.Store, sessions *session.Manager, tracker *presence.Tracker, opt Options) *Hub {
	if opt.SendBuffer <= 0 {
		opt.SendBuffer = DefaultOptions().SendBuffer
	}
	h := &Hub{
		docs:      docs,
		sessions:  sessions,
		presence:  tracker,
		opt:       opt,
		clients:   make(map[string]*Client),
		rooms:     make(map[string]map[string]*Client),
		userConns: make(map[string]int),
	}
	sessions.OnClose(h.onSessionClosed)
	return h
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.userConns[c.UserID]++
	h.mu.Unlock()

	// A reconnect inside the grace period keeps the user's status.
	h.presence.CancelOffline(c.UserID)

	slog.Info("client connected", "user", c.UserID, "item", c.ItemID, "conn", c.ID)
}

// Unregister handles a dropped connection: the participant leaves its
// session and, once the user has no other connection, presence drops to
// OFFLINE after the grace period.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	h.userConns[c.UserID]--
	last := h.userConns[c.UserID] <= 0
	if last {
		delete(h.userConns, c.UserID)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.leave(ctx, c)

	if last {
		h.presence.ScheduleOffline(c.UserID, h.opt.PresenceGrace)
	}
	slog.Info("client disconnected", "user", c.UserID, "item", c.ItemID, "conn", c.ID)
}

// Handle decodes and dispatches one inbound frame. Every frame gets either
// its normal response or an error reply.
func (h *Hub) Handle(ctx context.Context, c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		sendError(c, "", apperr.Invalid("collab.decode", "malformed message"))
		return
	}

	switch msg.Type {
	case TypeJoin:
		h.handleJoin(ctx, c, &msg)
	case TypeLeave:
		h.handleLeave(ctx, c)
	case TypeCursor:
		h.handleCursor(ctx, c, &msg)
	case TypeSelection:
		h.handleSelection(ctx, c, &msg)
	case TypeOperation:
		h.handleOperation(ctx, c, &msg)
	case TypeSync:
		h.handleSync(ctx, c, &msg)
	case TypePresence:
		h.handlePresence(ctx, c, &msg)
	default:
		slog.Warn("unknown message type", "type", msg.Type, "user", c.UserID)
		sendError(c, msg.Type, apperr.Invalid("collab.dispatch", "unknown message type %q", msg.Type))
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg *Message) {
	if sid, _ := c.Membership(); sid != "" {
		sendError(c, TypeJoin, apperr.Invalid("collab.join", "connection already joined session %q", sid))
		return
	}
	if msg.ItemID != "" && msg.ItemID != c.ItemID {
		sendError(c, TypeJoin, apperr.Invalid("collab.join", "connection is bound to item %q", c.ItemID))
		return
	}

	var (
		s   *session.Session
		p   *session.Participant
		err error
	)
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		s, p, err = h.sessions.JoinSession(ctx, c.ItemID, c.UserID, c.DisplayName)
		if err != nil {
			h.fail(c, TypeJoin, err)
			return
		}
		err = h.attach(ctx, c, s, p)
		if !errors.Is(err, errSessionGone) {
			break
		}
		slog.Debug("session ended during join, retrying", "session", s.ID, "user", c.UserID)
	}
	if errors.Is(err, errSessionGone) {
		err = apperr.Conflict("collab.join", "session for item %q closed during join", c.ItemID)
	} else if err != nil {
		if leaveErr := h.sessions.LeaveSession(ctx, s.ID, p.ID); leaveErr != nil {
			slog.Warn("undo join", "session", s.ID, "error", leaveErr)
		}
	}
	if err != nil {
		h.fail(c, TypeJoin, err)
		return
	}

	joined := newMessage(TypeParticipantJoined, ParticipantJoinedPayload{Participant: p})
	joined.SessionID = s.ID
	joined.ParticipantID = p.ID
	joined.UserID = c.UserID
	h.broadcast(s.ID, joined, c.ID)

	h.markOnline(ctx, c, s.ID)
}

// attach registers c in the session room and sends the snapshot. It runs
// with the document locked, so every later commit reaches c after
// session.joined, and with the session locked, so a close that races the
// join either happens first (errSessionGone) or finds c in the room.
func (h *Hub) attach(ctx context.Context, c *Client, s *session.Session, p *session.Participant) error {
	var attachErr error
	err := h.docs.ViewDocumentState(ctx, c.ItemID, func(st *document.State) {
		attachErr = h.sessions.WithParticipant(s.ID, p.ID, func() {
			h.addToRoom(c, s.ID, p.ID)
			c.Send(newMessage(TypeSessionJoined, SessionJoinedPayload{
				Session:     s,
				Participant: p,
				Document:    DocumentSnapshot{ItemID: st.ItemID, Version: st.Version, Content: st.Content},
			}))
		})
	})
	if err != nil {
		return err
	}
	if errors.Is(attachErr, apperr.ErrNotFound) {
		return errSessionGone
	}
	return attachErr
}

func (h *Hub) handleLeave(ctx context.Context, c *Client) {
	sid, pid, ok := requireSession(c, TypeLeave)
	if !ok {
		return
	}
	h.leave(ctx, c)

	// The leaver gets the same notice as the remaining participants.
	c.Send(&Message{Type: TypeParticipantLeft, SessionID: sid, ParticipantID: pid, UserID: c.UserID})
}

// leave removes c from its session, if any, and tells the others.
func (h *Hub) leave(ctx context.Context, c *Client) {
	sid, pid := c.Membership()
	if sid == "" {
		return
	}
	h.removeFromRoom(c, sid)
	c.setMembership("", "")

	if err := h.sessions.LeaveSession(ctx, sid, pid); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		slog.Warn("leave session", "session", sid, "participant", pid, "error", err)
	}

	h.broadcast(sid, &Message{
		Type:          TypeParticipantLeft,
		SessionID:     sid,
		ParticipantID: pid,
		UserID:        c.UserID,
	}, c.ID)
}

func (h *Hub) onSessionClosed(s *session.Session, reason string) {
	h.mu.Lock()
	room := h.rooms[s.ID]
	delete(h.rooms, s.ID)
	h.mu.Unlock()

	msg := newMessage(TypeSessionClosed, SessionClosedPayload{Reason: reason})
	msg.SessionID = s.ID
	msg.ItemID = s.ItemID
	for _, c := range room {
		c.setMembership("", "")
		c.Send(msg)
	}

	h.docs.Evict(s.ItemID)
}

func (h *Hub) addToRoom(c *Client, sessionID, participantID string) {
	h.mu.Lock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[sessionID] = room
	}
	room[c.ID] = c
	h.mu.Unlock()
	c.setMembership(sessionID, participantID)
}

func (h *Hub) removeFromRoom(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, c.ID)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

// broadcast sends msg to every connection in the session except
// excludeConnID.
func (h *Hub) broadcast(sessionID string, msg *Message, excludeConnID string) {
	h.mu.RLock()
	room := h.rooms[sessionID]
	clients := make([]*Client, 0, len(room))
	for _, c := range room {
		if c.ID != excludeConnID {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(msg)
	}
}

// NotifyItem pushes msgType to every connection in the item's live
// session. Items without a session are skipped.
func (h *Hub) NotifyItem(itemID, msgType string, payload any) {
	s, ok := h.sessions.FindActiveSessionForItem(itemID)
	if !ok {
		return
	}
	msg := newMessage(msgType, payload)
	msg.SessionID = s.ID
	msg.ItemID = itemID
	h.broadcast(s.ID, msg, "")
}

// ParticipantCount is zero for unknown or expired sessions.
func (h *Hub) ParticipantCount(sessionID string) int {
	return h.sessions.ParticipantCount(sessionID)
}

// ConnectionCount reports the open connections joined to sessionID.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// fail maps err to a response. Caller errors go back to the sender only;
// backend failures tell the whole session it is temporarily unavailable.
func (h *Hub) fail(c *Client, request string, err error) {
	if apperr.IsClientError(err) {
		sendError(c, request, err)
		return
	}

	slog.Error("collab request failed", "type", request, "user", c.UserID, "item", c.ItemID, "error", err)
	msg := newMessage(TypeSessionUnavailable, ErrorPayload{
		Kind:    string(apperr.KindOf(err)),
		Message: "session temporarily unavailable, retry shortly",
		Request: request,
	})
	msg.ItemID = c.ItemID

	sid, _ := c.Membership()
	if sid == "" {
		c.Send(msg)
		return
	}
	msg.SessionID = sid
	h.broadcast(sid, msg, "")
}

func sendError(c *Client, request string, err error) {
	c.Send(newMessage(TypeError, ErrorPayload{
		Kind:    string(apperr.KindOf(err)),
		Message: err.Error(),
		Request: request,
	}))
}

// requireSession reports the caller's membership or replies with an error.
func requireSession(c *Client, request string) (sessionID, participantID string, ok bool) {
	sid, pid := c.Membership()
	if sid == "" {
		sendError(c, request, apperr.Invalid("collab."+request, "join a session first"))
		return "", "", false
	}
	return sid, pid, true
}
