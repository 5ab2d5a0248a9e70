package collab

import (
	"encoding/json"
	"log/slog"

	"github.com/filebox/filebox/backend-go/internal/ot"
	"github.com/filebox/filebox/backend-go/internal/session"
)

// Message is the envelope for both directions. Inbound messages use the
// top-level fields; outbound messages may also carry a typed Payload.
type Message struct {
	Type          string             `json:"type"`
	SessionID     string             `json:"sessionId,omitempty"`
	ParticipantID string             `json:"participantId,omitempty"`
	UserID        string             `json:"userId,omitempty"`
	ItemID        string             `json:"itemId,omitempty"`
	Cursor        *ot.Cursor         `json:"cursor,omitempty"`
	Selection     *session.Selection `json:"selection,omitempty"`
	Operation     *ot.Operation      `json:"operation,omitempty"`
	Presence      *PresencePayload   `json:"presence,omitempty"`
	Version       *int64             `json:"version,omitempty"`
	Payload       json.RawMessage    `json:"payload,omitempty"`
}

type PresencePayload struct {
	Status         string `json:"status"`
	ActiveDocument string `json:"activeDocument,omitempty"`
}

type DocumentSnapshot struct {
	ItemID  string `json:"itemId"`
	Version int64  `json:"version"`
	Content string `json:"content"`
}

type SessionJoinedPayload struct {
	Session     *session.Session     `json:"session"`
	Participant *session.Participant `json:"participant"`
	Document    DocumentSnapshot     `json:"document"`
}

type ParticipantJoinedPayload struct {
	Participant *session.Participant `json:"participant"`
}

type SyncPayload struct {
	Operations []ot.Operation `json:"operations"`
}

type SessionClosedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Request is the inbound message type that failed, when known.
	Request string `json:"request,omitempty"`
}

// Inbound
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeCursor    = "cursor"
	TypeSelection = "selection"
	TypeOperation = "operation"
	TypePresence  = "presence"
	TypeSync      = "sync"
)

// Outbound
const (
	TypeSessionJoined      = "session.joined"
	TypeSessionClosed      = "session.closed"
	TypeSessionUnavailable = "session.unavailable"
	TypeParticipantJoined  = "participant.joined"
	TypeParticipantLeft    = "participant.left"
	TypeOperationAck       = "operation.ack"
	TypePresenceAck        = "presence.ack"
	TypeError              = "error"
)

func newMessage(msgType string, payload any) *Message {
	msg := &Message{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("marshal payload", "type", msgType, "error", err)
		} else {
			msg.Payload = data
		}
	}
	return msg
}

func version(v int64) *int64 {
	return &v
}
