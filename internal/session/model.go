// Package session owns collaboration sessions: one live session per
// document item and the roster of participants editing it.
package session

import (
	"time"

	"github.com/filebox/filebox/backend-go/internal/ot"
)

type Status string

const (
	StatusCreated Status = "CREATED"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusClosed  Status = "CLOSED"
)

func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusClosed
}

type Selection struct {
	Start ot.Cursor `json:"start"`
	End   ot.Cursor `json:"end"`
}

type Participant struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	UserName     string     `json:"userName"`
	Color        string     `json:"color"`
	Cursor       *ot.Cursor `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	IsEditing    bool       `json:"isEditing"`
}

func (p *Participant) clone() *Participant {
	cp := *p
	if p.Cursor != nil {
		c := *p.Cursor
		cp.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		cp.Selection = &s
	}
	return &cp
}

type Session struct {
	ID           string         `json:"id"`
	ItemID       string         `json:"itemId"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	Status       Status         `json:"status"`
	Participants []*Participant `json:"participants"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Participants = make([]*Participant, len(s.Participants))
	for i, p := range s.Participants {
		cp.Participants[i] = p.clone()
	}
	return &cp
}

func (s *Session) participant(id string) (*Participant, int) {
	for i, p := range s.Participants {
		if p.ID == id {
			return p, i
		}
	}
	return nil, -1
}

// Palette cycles by roster size so neighbouring joins get distinct colors.
var Palette = []string{
	"#E57373",
	"#64B5F6",
	"#81C784",
	"#FFB74D",
	"#BA68C8",
	"#4DB6AC",
	"#F06292",
	"#A1887F",
}
