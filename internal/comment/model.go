// Package comment manages comment threads anchored to text ranges of a
// document item.
package comment

import "time"

// Anchor is the text range a comment was attached to when it was created.
// It is not re-anchored as the document changes.
type Anchor struct {
	StartLine   int    `json:"startLine"`
	StartColumn int    `json:"startColumn"`
	EndLine     int    `json:"endLine"`
	EndColumn   int    `json:"endColumn"`
	QuotedText  string `json:"quotedText,omitempty"`
}

func (a Anchor) valid() bool {
	if a.StartLine < 0 || a.StartColumn < 0 || a.EndLine < 0 || a.EndColumn < 0 {
		return false
	}
	if a.StartLine != a.EndLine {
		return a.StartLine < a.EndLine
	}
	return a.StartColumn <= a.EndColumn
}

// Reply is immutable once created.
type Reply struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Comment struct {
	ID         string     `json:"id"`
	ItemID     string     `json:"itemId"`
	UserID     string     `json:"userId"`
	Content    string     `json:"content"`
	Anchor     Anchor     `json:"anchor"`
	ResolvedAt *time.Time `json:"resolvedAt"`
	Replies    []Reply    `json:"replies"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (c *Comment) IsResolved() bool {
	return c.ResolvedAt != nil
}

func (c *Comment) clone() *Comment {
	cp := *c
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		cp.ResolvedAt = &at
	}
	cp.Replies = append(make([]Reply, 0, len(c.Replies)), c.Replies...)
	return &cp
}
