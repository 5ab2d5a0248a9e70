// Package ot implements the operational transformation rules used to rebase
// concurrent plain-text edits onto the canonical document log.
//
// Positions, lengths and counts are measured in Unicode code points.
package ot

import (
	"strings"

	"github.com/filebox/filebox/backend-go/internal/apperr"
)

type Kind string

const (
	KindInsert Kind = "INSERT"
	KindDelete Kind = "DELETE"
	KindRetain Kind = "RETAIN"
)

// MaxSpan bounds positions, lengths and counts so offset arithmetic in
// Apply and the transform rules cannot overflow.
const MaxSpan = 1 << 30

// Operation is a closed variant keyed by Kind. Only the fields of the active
// variant are meaningful: Insert{Position, Text}, Delete{Position, Length},
// Retain{Count}.
type Operation struct {
	ID          string `json:"id,omitempty"`
	Kind        Kind   `json:"type"`
	Position    int    `json:"position"`
	Text        string `json:"text,omitempty"`
	Length      int    `json:"length,omitempty"`
	Count       int    `json:"count,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	BaseVersion int64  `json:"baseVersion"`
}

func Insert(position int, text string, baseVersion int64) Operation {
	return Operation{Kind: KindInsert, Position: position, Text: text, BaseVersion: baseVersion}
}

func Delete(position, length int, baseVersion int64) Operation {
	return Operation{Kind: KindDelete, Position: position, Length: length, BaseVersion: baseVersion}
}

func Retain(count int, baseVersion int64) Operation {
	return Operation{Kind: KindRetain, Count: count, BaseVersion: baseVersion}
}

// TextLen is the inserted length in code points.
func (o Operation) TextLen() int {
	return len([]rune(o.Text))
}

func (o Operation) Validate() error {
	if o.BaseVersion < 0 {
		return apperr.Invalid("ot.Validate", "negative baseVersion %d", o.BaseVersion)
	}
	switch o.Kind {
	case KindInsert:
		if o.Position < 0 {
			return apperr.Invalid("ot.Validate", "negative insert position %d", o.Position)
		}
		if o.Position > MaxSpan {
			return apperr.Invalid("ot.Validate", "insert position %d exceeds %d", o.Position, MaxSpan)
		}
		if o.Text == "" {
			return apperr.Invalid("ot.Validate", "insert without text")
		}
	case KindDelete:
		if o.Position < 0 {
			return apperr.Invalid("ot.Validate", "negative delete position %d", o.Position)
		}
		if o.Length < 0 {
			return apperr.Invalid("ot.Validate", "negative delete length %d", o.Length)
		}
		if o.Position > MaxSpan || o.Length > MaxSpan {
			return apperr.Invalid("ot.Validate", "delete range %d+%d exceeds %d", o.Position, o.Length, MaxSpan)
		}
	case KindRetain:
		if o.Count < 0 || o.Count > MaxSpan {
			return apperr.Invalid("ot.Validate", "retain count %d out of range", o.Count)
		}
	default:
		return apperr.Invalid("ot.Validate", "unknown operation type %q", o.Kind)
	}
	return nil
}

// Apply returns content with op applied. A delete running past the end of
// content is clipped to it.
func Apply(content string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return content, err
	}

	switch op.Kind {
	case KindInsert:
		runes := []rune(content)
		if op.Position > len(runes) {
			return content, apperr.Invalid("ot.Apply", "insert position %d beyond length %d", op.Position, len(runes))
		}
		var b strings.Builder
		b.Grow(len(content) + len(op.Text))
		b.WriteString(string(runes[:op.Position]))
		b.WriteString(op.Text)
		b.WriteString(string(runes[op.Position:]))
		return b.String(), nil

	case KindDelete:
		runes := []rune(content)
		if op.Position > len(runes) {
			return content, apperr.Invalid("ot.Apply", "delete position %d beyond length %d", op.Position, len(runes))
		}
		end := len(runes)
		if op.Length < end-op.Position {
			end = op.Position + op.Length
		}
		return string(runes[:op.Position]) + string(runes[end:]), nil

	default:
		return content, nil
	}
}

// Cursor is a caret location. Offset is authoritative; Line and Column are
// derived from it and are zero-based.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Offset int `json:"offset"`
}

// CursorAt derives line and column for offset, clamping offset to content.
func CursorAt(content string, offset int) Cursor {
	if offset < 0 {
		offset = 0
	}
	line, col, i := 0, 0, 0
	for _, r := range content {
		if i == offset {
			break
		}
		if r == '\n' {
			line++
			col = 0
		} else {
			col++
		}
		i++
	}
	return Cursor{Line: line, Column: col, Offset: i}
}
