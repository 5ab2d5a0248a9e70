// Package document owns the canonical live text of each collaboratively
// edited item: its content, version and the log of committed operations.
package document

import (
	"time"

	"github.com/filebox/filebox/backend-go/internal/ot"
)

// State is a document snapshot. Operations holds the rebased operations
// committed at versions LogStart+1 through Version, in commit order, so
// Operations[i].BaseVersion == LogStart+i.
type State struct {
	ItemID       string         `json:"itemId"`
	Version      int64          `json:"version"`
	Content      string         `json:"content"`
	Operations   []ot.Operation `json:"operations"`
	LogStart     int64          `json:"logStart"`
	LastModified time.Time      `json:"lastModified"`
}

func NewState(itemID, content string, now time.Time) *State {
	return &State{
		ItemID:       itemID,
		Content:      content,
		Operations:   make([]ot.Operation, 0),
		LastModified: now,
	}
}

func (s *State) Clone() *State {
	out := *s
	out.Operations = make([]ot.Operation, len(s.Operations))
	copy(out.Operations, s.Operations)
	return &out
}

func (s *State) consistent() bool {
	return s.Version >= 0 && s.LogStart >= 0 && int64(len(s.Operations)) == s.Version-s.LogStart
}

// trim drops the oldest operations so at most keep remain.
func (s *State) trim(keep int) {
	if keep <= 0 || len(s.Operations) <= keep {
		return
	}
	drop := len(s.Operations) - keep
	ops := make([]ot.Operation, keep)
	copy(ops, s.Operations[drop:])
	s.Operations = ops
	s.LogStart += int64(drop)
}
