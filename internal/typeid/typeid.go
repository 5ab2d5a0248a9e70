package typeid

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

const (
	PrefixSession     = "sess"
	PrefixParticipant = "part"
	PrefixComment     = "cmt"
	PrefixReply       = "rpl"
	PrefixConnection  = "conn"
)

func New(prefix string) string {
	id := typeid.MustGenerate(prefix)
	return id.String()
}

func NewSessionID() string     { return New(PrefixSession) }
func NewParticipantID() string { return New(PrefixParticipant) }
func NewCommentID() string     { return New(PrefixComment) }
func NewReplyID() string       { return New(PrefixReply) }
func NewConnectionID() string  { return New(PrefixConnection) }

func Validate(id, expectedPrefix string) error {
	parsed, err := typeid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid typeid %q: %w", id, err)
	}
	if parsed.Prefix() != expectedPrefix {
		return fmt.Errorf("expected prefix %q but got %q in id %q", expectedPrefix, parsed.Prefix(), id)
	}
	return nil
}
