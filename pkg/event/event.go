// Package event holds the dispatcher's normalized view of one inbound envelope.
package event

import (
	"maps"
	"slices"
	"strings"

	"botcore/pkg/message"
)

// Event is created once per inbound envelope. Handlers treat it as read-only;
// only the matched trigger rewrites Command and Text on its own copy.
type Event struct {
	ConnectionID string
	BotID        string
	BotSelfID    string
	MsgID        string
	UserType     message.Scope
	GroupID      string
	UserID       string
	Sender       map[string]any
	UserPM       int
	Content      []message.Segment

	RawText   string
	IsToMe    bool
	At        string
	AtList    []string
	Image     string
	ImageList []string
	ReplyID   string
	FileName  string
	File      string
	FileType  string

	Command     string
	Text        string
	RegexGroups []string
	RegexNamed  map[string]string
}

// SessionKey identifies the conversation an event belongs to.
func (e *Event) SessionKey() string {
	return SessionKey(e.UserID, e.GroupID)
}

// IsGroup reports whether the event came from a group-like conversation.
func (e *Event) IsGroup() bool {
	return strings.TrimSpace(e.GroupID) != ""
}

// Copy returns an independent copy suitable for binding to one trigger.
func (e *Event) Copy() *Event {
	if e == nil {
		return nil
	}

	c := *e
	c.Sender = maps.Clone(e.Sender)
	c.Content = slices.Clone(e.Content)
	c.AtList = slices.Clone(e.AtList)
	c.ImageList = slices.Clone(e.ImageList)
	c.RegexGroups = slices.Clone(e.RegexGroups)
	c.RegexNamed = maps.Clone(e.RegexNamed)
	return &c
}

// SessionKey correlates later replies with a waiting session by (user, group).
func SessionKey(userID, groupID string) string {
	return "u:" + strings.TrimSpace(userID) + "|g:" + strings.TrimSpace(groupID)
}
