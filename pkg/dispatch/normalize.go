package dispatch

import (
	"slices"
	"strings"

	"botcore/pkg/event"
	"botcore/pkg/message"
)

const (
	levelMaster    = 0
	levelSuperuser = 1
)

// Identity resolves permission levels and command prefixes.
type Identity struct {
	Masters    []string
	Superusers []string
	// CommandStart prefixes are stripped once from raw text. The longest
	// matching prefix wins.
	CommandStart []string
}

// Level returns 0 for masters, 1 for superusers, otherwise the adapter's level.
func (id Identity) Level(userID string, adapterLevel int) int {
	switch {
	case slices.Contains(id.Masters, userID):
		return levelMaster
	case slices.Contains(id.Superusers, userID):
		return levelSuperuser
	default:
		return adapterLevel
	}
}

// Normalize builds the dispatcher's view of env.
func (id Identity) Normalize(connectionID string, env message.InboundEnvelope) *event.Event {
	ev := &event.Event{
		ConnectionID: connectionID,
		BotID:        env.BotID,
		BotSelfID:    env.BotSelfID,
		MsgID:        env.MsgID,
		UserType:     env.UserType,
		GroupID:      env.GroupID,
		UserID:       env.UserID,
		Sender:       env.Sender,
		UserPM:       id.Level(env.UserID, env.UserPM),
		Content:      env.Content,
	}

	var text strings.Builder
	for _, seg := range env.Content {
		switch seg.Type {
		case message.SegmentText:
			text.WriteString(seg.String())
		case message.SegmentAt:
			target := seg.String()
			if target != "" && target == env.BotSelfID {
				ev.IsToMe = true
				continue
			}
			ev.AtList = append(ev.AtList, target)
		case message.SegmentImage:
			ev.ImageList = append(ev.ImageList, seg.String())
		case message.SegmentReply:
			ev.ReplyID = seg.String()
		case message.SegmentFile:
			name, ref, _ := strings.Cut(seg.String(), "|")
			ev.FileName = name
			ev.File = ref
			if message.IsLink(ref) {
				ev.FileType = "url"
			} else {
				ev.FileType = "base64"
			}
		}
	}

	if len(ev.AtList) > 0 {
		ev.At = ev.AtList[0]
	}
	if len(ev.ImageList) > 0 {
		ev.Image = ev.ImageList[0]
	}
	if env.UserType == message.ScopeDirect {
		ev.IsToMe = true
	}

	ev.RawText = id.stripCommandStart(strings.TrimSpace(text.String()))
	ev.Text = ev.RawText
	return ev
}

func (id Identity) stripCommandStart(raw string) string {
	best := ""
	for _, prefix := range id.CommandStart {
		if prefix != "" && len(prefix) > len(best) && strings.HasPrefix(raw, prefix) {
			best = prefix
		}
	}
	if best == "" {
		return raw
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, best))
}
