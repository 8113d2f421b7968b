package dispatch

import (
	"testing"

	"botcore/pkg/message"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	id := Identity{Masters: []string{"m"}, Superusers: []string{"s"}, CommandStart: []string{"/", "", "//"}}

	tests := []struct {
		name  string
		env   message.InboundEnvelope
		check func(t *testing.T, env message.InboundEnvelope)
	}{
		{
			name: "mention of self marks event addressed",
			env: message.InboundEnvelope{
				BotSelfID: "bot",
				UserType:  message.ScopeGroup,
				GroupID:   "g",
				UserID:    "u",
				UserPM:    6,
				Content:   []message.Segment{message.At("bot"), message.Text(" hello "), message.At("x"), message.At("y")},
			},
			check: func(t *testing.T, env message.InboundEnvelope) {
				ev := id.Normalize("c1", env)
				require.True(t, ev.IsToMe)
				require.Equal(t, "hello", ev.RawText)
				require.Equal(t, "hello", ev.Text)
				require.Equal(t, []string{"x", "y"}, ev.AtList)
				require.Equal(t, "x", ev.At)
				require.Equal(t, "c1", ev.ConnectionID)
				require.Equal(t, 6, ev.UserPM)
			},
		},
		{
			name: "direct scope is addressed",
			env:  message.InboundEnvelope{UserType: message.ScopeDirect, UserID: "u", Content: []message.Segment{message.Text("hi")}},
			check: func(t *testing.T, env message.InboundEnvelope) {
				require.True(t, id.Normalize("c", env).IsToMe)
			},
		},
		{
			name: "longest command prefix is stripped once",
			env:  message.InboundEnvelope{UserType: message.ScopeGroup, UserID: "u", Content: []message.Segment{message.Text("///help")}},
			check: func(t *testing.T, env message.InboundEnvelope) {
				require.Equal(t, "/help", id.Normalize("c", env).RawText)
			},
		},
		{
			name: "images and reply",
			env: message.InboundEnvelope{UserType: message.ScopeGroup, UserID: "u", Content: []message.Segment{
				message.Reply("r1"), message.Image("link://a.png"), message.Image("link://b.png"),
			}},
			check: func(t *testing.T, env message.InboundEnvelope) {
				ev := id.Normalize("c", env)
				require.Equal(t, "r1", ev.ReplyID)
				require.Equal(t, "link://a.png", ev.Image)
				require.Len(t, ev.ImageList, 2)
				require.Empty(t, ev.RawText)
			},
		},
		{
			name: "file by link",
			env: message.InboundEnvelope{UserType: message.ScopeGroup, UserID: "u", Content: []message.Segment{
				{Type: message.SegmentFile, Data: "report.pdf|link://files/report.pdf"},
			}},
			check: func(t *testing.T, env message.InboundEnvelope) {
				ev := id.Normalize("c", env)
				require.Equal(t, "report.pdf", ev.FileName)
				require.Equal(t, "link://files/report.pdf", ev.File)
				require.Equal(t, "url", ev.FileType)
			},
		},
		{
			name: "inline file",
			env: message.InboundEnvelope{UserType: message.ScopeGroup, UserID: "u", Content: []message.Segment{
				{Type: message.SegmentFile, Data: "a.txt|base64://aGk="},
			}},
			check: func(t *testing.T, env message.InboundEnvelope) {
				require.Equal(t, "base64", id.Normalize("c", env).FileType)
			},
		},
		{
			name: "configured identities override adapter level",
			env:  message.InboundEnvelope{UserType: message.ScopeGroup, UserID: "s", UserPM: 6},
			check: func(t *testing.T, env message.InboundEnvelope) {
				require.Equal(t, 1, id.Normalize("c", env).UserPM)
				env.UserID = "m"
				require.Equal(t, 0, id.Normalize("c", env).UserPM)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.check(t, tt.env)
		})
	}
}
