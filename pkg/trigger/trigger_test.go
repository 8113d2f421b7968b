package trigger

import (
	"context"
	"testing"

	"botcore/pkg/errs"
	"botcore/pkg/event"
	"botcore/pkg/session"

	"github.com/stretchr/testify/require"
)

func noop(context.Context, *session.Bot, *event.Event) error { return nil }

func mustTrigger(t *testing.T, kind Kind, pattern string, opts ...Option) *Trigger {
	t.Helper()
	tr, err := New(kind, pattern, noop, opts...)
	require.NoError(t, err)
	return tr
}

func textEvent(raw string) *event.Event {
	return &event.Event{RawText: raw, UserID: "u1"}
}

func TestMatchesByKind(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		pattern string
		text    string
		want    bool
	}{
		{name: "prefix", kind: KindPrefix, pattern: "kick ", text: "kick bob", want: true},
		{name: "prefix equal is not prefix", kind: KindPrefix, pattern: "ping", text: "ping", want: false},
		{name: "prefix miss", kind: KindPrefix, pattern: "kick ", text: "please kick bob", want: false},
		{name: "suffix", kind: KindSuffix, pattern: "?", text: "why?", want: true},
		{name: "suffix equal is not suffix", kind: KindSuffix, pattern: "?", text: "?", want: false},
		{name: "keyword", kind: KindKeyword, pattern: "weather", text: "how is the weather today", want: true},
		{name: "keyword equal", kind: KindKeyword, pattern: "weather", text: "weather", want: true},
		{name: "keyword miss", kind: KindKeyword, pattern: "weather", text: "hello", want: false},
		{name: "fullmatch", kind: KindFullmatch, pattern: "ping", text: "ping", want: true},
		{name: "fullmatch miss", kind: KindFullmatch, pattern: "ping", text: "ping!", want: false},
		{name: "command equal", kind: KindCommand, pattern: "help", text: "help", want: true},
		{name: "command with args", kind: KindCommand, pattern: "help", text: "help echo", want: true},
		{name: "regex search", kind: KindRegex, pattern: `\d+`, text: "roll 20 dice", want: true},
		{name: "regex miss", kind: KindRegex, pattern: `^\d+$`, text: "roll 20", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := mustTrigger(t, tc.kind, tc.pattern)
			require.Equal(t, tc.want, tr.Matches(textEvent(tc.text)))
		})
	}
}

func TestPrefixSuffixNeverMatchTheirOwnPattern(t *testing.T) {
	for _, pattern := range []string{"a", "ping", "kick ", "你好", " "} {
		ev := textEvent(pattern)
		require.False(t, mustTrigger(t, KindPrefix, pattern).Matches(ev), pattern)
		require.False(t, mustTrigger(t, KindSuffix, pattern).Matches(ev), pattern)
		require.True(t, mustTrigger(t, KindCommand, pattern).Matches(ev), pattern)
		require.True(t, mustTrigger(t, KindFullmatch, pattern).Matches(ev), pattern)
	}
}

func TestFileMatchesExtension(t *testing.T) {
	tr := mustTrigger(t, KindFile, ".PDF")

	ev := textEvent("")
	ev.FileName = "report.pdf"
	require.True(t, tr.Matches(ev))

	ev.FileName = "report.pdf.txt"
	require.False(t, tr.Matches(ev))

	ev.FileName = ""
	require.False(t, tr.Matches(ev))
}

func TestToMeShortCircuits(t *testing.T) {
	tr := mustTrigger(t, KindFullmatch, "ping", ToMe())

	ev := textEvent("ping")
	require.False(t, tr.Matches(ev))

	ev.IsToMe = true
	require.True(t, tr.Matches(ev))
	require.True(t, tr.RequiresToMe())
}

func TestApplyRewritesCommandAndText(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		pattern  string
		raw      string
		fileName string
		command  string
		text     string
	}{
		{name: "prefix", kind: KindPrefix, pattern: "kick ", raw: "kick bob", command: "kick ", text: "bob"},
		{name: "suffix removes first occurrence", kind: KindSuffix, pattern: "ha", raw: "ha yes ha", command: "ha", text: " yes ha"},
		{name: "keyword", kind: KindKeyword, pattern: "weather", raw: "nice weather, weather!", command: "weather", text: "nice , weather!"},
		{name: "command", kind: KindCommand, pattern: "help", raw: "help help", command: "help", text: " help"},
		{name: "fullmatch", kind: KindFullmatch, pattern: "ping", raw: "ping", command: "ping", text: ""},
		{name: "file strips extension from caption", kind: KindFile, pattern: "pdf", raw: "the pdf you asked for, pdf", fileName: "r.pdf", command: "pdf", text: "the  you asked for, pdf"},
		{name: "file without caption", kind: KindFile, pattern: "pdf", raw: "", fileName: "r.pdf", command: "pdf", text: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := mustTrigger(t, tt.kind, tt.pattern)
			ev := textEvent(tt.raw)
			ev.FileName = tt.fileName
			require.True(t, tr.Matches(ev))

			tr.Apply(ev)
			require.Equal(t, tt.command, ev.Command)
			require.Equal(t, tt.text, ev.Text)
			require.Equal(t, tt.raw, ev.RawText)
		})
	}
}

func TestApplyIsNotReentrant(t *testing.T) {
	cases := []struct {
		kind    Kind
		pattern string
		text    string
	}{
		{KindPrefix, "kick ", "kick bob"},
		{KindSuffix, "?", "why?"},
		{KindKeyword, "weather", "nice weather today"},
		{KindFullmatch, "ping", "ping"},
		{KindCommand, "help", "help me"},
		{KindRegex, `\d+`, "roll 20"},
	}

	for _, tc := range cases {
		tr := mustTrigger(t, tc.kind, tc.pattern)
		ev := textEvent(tc.text)
		require.True(t, tr.Matches(ev), tc.pattern)

		tr.Apply(ev)
		require.False(t, tr.Matches(textEvent(ev.Text)), "%s:%s rematched %q", tc.kind, tc.pattern, ev.Text)
	}
}

func TestRegexApplyKeepsGroups(t *testing.T) {
	tr := mustTrigger(t, KindRegex, `(?P<count>\d+)d(?P<sides>\d+)`)
	ev := textEvent("roll 2d6 and 1d20")
	tr.Apply(ev)

	require.Equal(t, "2d6|1d20", ev.Command)
	require.Equal(t, "roll | and |", ev.Text)
	require.Equal(t, []string{"2", "6"}, ev.RegexGroups)
	require.Equal(t, map[string]string{"count": "2", "sides": "6"}, ev.RegexNamed)
}

func TestOptionsAndAccessors(t *testing.T) {
	tr := mustTrigger(t, KindKeyword, "hi", Block())

	require.True(t, tr.IsBlocking())
	require.False(t, tr.RequiresToMe())
	require.Equal(t, KindKeyword, tr.Kind())
	require.Equal(t, "hi", tr.Pattern())
	require.Equal(t, "keyword:hi", tr.String())
	require.NotNil(t, tr.Handler())
}

func TestNewRejectsInvalidTriggers(t *testing.T) {
	_, err := New(KindRegex, "(", noop)
	require.ErrorIs(t, err, errs.ErrInvalidTrigger)

	_, err = New(KindPrefix, "", noop)
	require.ErrorIs(t, err, errs.ErrInvalidTrigger)

	_, err = New("glob", "*", noop)
	require.ErrorIs(t, err, errs.ErrInvalidTrigger)

	_, err = New(KindPrefix, "x", nil)
	require.ErrorIs(t, err, errs.ErrInvalidTrigger)
}
