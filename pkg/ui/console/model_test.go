package console

import (
	"testing"
	"time"

	"botcore/pkg/bus"
	"botcore/pkg/message"

	"github.com/stretchr/testify/require"
)

func TestSubmitScopeCommands(t *testing.T) {
	t.Parallel()

	m := newTestModel()
	require.Nil(t, m.submit(":group  42"))
	require.Equal(t, "42", m.console.Identity().GroupID)
	require.Equal(t, 0, m.sent)

	require.Nil(t, m.submit(":direct"))
	require.Empty(t, m.console.Identity().GroupID)
	require.Len(t, m.entries, 2)
	require.Contains(t, m.entries[1].content, "direct")
}

func TestSubmitQueuesMessage(t *testing.T) {
	t.Parallel()

	m := newTestModel()
	m.input.SetValue("ping")
	cmd := m.submit("ping")
	require.NotNil(t, cmd)
	require.Equal(t, 1, m.sent)
	require.Empty(t, m.input.Value())

	// Not attached yet, so the command reports a delivery failure.
	msg := cmd()
	result, ok := msg.(submitResultMsg)
	require.True(t, ok)
	require.ErrorIs(t, result.err, errNotAttached)

	_, _ = m.Update(result)
	require.NotEmpty(t, m.lastErr)
	require.Equal(t, roleError, m.entries[len(m.entries)-1].role)
}

func TestUpdateRendersOutbound(t *testing.T) {
	t.Parallel()

	m := newTestModel()
	m.booting = false
	_, cmd := m.Update(outboundMsg{env: message.OutboundEnvelope{Content: []message.Segment{message.Text("pong")}}})
	require.Nil(t, cmd)
	require.Equal(t, 1, m.received)
	require.Equal(t, entry{role: roleBot, content: "pong", at: m.entries[0].at}, m.entries[0])
	require.Contains(t, m.View(), "received:1")
}

func TestIsExitCommand(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"exit", " QUIT ", ":q", "/exit"} {
		if !isExitCommand(input) {
			t.Fatalf("isExitCommand(%q) = false, want true", input)
		}
	}
	if isExitCommand("exit now") {
		t.Fatal("isExitCommand(\"exit now\") = true, want false")
	}
}

func TestDescribeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   bus.Event
		want string
		show bool
	}{
		{name: "connected", ev: bus.Event{Type: bus.EventConnected, PlatformID: "telegram"}, want: "connected: telegram", show: true},
		{name: "own dispatch", ev: bus.Event{Type: bus.EventDispatched, PlatformID: platformID, Service: "core", Trigger: "fullmatch:ping"}, want: "→ core (fullmatch:ping)", show: true},
		{name: "foreign dispatch", ev: bus.Event{Type: bus.EventDispatched, PlatformID: "telegram"}},
		{name: "failure", ev: bus.Event{Type: bus.EventHandlerFailed, Service: "core", Error: "boom", At: time.Now()}, want: "core failed: boom", show: true},
		{name: "done is quiet", ev: bus.Event{Type: bus.EventHandlerDone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := describeEvent(tt.ev)
			require.Equal(t, tt.show, ok)
			require.Equal(t, tt.want, got)
		})
	}
}
