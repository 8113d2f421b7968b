package event

import (
	"testing"

	"botcore/pkg/message"
)

func TestCopyIsIndependent(t *testing.T) {
	t.Parallel()

	ev := &Event{
		UserID:    "u",
		GroupID:   "g",
		AtList:    []string{"a"},
		Content:   []message.Segment{message.Text("hi")},
		Sender:    map[string]any{"nick": "x"},
		RawText:   "hi",
		ImageList: []string{"link://x"},
	}

	c := ev.Copy()
	c.AtList[0] = "changed"
	c.Sender["nick"] = "y"
	c.Command = "cmd"

	if ev.AtList[0] != "a" {
		t.Fatalf("AtList shared with copy: %v", ev.AtList)
	}
	if ev.Sender["nick"] != "x" {
		t.Fatalf("Sender shared with copy: %v", ev.Sender)
	}
	if ev.Command != "" {
		t.Fatalf("Command leaked into original: %q", ev.Command)
	}
}

func TestSessionKeySeparatesGroups(t *testing.T) {
	t.Parallel()

	if SessionKey("1", "2") == SessionKey("12", "") {
		t.Fatal("session keys must not collide on concatenation")
	}
	if (&Event{UserID: "1", GroupID: "2"}).SessionKey() != SessionKey("1", "2") {
		t.Fatal("event session key mismatch")
	}
	if (&Event{}).IsGroup() {
		t.Fatal("event without group id is not a group event")
	}
}
