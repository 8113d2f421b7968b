// Package console is a terminal channel adapter: what you type becomes an
// inbound envelope, and what the bot sends back is rendered in a bubbletea
// view next to the gateway's lifecycle events.
package console

import (
	"context"
	"errors"
	"strings"
	"sync"

	"botcore/pkg/channel"
	"botcore/pkg/message"

	"github.com/google/uuid"
)

const (
	platformID = "console"
	selfID     = "botcore"
)

var errNotAttached = errors.New("console is not attached to a gateway yet")

// Identity is who the console speaks as. An empty GroupID sends direct
// messages.
type Identity struct {
	UserID   string
	Nickname string
	GroupID  string
	Level    int
}

type Adapter struct {
	outbound chan message.OutboundEnvelope

	mu       sync.RWMutex
	identity Identity
	link     *channel.Link
}

func NewAdapter(identity Identity) *Adapter {
	if strings.TrimSpace(identity.UserID) == "" {
		identity.UserID = "console-user"
	}
	if identity.Level == 0 {
		identity.Level = message.DefaultUserPM
	}
	return &Adapter{
		identity: identity,
		outbound: make(chan message.OutboundEnvelope, 64),
	}
}

func (a *Adapter) Name() string       { return platformID }
func (a *Adapter) PlatformID() string { return platformID }

// Outbound yields everything the dispatcher sends to the console.
func (a *Adapter) Outbound() <-chan message.OutboundEnvelope { return a.outbound }

func (a *Adapter) Run(ctx context.Context, link *channel.Link) error {
	a.mu.Lock()
	if a.link != nil {
		a.mu.Unlock()
		return errors.New("console adapter already running")
	}
	a.link = link
	a.mu.Unlock()

	for {
		env, err := link.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case a.outbound <- env:
		case <-ctx.Done():
			return nil
		}
	}
}

// Submit sends one line of user input as an inbound envelope.
func (a *Adapter) Submit(ctx context.Context, text string) (message.InboundEnvelope, error) {
	a.mu.RLock()
	env := a.envelope(text)
	link := a.link
	a.mu.RUnlock()

	if link == nil {
		return env, errNotAttached
	}
	return env, link.Publish(ctx, env)
}

// SetGroup switches between group (non-empty id) and direct conversation.
func (a *Adapter) SetGroup(groupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity.GroupID = strings.TrimSpace(groupID)
}

func (a *Adapter) Identity() Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

func (a *Adapter) envelope(text string) message.InboundEnvelope {
	env := message.InboundEnvelope{
		BotID:     platformID,
		BotSelfID: selfID,
		MsgID:     uuid.NewString(),
		UserID:    a.identity.UserID,
		UserPM:    a.identity.Level,
		Sender:    map[string]any{"nickname": a.identity.Nickname},
		Content:   parseInput(text),
	}
	if a.identity.GroupID == "" {
		env.UserType = message.ScopeDirect
	} else {
		env.UserType = message.ScopeGroup
		env.GroupID = a.identity.GroupID
	}
	return env
}

// parseInput turns "@name" words into mention segments so mention-gated
// triggers can be exercised from the terminal. "@bot" addresses the bot.
func parseInput(text string) []message.Segment {
	var (
		segments []message.Segment
		plain    []string
	)
	flush := func() {
		if len(plain) > 0 {
			segments = append(segments, message.Text(strings.Join(plain, " ")))
			plain = nil
		}
	}

	for _, word := range strings.Fields(text) {
		if target, ok := strings.CutPrefix(word, "@"); ok && target != "" {
			flush()
			if target == "bot" {
				target = selfID
			}
			segments = append(segments, message.At(target))
			continue
		}
		plain = append(plain, word)
	}
	flush()
	return segments
}

// describe renders outbound content as terminal text.
func describe(segments []message.Segment) string {
	var parts []string
	for _, seg := range segments {
		switch {
		case seg.Type == message.SegmentText, seg.Type == message.SegmentMarkdown:
			parts = append(parts, seg.String())
		case seg.Type == message.SegmentAt:
			parts = append(parts, "@"+seg.String()+" ")
		case seg.Type == message.SegmentImage:
			parts = append(parts, "[image]")
		case seg.Type == message.SegmentRecord:
			parts = append(parts, "[voice]")
		case seg.Type == message.SegmentFile:
			name, _, _ := strings.Cut(seg.String(), "|")
			parts = append(parts, "[file "+name+"]")
		case seg.Type == message.SegmentReply:
			parts = append(parts, "↪ ")
		case seg.Type == message.SegmentNode:
			parts = append(parts, describe(seg.Segments()))
		case seg.Type == message.SegmentButtons:
			var labels []string
			for _, button := range seg.ButtonList() {
				labels = append(labels, "["+button.Text+"]")
			}
			parts = append(parts, "\n"+strings.Join(labels, " "))
		case seg.IsLog():
			parts = append(parts, "\n"+strings.TrimPrefix(string(seg.Type), "log_")+": "+seg.String())
		}
	}
	return strings.TrimSpace(strings.Join(parts, ""))
}
