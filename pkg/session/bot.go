// Package session provides the handler-facing facade bound to one event and
// the rendezvous table that routes follow-up messages to waiting handlers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"botcore/pkg/conn"
	"botcore/pkg/errs"
	"botcore/pkg/event"
	"botcore/pkg/message"
	"botcore/pkg/metric"
	"botcore/pkg/worker"
)

// Sender is the outbound half of a connection actor.
type Sender interface {
	Send(ctx context.Context, env message.OutboundEnvelope, hint conn.SendHint) error
}

type state int

const (
	stateIdle state = iota
	stateWaiting
	stateSignaled
	stateTimedOut
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateWaiting:
		return "waiting"
	case stateSignaled:
		return "signaled"
	case stateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type Options struct {
	Pool    *worker.Pool
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Bot is created per matched trigger. Its rendezvous slot holds at most one
// event and is filled at most once per wait round.
type Bot struct {
	key     string
	sender  Sender
	ev      *event.Event
	pool    *worker.Pool
	metrics *metric.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	state   state
	pending *event.Event
	slot    chan *event.Event
}

func New(sender Sender, ev *event.Event, opts Options) *Bot {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	key := ev.SessionKey()
	return &Bot{
		key:     key,
		sender:  sender,
		ev:      ev,
		pool:    opts.Pool,
		metrics: opts.Metrics,
		log:     log.With("component", "session.bot", "session_key", key),
		slot:    make(chan *event.Event, 1),
	}
}

func (b *Bot) Key() string { return b.key }

// Event returns the event this facade was created for.
func (b *Bot) Event() *event.Event { return b.ev }

func (b *Bot) Logger() *slog.Logger { return b.log }

// Send replies to the originating conversation: the group for group-like
// scopes, the user for direct messages.
func (b *Bot) Send(ctx context.Context, msg any) error {
	content, err := message.Convert(msg)
	if err != nil {
		return err
	}

	targetType, targetID := b.replyTarget()
	return b.sender.Send(ctx, message.OutboundEnvelope{
		BotID:      b.ev.BotID,
		BotSelfID:  b.ev.BotSelfID,
		MsgID:      b.ev.MsgID,
		TargetType: targetType,
		TargetID:   targetID,
		Content:    content,
	}, conn.SendHint{AtUser: b.ev.UserID})
}

// TargetSend addresses an explicit conversation on the same connection.
func (b *Bot) TargetSend(ctx context.Context, msg any, targetType message.Scope, targetID string) error {
	content, err := message.Convert(msg)
	if err != nil {
		return err
	}

	return b.sender.Send(ctx, message.OutboundEnvelope{
		BotID:      b.ev.BotID,
		BotSelfID:  b.ev.BotSelfID,
		TargetType: targetType,
		TargetID:   targetID,
		Content:    content,
	}, conn.SendHint{})
}

func (b *Bot) replyTarget() (message.Scope, string) {
	if b.ev.UserType == message.ScopeDirect || b.ev.GroupID == "" {
		return message.ScopeDirect, b.ev.UserID
	}
	return b.ev.UserType, b.ev.GroupID
}

// ReceiveResponse waits up to timeout for the next event in this session.
// It returns errs.ErrNoResponse when the wait expires.
func (b *Bot) ReceiveResponse(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	if ev, ok := b.arm(); ok {
		return ev, nil
	}
	return b.wait(ctx, timeout)
}

// Prompt sends msg and waits for the reply. The wait is armed before the
// send so a fast reply cannot be missed.
func (b *Bot) Prompt(ctx context.Context, msg any, timeout time.Duration) (*event.Event, error) {
	if ev, ok := b.arm(); ok {
		return ev, nil
	}

	if err := b.Send(ctx, msg); err != nil {
		b.mu.Lock()
		if b.state == stateWaiting {
			b.state = stateTimedOut
		}
		b.mu.Unlock()
		return nil, err
	}

	return b.wait(ctx, timeout)
}

// arm moves the bot into the waiting state, or hands back an event that was
// signaled before anyone waited.
func (b *Bot) arm() (*event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending != nil {
		ev := b.pending
		b.pending = nil
		b.state = stateSignaled
		return ev, true
	}

	// Drop a stale delivery from a round that already timed out.
	select {
	case <-b.slot:
	default:
	}

	b.state = stateWaiting
	return nil, false
}

func (b *Bot) wait(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-b.slot:
		b.metrics.Rendezvous("signaled")
		return ev, nil
	case <-timer.C:
		return b.expire(errs.NewError(errs.CategoryRendezvousTimeout, fmt.Sprintf("no response within %s", timeout)))
	case <-ctx.Done():
		return b.expire(ctx.Err())
	}
}

// expire ends the round unless a signal won the race, in which case the
// delivered event is returned instead.
func (b *Bot) expire(cause error) (*event.Event, error) {
	b.mu.Lock()
	if b.state != stateWaiting {
		b.mu.Unlock()
		b.metrics.Rendezvous("signaled")
		return <-b.slot, nil
	}
	b.state = stateTimedOut
	b.mu.Unlock()

	b.metrics.Rendezvous("timeout")
	b.log.Debug("Rendezvous expired", "error", cause)
	return nil, cause
}

// Signal offers ev to this facade. It returns false when the event was
// discarded because the round is already resolved.
func (b *Bot) Signal(ev *event.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateIdle:
		if b.pending != nil {
			return false
		}
		b.pending = ev
		return true
	case stateWaiting:
		b.state = stateSignaled
		b.slot <- ev
		return true
	default:
		b.log.Debug("Discarded signal", "state", b.state.String())
		return false
	}
}

// Waiting reports whether a handler is blocked in ReceiveResponse or Prompt.
func (b *Bot) Waiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateWaiting
}

// Offload runs CPU-heavy work on the shared worker pool.
func (b *Bot) Offload(ctx context.Context, fn func(context.Context) error) error {
	if b.pool == nil {
		return fn(ctx)
	}
	return b.pool.Do(ctx, fn)
}
