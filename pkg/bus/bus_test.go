package bus

import (
	"context"
	"testing"
	"time"

	"botcore/pkg/message"
)

func TestInboundRoundTrip(t *testing.T) {
	mb := NewMessageBus(0)
	t.Cleanup(mb.Close)

	in := InboundMessage{Envelope: message.InboundEnvelope{MsgID: "1", UserID: "u1"}, ReceivedAt: time.Now()}
	if ok := mb.PublishInbound(context.Background(), in); !ok {
		t.Fatal("expected inbound publish to succeed")
	}
	if depth := mb.InboundDepth(); depth != 1 {
		t.Fatalf("inbound depth = %d, want 1", depth)
	}

	out, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected inbound consume to succeed")
	}
	if out.Envelope.MsgID != in.Envelope.MsgID {
		t.Fatalf("msg id = %q, want %q", out.Envelope.MsgID, in.Envelope.MsgID)
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	mb := NewMessageBus(0)
	t.Cleanup(mb.Close)

	in := OutboundMessage{PlatformID: "qq", Envelope: message.OutboundEnvelope{TargetID: "g1"}}
	if ok := mb.PublishOutbound(context.Background(), in); !ok {
		t.Fatal("expected outbound publish to succeed")
	}

	out, ok := mb.ConsumeOutbound(context.Background())
	if !ok {
		t.Fatal("expected outbound consume to succeed")
	}
	if out.PlatformID != "qq" || out.Envelope.TargetID != "g1" {
		t.Fatalf("outbound = %+v", out)
	}
}

func TestFullInboundQueueBlocksUntilContextDone(t *testing.T) {
	mb := NewMessageBus(1)
	t.Cleanup(mb.Close)

	if ok := mb.PublishInbound(context.Background(), InboundMessage{}); !ok {
		t.Fatal("expected first publish to succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if ok := mb.PublishInbound(ctx, InboundMessage{}); ok {
		t.Fatal("expected publish to a full queue to give up when ctx ends")
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus(0)
	mb.Close()

	if ok := mb.PublishInbound(context.Background(), InboundMessage{}); ok {
		t.Fatal("expected inbound publish to fail after close")
	}
	if ok := mb.PublishOutbound(context.Background(), OutboundMessage{}); ok {
		t.Fatal("expected outbound publish to fail after close")
	}

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatal("expected inbound consume to stop after close")
	}
	if _, ok := mb.ConsumeOutbound(context.Background()); ok {
		t.Fatal("expected outbound consume to stop after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus(0)
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishInbound(ctx, InboundMessage{}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.ConsumeInbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus(0)
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	if ok := mb.PublishEvent(ctx, Event{Type: EventConnected, PlatformID: "qq"}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, ch := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-ch:
			if got.Type != EventConnected {
				t.Fatalf("subscriber %s event type = %q, want %q", name, got.Type, EventConnected)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %s event has no timestamp", name)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus(0)
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventDispatched}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventHandlerDone}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus(0)
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventDisconnected}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus(0)

	events, _ := mb.SubscribeEvents(context.Background(), 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}
