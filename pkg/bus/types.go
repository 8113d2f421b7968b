package bus

import (
	"time"

	"botcore/pkg/conn"
	"botcore/pkg/message"
)

// InboundMessage is one decoded envelope waiting for dispatch, paired with
// the actor it arrived on.
type InboundMessage struct {
	Actor      *conn.Actor
	Envelope   message.InboundEnvelope
	ReceivedAt time.Time
}

// OutboundMessage is a proactive send addressed by platform rather than by
// session, used for broadcasts and scheduled notices.
type OutboundMessage struct {
	PlatformID string
	Envelope   message.OutboundEnvelope
}
