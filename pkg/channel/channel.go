package channel

import (
	"context"
	"fmt"

	"botcore/pkg/message"
	"botcore/pkg/transport"
)

// Adapter bridges one external platform (for example Telegram) into the
// dispatcher. The gateway hands it one end of an in-process link; the other
// end is registered as an ordinary connection.
type Adapter interface {
	Name() string
	PlatformID() string
	Run(context.Context, *Link) error
}

// Link is the adapter side of an in-process connection.
type Link struct {
	transport transport.Transport
	codec     *message.Codec
}

func NewLink(t transport.Transport, codec *message.Codec) *Link {
	return &Link{transport: t, codec: codec}
}

// Publish hands one inbound envelope to the dispatcher.
func (l *Link) Publish(ctx context.Context, env message.InboundEnvelope) error {
	data, err := l.codec.EncodeInbound(env)
	if err != nil {
		return fmt.Errorf("encode inbound envelope: %w", err)
	}
	return l.transport.Send(ctx, data)
}

// Next blocks for the next envelope the dispatcher wants delivered.
func (l *Link) Next(ctx context.Context) (message.OutboundEnvelope, error) {
	data, err := l.transport.Receive(ctx)
	if err != nil {
		return message.OutboundEnvelope{}, err
	}
	return l.codec.DecodeOutbound(data)
}

func (l *Link) Close() error {
	return l.transport.Close()
}
