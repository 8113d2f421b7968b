package gateway

import (
	"errors"
	"fmt"
	"strings"

	"botcore/pkg/message"
)

// SendRequest is the body of POST /send.
type SendRequest struct {
	PlatformID string        `json:"platform_id"`
	TargetType message.Scope `json:"target_type"`
	TargetID   string        `json:"target_id"`
	Text       string        `json:"text"`
}

// Envelope validates the request and builds the outbound envelope it asks for.
func (r SendRequest) Envelope() (message.OutboundEnvelope, error) {
	if strings.TrimSpace(r.PlatformID) == "" {
		return message.OutboundEnvelope{}, errors.New("platform_id is required")
	}
	switch r.TargetType {
	case message.ScopeGroup, message.ScopeDirect, message.ScopeChannel, message.ScopeSubChannel:
	default:
		return message.OutboundEnvelope{}, fmt.Errorf("unsupported target_type %q", r.TargetType)
	}
	if strings.TrimSpace(r.TargetID) == "" {
		return message.OutboundEnvelope{}, errors.New("target_id is required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return message.OutboundEnvelope{}, errors.New("text is required")
	}

	return message.OutboundEnvelope{
		BotID:      strings.TrimSpace(r.PlatformID),
		TargetType: r.TargetType,
		TargetID:   strings.TrimSpace(r.TargetID),
		Content:    []message.Segment{message.Text(r.Text)},
	}, nil
}
