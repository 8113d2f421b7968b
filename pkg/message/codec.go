package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"botcore/pkg/errs"

	"github.com/fxamacker/cbor/v2"
)

// Format is a wire encoding of envelopes.
type Format string

const (
	FormatCBOR Format = "cbor"
	FormatJSON Format = "json"
)

// ParseFormat validates a configured wire format, defaulting to CBOR.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCBOR:
		return FormatCBOR, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported wire format %q", raw)
	}
}

// Codec encodes envelopes in one format and decodes either format.
type Codec struct {
	format Format
	enc    cbor.EncMode
	dec    cbor.DecMode
}

func NewCodec(format Format) (*Codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}

	if format == "" {
		format = FormatCBOR
	}

	return &Codec{format: format, enc: enc, dec: dec}, nil
}

func (c *Codec) Format() Format {
	return c.format
}

func (c *Codec) EncodeOutbound(env OutboundEnvelope) ([]byte, error) {
	return c.marshal(env)
}

func (c *Codec) EncodeInbound(env InboundEnvelope) ([]byte, error) {
	return c.marshal(env)
}

// DecodeInbound decodes one inbound envelope, sniffing JSON vs CBOR.
func (c *Codec) DecodeInbound(data []byte) (InboundEnvelope, error) {
	raw := rawInbound{UserPM: DefaultUserPM}
	if err := c.unmarshal(data, &raw); err != nil {
		return InboundEnvelope{}, errs.Wrap(err, errs.CategoryMalformedEnvelope, "decode inbound envelope")
	}

	content, err := c.decodeSegments(raw.Content, Sniff(data))
	if err != nil {
		return InboundEnvelope{}, errs.Wrap(err, errs.CategoryMalformedEnvelope, "decode inbound content")
	}

	return InboundEnvelope{
		BotID:     raw.BotID,
		BotSelfID: raw.BotSelfID,
		MsgID:     raw.MsgID,
		UserType:  raw.UserType,
		GroupID:   raw.GroupID,
		UserID:    raw.UserID,
		Sender:    raw.Sender,
		UserPM:    raw.UserPM,
		Content:   content,
	}, nil
}

// DecodeOutbound is used by adapters on the far side of the transport.
func (c *Codec) DecodeOutbound(data []byte) (OutboundEnvelope, error) {
	var raw rawOutbound
	if err := c.unmarshal(data, &raw); err != nil {
		return OutboundEnvelope{}, errs.Wrap(err, errs.CategoryMalformedEnvelope, "decode outbound envelope")
	}

	content, err := c.decodeSegments(raw.Content, Sniff(data))
	if err != nil {
		return OutboundEnvelope{}, errs.Wrap(err, errs.CategoryMalformedEnvelope, "decode outbound content")
	}

	return OutboundEnvelope{
		BotID:      raw.BotID,
		BotSelfID:  raw.BotSelfID,
		MsgID:      raw.MsgID,
		TargetType: raw.TargetType,
		TargetID:   raw.TargetID,
		Content:    content,
	}, nil
}

// Sniff reports the encoding of a payload: JSON objects start with '{'.
func Sniff(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatCBOR
}

func (c *Codec) marshal(v any) ([]byte, error) {
	if c.format == FormatJSON {
		return json.Marshal(v)
	}
	return c.enc.Marshal(v)
}

func (c *Codec) unmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty payload")
	}
	if Sniff(data) == FormatJSON {
		return json.Unmarshal(data, v)
	}
	return c.dec.Unmarshal(data, v)
}

func (c *Codec) unmarshalAs(format Format, data []byte, v any) error {
	if format == FormatJSON {
		return json.Unmarshal(data, v)
	}
	return c.dec.Unmarshal(data, v)
}

func (c *Codec) decodeSegments(raw []rawSegment, format Format) ([]Segment, error) {
	out := make([]Segment, 0, len(raw))
	for i, item := range raw {
		seg, err := c.decodeSegment(item, format)
		if err != nil {
			return nil, fmt.Errorf("segment %d (%s): %w", i, item.Type, err)
		}
		out = append(out, seg)
	}
	return out, nil
}

func (c *Codec) decodeSegment(raw rawSegment, format Format) (Segment, error) {
	seg := Segment{Type: raw.Type}
	if len(raw.Data) == 0 {
		return seg, nil
	}

	switch raw.Type {
	case SegmentNode:
		var nested []rawSegment
		if err := c.unmarshalAs(format, raw.Data, &nested); err != nil {
			return Segment{}, err
		}
		segments, err := c.decodeSegments(nested, format)
		if err != nil {
			return Segment{}, err
		}
		seg.Data = segments
	case SegmentButtons:
		var buttons []Button
		if err := c.unmarshalAs(format, raw.Data, &buttons); err != nil {
			return Segment{}, err
		}
		seg.Data = buttons
	case SegmentImageSize:
		var size ImageSizeData
		if err := c.unmarshalAs(format, raw.Data, &size); err != nil {
			return Segment{}, err
		}
		seg.Data = size
	case SegmentText, SegmentImage, SegmentAt, SegmentRecord, SegmentFile, SegmentMarkdown, SegmentReply,
		SegmentLogInfo, SegmentLogWarning, SegmentLogError, SegmentLogSuccess:
		var text string
		if err := c.unmarshalAs(format, raw.Data, &text); err != nil {
			return Segment{}, err
		}
		seg.Data = text
	default:
		var value any
		if err := c.unmarshalAs(format, raw.Data, &value); err != nil {
			return Segment{}, err
		}
		seg.Data = value
	}

	return seg, nil
}

// rawData defers decoding of a segment payload until its type is known.
type rawData []byte

func (r *rawData) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = nil
		return nil
	}
	*r = append((*r)[:0], b...)
	return nil
}

func (r *rawData) UnmarshalCBOR(b []byte) error {
	// 0xf6 is CBOR null.
	if len(b) == 1 && b[0] == 0xf6 {
		*r = nil
		return nil
	}
	*r = append((*r)[:0], b...)
	return nil
}

type rawSegment struct {
	Type SegmentType `json:"type" cbor:"type"`
	Data rawData     `json:"data" cbor:"data"`
}

type rawInbound struct {
	BotID     string         `json:"bot_id" cbor:"bot_id"`
	BotSelfID string         `json:"bot_self_id" cbor:"bot_self_id"`
	MsgID     string         `json:"msg_id" cbor:"msg_id"`
	UserType  Scope          `json:"user_type" cbor:"user_type"`
	GroupID   string         `json:"group_id" cbor:"group_id"`
	UserID    string         `json:"user_id" cbor:"user_id"`
	Sender    map[string]any `json:"sender" cbor:"sender"`
	UserPM    int            `json:"user_pm" cbor:"user_pm"`
	Content   []rawSegment   `json:"content" cbor:"content"`
}

type rawOutbound struct {
	BotID      string       `json:"bot_id" cbor:"bot_id"`
	BotSelfID  string       `json:"bot_self_id" cbor:"bot_self_id"`
	MsgID      string       `json:"msg_id" cbor:"msg_id"`
	TargetType Scope        `json:"target_type" cbor:"target_type"`
	TargetID   string       `json:"target_id" cbor:"target_id"`
	Content    []rawSegment `json:"content" cbor:"content"`
}
