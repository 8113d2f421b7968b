package message

import (
	"encoding/base64"
	"fmt"
	"strings"
)

type SegmentType string

const (
	SegmentText       SegmentType = "text"
	SegmentImage      SegmentType = "image"
	SegmentImageSize  SegmentType = "image_size"
	SegmentAt         SegmentType = "at"
	SegmentNode       SegmentType = "node"
	SegmentRecord     SegmentType = "record"
	SegmentFile       SegmentType = "file"
	SegmentMarkdown   SegmentType = "markdown"
	SegmentButtons    SegmentType = "buttons"
	SegmentReply      SegmentType = "reply"
	SegmentLogInfo    SegmentType = "log_INFO"
	SegmentLogWarning SegmentType = "log_WARNING"
	SegmentLogError   SegmentType = "log_ERROR"
	SegmentLogSuccess SegmentType = "log_SUCCESS"
)

const (
	linkScheme   = "link://"
	base64Scheme = "base64://"
)

// LogLevel selects one of the diagnostic log segment types.
type LogLevel string

const (
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
	LogSuccess LogLevel = "SUCCESS"
)

// Segment is one atomic content unit of an envelope. Data holds a string for
// most types, []Segment for node, []Button for buttons and ImageSize for
// image_size. Segments are values and must not be mutated after construction.
type Segment struct {
	Type SegmentType `json:"type" cbor:"type"`
	Data any         `json:"data" cbor:"data"`
}

// ImageSizeData is the payload of an image_size segment.
type ImageSizeData struct {
	Width  int `json:"width" cbor:"width"`
	Height int `json:"height" cbor:"height"`
}

// Button is one action of a buttons segment.
type Button struct {
	Text          string `json:"text" cbor:"text"`
	Data          string `json:"data" cbor:"data"`
	PressedText   string `json:"pressed_text,omitempty" cbor:"pressed_text,omitempty"`
	Style         int    `json:"style" cbor:"style"`
	Action        int    `json:"action" cbor:"action"`
	Permission    int    `json:"permission" cbor:"permission"`
	UnsupportTips string `json:"unsupport_tips,omitempty" cbor:"unsupport_tips,omitempty"`
}

func Text(text string) Segment {
	return Segment{Type: SegmentText, Data: text}
}

// Image builds an image segment from raw bytes, a data: or base64:// string,
// an http(s) URL, or a registered resource id.
func Image(src any) Segment {
	return Segment{Type: SegmentImage, Data: normalizeSource(src)}
}

func ImageSize(width, height int) Segment {
	return Segment{Type: SegmentImageSize, Data: ImageSizeData{Width: width, Height: height}}
}

func At(userID string) Segment {
	return Segment{Type: SegmentAt, Data: strings.TrimSpace(userID)}
}

// Node aggregates segments into one forwarded message.
func Node(segments ...Segment) Segment {
	nested := make([]Segment, len(segments))
	copy(nested, segments)
	return Segment{Type: SegmentNode, Data: nested}
}

func Record(src any) Segment {
	return Segment{Type: SegmentRecord, Data: normalizeSource(src)}
}

// File builds a file segment encoded as "<name>|<link://…|base64://…>".
func File(name string, src any) Segment {
	return Segment{Type: SegmentFile, Data: name + "|" + normalizeSource(src)}
}

func Markdown(text string) Segment {
	return Segment{Type: SegmentMarkdown, Data: text}
}

func Buttons(buttons ...Button) Segment {
	list := make([]Button, len(buttons))
	copy(list, buttons)
	return Segment{Type: SegmentButtons, Data: list}
}

func Reply(messageID string) Segment {
	return Segment{Type: SegmentReply, Data: messageID}
}

func Log(level LogLevel, text string) Segment {
	return Segment{Type: SegmentType("log_" + string(level)), Data: text}
}

// String returns the textual data of a segment, or "" for structured payloads.
func (s Segment) String() string {
	value, _ := s.Data.(string)
	return value
}

// Segments returns nested segments of a node segment.
func (s Segment) Segments() []Segment {
	nested, _ := s.Data.([]Segment)
	return nested
}

// ButtonList returns the buttons of a buttons segment.
func (s Segment) ButtonList() []Button {
	list, _ := s.Data.([]Button)
	return list
}

// IsLog reports whether the segment belongs to the diagnostic channel.
func (s Segment) IsLog() bool {
	return strings.HasPrefix(string(s.Type), "log_")
}

// Convert turns handler-friendly values into a segment list.
func Convert(msg any) ([]Segment, error) {
	switch value := msg.(type) {
	case nil:
		return nil, nil
	case string:
		return []Segment{Text(value)}, nil
	case []byte:
		return []Segment{Image(value)}, nil
	case Segment:
		return []Segment{value}, nil
	case []Segment:
		out := make([]Segment, len(value))
		copy(out, value)
		return out, nil
	case []any:
		out := make([]Segment, 0, len(value))
		for _, item := range value {
			converted, err := Convert(item)
			if err != nil {
				return nil, err
			}
			out = append(out, converted...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}
}

// PlainText concatenates the text segments.
func PlainText(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type == SegmentText {
			b.WriteString(seg.String())
		}
	}
	return b.String()
}

// normalizeSource maps every accepted media source onto link:// or base64://.
func normalizeSource(src any) string {
	switch value := src.(type) {
	case []byte:
		return base64Scheme + base64.StdEncoding.EncodeToString(value)
	case string:
		trimmed := strings.TrimSpace(value)
		switch {
		case strings.HasPrefix(trimmed, linkScheme), strings.HasPrefix(trimmed, base64Scheme):
			return trimmed
		case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
			return linkScheme + trimmed
		case strings.HasPrefix(trimmed, "data:"):
			if idx := strings.Index(trimmed, ";base64,"); idx >= 0 {
				return base64Scheme + trimmed[idx+len(";base64,"):]
			}
			if idx := strings.Index(trimmed, ","); idx >= 0 {
				return base64Scheme + base64.StdEncoding.EncodeToString([]byte(trimmed[idx+1:]))
			}
			return trimmed
		default:
			return trimmed
		}
	default:
		return fmt.Sprint(value)
	}
}

// IsLink reports whether a normalized media reference points at a remote URL.
func IsLink(ref string) bool {
	return strings.HasPrefix(ref, linkScheme)
}

// LinkURL strips the link:// scheme.
func LinkURL(ref string) string {
	return strings.TrimPrefix(ref, linkScheme)
}

// DecodeInline returns the bytes of a base64:// reference.
func DecodeInline(ref string) ([]byte, bool) {
	if !strings.HasPrefix(ref, base64Scheme) {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, base64Scheme))
	if err != nil {
		return nil, false
	}
	return data, true
}
