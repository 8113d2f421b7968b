package conn

import (
	"unicode/utf8"

	"botcore/pkg/message"
)

// Renderer turns oversized text into an image payload.
type Renderer interface {
	Render(text string) ([]byte, error)
}

// OutputPolicy holds the connection-wide transformations applied to every
// outbound segment list.
type OutputPolicy struct {
	// AtSender prepends a mention of the triggering user on non-direct targets.
	AtSender bool
	// TextToImageThreshold converts text longer than this many runes into one
	// image when a renderer is configured. Zero disables the conversion.
	TextToImageThreshold int
	// ForceReply prepends a reply segment pointing at the triggering message.
	ForceReply bool
}

// SendHint carries per-call addressing context the policies need.
type SendHint struct {
	AtUser string
}

// apply returns a new segment list; the input is never modified. The relative
// order of the original segments is preserved.
func (p OutputPolicy) apply(env message.OutboundEnvelope, hint SendHint, renderer Renderer) ([]message.Segment, error) {
	content := make([]message.Segment, 0, len(env.Content)+2)

	var renderErr error
	if converted, ok, err := p.textToImage(env.Content, renderer); ok {
		content = append(content, converted...)
	} else {
		renderErr = err
		content = append(content, env.Content...)
	}

	prefix := make([]message.Segment, 0, 2)
	if p.ForceReply && env.MsgID != "" && !hasType(content, message.SegmentReply) {
		prefix = append(prefix, message.Reply(env.MsgID))
	}
	if p.AtSender && hint.AtUser != "" && env.TargetType != message.ScopeDirect && !mentions(content, hint.AtUser) {
		prefix = append(prefix, message.At(hint.AtUser))
	}

	if len(prefix) == 0 {
		return content, renderErr
	}
	return append(prefix, content...), renderErr
}

func (p OutputPolicy) textToImage(content []message.Segment, renderer Renderer) ([]message.Segment, bool, error) {
	if p.TextToImageThreshold <= 0 || renderer == nil {
		return nil, false, nil
	}

	text := message.PlainText(content)
	if utf8.RuneCountInString(text) <= p.TextToImageThreshold {
		return nil, false, nil
	}

	img, err := renderer.Render(text)
	if err != nil {
		return nil, false, err
	}

	out := make([]message.Segment, 0, len(content))
	placed := false
	for _, seg := range content {
		if seg.Type != message.SegmentText {
			out = append(out, seg)
			continue
		}
		if !placed {
			out = append(out, message.Image(img))
			placed = true
		}
	}
	return out, true, nil
}

func hasType(content []message.Segment, typ message.SegmentType) bool {
	for _, seg := range content {
		if seg.Type == typ {
			return true
		}
	}
	return false
}

func mentions(content []message.Segment, userID string) bool {
	for _, seg := range content {
		if seg.Type == message.SegmentAt && seg.String() == userID {
			return true
		}
	}
	return false
}
