package message

import (
	"errors"
	"testing"

	"botcore/pkg/errs"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func sampleInbound() InboundEnvelope {
	return InboundEnvelope{
		BotID:     "onebot",
		BotSelfID: "10001",
		MsgID:     "m-1",
		UserType:  ScopeGroup,
		GroupID:   "g-1",
		UserID:    "u-1",
		Sender:    map[string]any{"nickname": "alice"},
		UserPM:    6,
		Content: []Segment{
			At("10001"),
			Text("ping"),
			Image("https://example.com/a.png"),
			ImageSize(640, 480),
			Node(Text("forwarded"), Image([]byte{0x1, 0x2})),
			Record([]byte("ogg")),
			File("notes.txt", []byte("hello")),
			Markdown("**bold**"),
			Buttons(Button{Text: "Yes", Data: "Y"}, Button{Text: "No", Data: "N", Style: 1}),
			Reply("m-0"),
			Log(LogWarning, "careful"),
		},
	}
}

func TestCodecRoundTripsInbound(t *testing.T) {
	t.Parallel()

	for _, format := range []Format{FormatCBOR, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			codec, err := NewCodec(format)
			require.NoError(t, err)

			in := sampleInbound()
			data, err := codec.EncodeInbound(in)
			require.NoError(t, err)
			require.Equal(t, format, Sniff(data))

			out, err := codec.DecodeInbound(data)
			require.NoError(t, err)
			require.Equal(t, in, out)
		})
	}
}

func TestCodecDecodesEitherFormat(t *testing.T) {
	t.Parallel()

	jsonCodec, err := NewCodec(FormatJSON)
	require.NoError(t, err)
	cborCodec, err := NewCodec(FormatCBOR)
	require.NoError(t, err)

	out := OutboundEnvelope{
		BotID:      "onebot",
		BotSelfID:  "10001",
		MsgID:      "m-1",
		TargetType: ScopeDirect,
		TargetID:   "u-1",
		Content:    []Segment{Text("pong")},
	}

	data, err := jsonCodec.EncodeOutbound(out)
	require.NoError(t, err)

	decoded, err := cborCodec.DecodeOutbound(data)
	require.NoError(t, err)
	require.Equal(t, out, decoded)
}

func TestCodecWireKeys(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(FormatJSON)
	require.NoError(t, err)

	raw := []byte(`{"bot_id":"qq","bot_self_id":"1","msg_id":"9","user_type":"direct","user_id":"42","user_pm":3,
		"content":[{"type":"text","data":"hi"},{"type":"image_size","data":{"width":1,"height":2}}]}`)

	env, err := codec.DecodeInbound(raw)
	require.NoError(t, err)
	require.Equal(t, ScopeDirect, env.UserType)
	require.Equal(t, "42", env.UserID)
	require.Equal(t, 3, env.UserPM)
	require.Equal(t, []Segment{Text("hi"), ImageSize(1, 2)}, env.Content)
}

func TestCodecDefaultsMissingUserPM(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(FormatCBOR)
	require.NoError(t, err)

	withoutPM, err := cbor.Marshal(map[string]any{
		"user_id": "u",
		"content": []map[string]any{{"type": "text", "data": "kick bob"}},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{name: "json missing", data: []byte(`{"user_id":"u","content":[{"type":"text","data":"kick bob"}]}`), want: DefaultUserPM},
		{name: "cbor missing", data: withoutPM, want: DefaultUserPM},
		{name: "json explicit zero", data: []byte(`{"user_id":"u","user_pm":0,"content":[]}`), want: 0},
		{name: "json explicit level", data: []byte(`{"user_id":"u","user_pm":3,"content":[]}`), want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env, err := codec.DecodeInbound(tt.data)
			require.NoError(t, err)
			require.Equal(t, tt.want, env.UserPM)
		})
	}
}

func TestCodecRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(FormatCBOR)
	require.NoError(t, err)

	for _, payload := range [][]byte{nil, []byte("{not json"), {0xff, 0x00, 0x13}} {
		_, err := codec.DecodeInbound(payload)
		require.Error(t, err)
		require.True(t, errors.Is(err, errs.ErrMalformedEnvelope), "got %v", err)
	}

	_, err = codec.DecodeInbound([]byte(`{"content":[{"type":"text","data":7}]}`))
	require.ErrorIs(t, err, errs.ErrMalformedEnvelope)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	got, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatCBOR, got)

	got, err = ParseFormat(" JSON ")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, got)

	_, err = ParseFormat("xml")
	require.Error(t, err)
}
