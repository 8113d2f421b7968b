package message

// Scope is the kind of conversation an envelope belongs to.
type Scope string

const (
	ScopeGroup      Scope = "group"
	ScopeDirect     Scope = "direct"
	ScopeChannel    Scope = "channel"
	ScopeSubChannel Scope = "sub_channel"
)

// DefaultUserPM is the level assumed when an adapter does not report one:
// the least privileged ordinary user. Levels grow less privileged as they
// grow, and 0 is reserved for masters.
const DefaultUserPM = 6

// InboundEnvelope is produced by an adapter and consumed once by the dispatcher.
type InboundEnvelope struct {
	BotID     string         `json:"bot_id" cbor:"bot_id"`
	BotSelfID string         `json:"bot_self_id" cbor:"bot_self_id"`
	MsgID     string         `json:"msg_id" cbor:"msg_id"`
	UserType  Scope          `json:"user_type" cbor:"user_type"`
	GroupID   string         `json:"group_id,omitempty" cbor:"group_id,omitempty"`
	UserID    string         `json:"user_id" cbor:"user_id"`
	Sender    map[string]any `json:"sender,omitempty" cbor:"sender,omitempty"`
	UserPM    int            `json:"user_pm" cbor:"user_pm"`
	Content   []Segment      `json:"content" cbor:"content"`
}

// OutboundEnvelope is produced by a session or actor and written to the transport.
type OutboundEnvelope struct {
	BotID      string    `json:"bot_id" cbor:"bot_id"`
	BotSelfID  string    `json:"bot_self_id" cbor:"bot_self_id"`
	MsgID      string    `json:"msg_id" cbor:"msg_id"`
	TargetType Scope     `json:"target_type" cbor:"target_type"`
	TargetID   string    `json:"target_id,omitempty" cbor:"target_id,omitempty"`
	Content    []Segment `json:"content" cbor:"content"`
}
