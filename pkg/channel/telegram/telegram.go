package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"botcore/pkg/channel"
	"botcore/pkg/config"
	"botcore/pkg/message"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const platformID = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

// fileIDHost marks links that carry a Telegram file id rather than a URL.
const fileIDHost = "tg-file/"

// Adapter bridges Telegram updates into inbound envelopes and delivers
// outbound envelopes as Telegram messages.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

func (a *Adapter) Name() string {
	return platformID
}

func (a *Adapter) PlatformID() string {
	return platformID
}

// Run starts long polling, forwards messages through link and delivers
// whatever the dispatcher sends back until ctx ends.
func (a *Adapter) Run(ctx context.Context, link *channel.Link) error {
	if link == nil {
		return errors.New("link is required")
	}

	bot, err := a.newBot()
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("get bot identity: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "username", me.Username)

	deliverErr := make(chan error, 1)
	go func() {
		deliverErr <- a.deliver(ctx, bot, link)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-deliverErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			msg := update.Message
			if msg == nil {
				continue
			}
			if msg.From == nil {
				a.log.Debug("Ignoring message without sender")
				continue
			}

			senderID := strconv.FormatInt(msg.From.ID, 10)
			if !a.senderAllowed(senderID) {
				a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
				continue
			}

			env, ok := toEnvelope(msg, me.Username)
			if !ok {
				continue
			}
			a.log.Info("Received message", "chat_id", msg.Chat.ID, "sender_id", senderID, "content", previewText(message.PlainText(env.Content)))

			if env.UserType == message.ScopeDirect {
				a.typing(ctx, bot, msg.Chat.ID)
			}
			if err := link.Publish(ctx, env); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("publish inbound message: %w", err)
			}
		}
	}
}

func (a *Adapter) newBot() (*telego.Bot, error) {
	token := strings.TrimSpace(a.cfg.Token)
	proxy := strings.TrimSpace(a.cfg.Proxy)
	if proxy == "" {
		return telego.NewBot(token)
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	return telego.NewBot(token, telego.WithHTTPClient(client))
}

// deliver drains outbound envelopes from link until it closes.
func (a *Adapter) deliver(ctx context.Context, bot *telego.Bot, link *channel.Link) error {
	for {
		env, err := link.Next(ctx)
		if err != nil {
			return err
		}

		chatID, err := strconv.ParseInt(strings.TrimSpace(env.TargetID), 10, 64)
		if err != nil {
			a.log.Warn("Dropping envelope with non-numeric chat id", "target_id", env.TargetID)
			continue
		}

		for _, part := range planOutbound(env) {
			a.log.Info("Sending message", "chat_id", chatID, "kind", part.kind, "content", previewText(part.text))
			if err := a.sendPart(ctx, bot, chatID, part); err != nil {
				a.log.Error("Failed to send telegram message", "chat_id", chatID, "error", err)
			}
		}
	}
}

func (a *Adapter) sendPart(ctx context.Context, bot *telego.Bot, chatID int64, part outboundPart) error {
	var reply *telego.ReplyParameters
	if part.replyTo != 0 {
		reply = &telego.ReplyParameters{MessageID: part.replyTo, AllowSendingWithoutReply: true}
	}

	switch part.kind {
	case partPhoto:
		params := tu.Photo(tu.ID(chatID), part.file).WithCaption(part.text)
		params.ReplyParameters = reply
		_, err := bot.SendPhoto(ctx, params)
		return err
	case partDocument:
		params := tu.Document(tu.ID(chatID), part.file).WithCaption(part.text)
		params.ReplyParameters = reply
		_, err := bot.SendDocument(ctx, params)
		return err
	default:
		params := tu.Message(tu.ID(chatID), part.text)
		params.ReplyParameters = reply
		_, err := bot.SendMessage(ctx, params)
		return err
	}
}

type partKind string

const (
	partText     partKind = "text"
	partPhoto    partKind = "photo"
	partDocument partKind = "document"
)

type outboundPart struct {
	kind    partKind
	text    string
	file    telego.InputFile
	replyTo int
}

// planOutbound groups segments into Telegram sends. Adjacent text, mention
// and markdown segments are merged into one message; each image or file
// becomes its own send. Segment types Telegram has no equivalent for are
// skipped.
func planOutbound(env message.OutboundEnvelope) []outboundPart {
	var (
		parts   []outboundPart
		text    strings.Builder
		replyTo int
	)

	flush := func() {
		if body := strings.TrimSpace(text.String()); body != "" {
			parts = append(parts, outboundPart{kind: partText, text: body})
		}
		text.Reset()
	}

	for _, seg := range env.Content {
		switch seg.Type {
		case message.SegmentText, message.SegmentMarkdown:
			text.WriteString(seg.String())
		case message.SegmentAt:
			text.WriteString("@" + seg.String() + " ")
		case message.SegmentReply:
			if id, err := strconv.Atoi(seg.String()); err == nil {
				replyTo = id
			}
		case message.SegmentNode:
			for _, inner := range seg.Segments() {
				if inner.Type == message.SegmentText {
					text.WriteString(inner.String() + "\n")
				}
			}
		case message.SegmentImage:
			flush()
			if file, ok := inputFile(seg.String(), "image.png"); ok {
				parts = append(parts, outboundPart{kind: partPhoto, file: file})
			}
		case message.SegmentFile:
			flush()
			name, ref, _ := strings.Cut(seg.String(), "|")
			if file, ok := inputFile(ref, name); ok {
				parts = append(parts, outboundPart{kind: partDocument, file: file})
			}
		case message.SegmentLogInfo, message.SegmentLogWarning, message.SegmentLogError, message.SegmentLogSuccess:
			text.WriteString(seg.String() + "\n")
		}
	}
	flush()

	if replyTo != 0 && len(parts) > 0 {
		parts[0].replyTo = replyTo
	}
	return parts
}

func inputFile(ref string, name string) (telego.InputFile, bool) {
	if message.IsLink(ref) {
		target := message.LinkURL(ref)
		if id, ok := strings.CutPrefix(target, fileIDHost); ok {
			return tu.FileFromID(id), true
		}
		return tu.FileFromURL(target), true
	}
	if data, ok := message.DecodeInline(ref); ok {
		return tu.File(tu.NameReader(bytes.NewReader(data), name)), true
	}
	return telego.InputFile{}, false
}

// toEnvelope maps one Telegram message. Messages with no usable content
// are skipped.
func toEnvelope(msg *telego.Message, selfUsername string) (message.InboundEnvelope, bool) {
	env := message.InboundEnvelope{
		BotID:     platformID,
		BotSelfID: selfUsername,
		MsgID:     strconv.Itoa(msg.MessageID),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		UserPM:    message.DefaultUserPM,
		Sender: map[string]any{
			"nickname": strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
			"username": msg.From.Username,
		},
	}

	if msg.Chat.Type == telego.ChatTypePrivate {
		env.UserType = message.ScopeDirect
	} else {
		env.UserType = message.ScopeGroup
		env.GroupID = strconv.FormatInt(msg.Chat.ID, 10)
	}

	if msg.ReplyToMessage != nil {
		env.Content = append(env.Content, message.Reply(strconv.Itoa(msg.ReplyToMessage.MessageID)))
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if selfUsername != "" {
		mention := "@" + selfUsername
		if strings.Contains(text, mention) {
			env.Content = append(env.Content, message.At(selfUsername))
			text = strings.Replace(text, mention, "", 1)
		}
	}
	if text = strings.TrimSpace(text); text != "" {
		env.Content = append(env.Content, message.Text(text))
	}

	if n := len(msg.Photo); n > 0 {
		env.Content = append(env.Content, message.Image(fileLink(msg.Photo[n-1].FileID)))
	}
	if msg.Document != nil {
		env.Content = append(env.Content, message.File(msg.Document.FileName, fileLink(msg.Document.FileID)))
	}

	for _, seg := range env.Content {
		if seg.Type != message.SegmentReply && seg.Type != message.SegmentAt {
			return env, true
		}
	}
	return env, false
}

func fileLink(fileID string) string {
	return "link://" + fileIDHost + fileID
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// typing shows the typing indicator once; Telegram clears it on the next
// message or after a few seconds.
func (a *Adapter) typing(ctx context.Context, bot *telego.Bot, chatID int64) {
	typingCtx, cancel := context.WithTimeout(ctx, typingRefreshInterval)
	defer cancel()
	if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
		a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
	}
}
