// Package trigger implements the pattern rules that bind inbound text to
// handlers.
package trigger

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"botcore/pkg/errs"
	"botcore/pkg/event"
	"botcore/pkg/session"
)

// Kind selects the matching algorithm.
type Kind string

const (
	KindPrefix    Kind = "prefix"
	KindSuffix    Kind = "suffix"
	KindKeyword   Kind = "keyword"
	KindFullmatch Kind = "fullmatch"
	KindCommand   Kind = "command"
	KindFile      Kind = "file"
	KindRegex     Kind = "regex"
)

// Handler is the plugin callback invoked for a matched event. ev is the
// bound copy already rewritten by the trigger.
type Handler func(ctx context.Context, bot *session.Bot, ev *event.Event) error

// Matcher is implemented once per kind. Implementations hold no mutable state.
type Matcher interface {
	Matches(ev *event.Event) bool
	Apply(ev *event.Event)
}

type Option func(*Trigger)

// Block stops lower-priority triggers from being dispatched after this one.
func Block() Option {
	return func(t *Trigger) { t.block = true }
}

// ToMe requires the event to be addressed to the bot.
func ToMe() Option {
	return func(t *Trigger) { t.toMe = true }
}

// Trigger is immutable after New.
type Trigger struct {
	kind    Kind
	pattern string
	handler Handler
	block   bool
	toMe    bool
	matcher Matcher
}

func New(kind Kind, pattern string, handler Handler, opts ...Option) (*Trigger, error) {
	if handler == nil {
		return nil, errs.NewError(errs.CategoryInvalidTrigger, "handler is required")
	}

	matcher, err := newMatcher(kind, pattern)
	if err != nil {
		return nil, err
	}

	t := &Trigger{
		kind:    kind,
		pattern: pattern,
		handler: handler,
		matcher: matcher,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func newMatcher(kind Kind, pattern string) (Matcher, error) {
	if pattern == "" {
		return nil, errs.NewError(errs.CategoryInvalidTrigger, fmt.Sprintf("%s trigger needs a pattern", kind))
	}

	switch kind {
	case KindPrefix:
		return prefixMatcher(pattern), nil
	case KindSuffix:
		return suffixMatcher(pattern), nil
	case KindKeyword:
		return keywordMatcher(pattern), nil
	case KindFullmatch:
		return fullmatchMatcher(pattern), nil
	case KindCommand:
		return commandMatcher(pattern), nil
	case KindFile:
		return fileMatcher(normalizeExt(pattern)), nil
	case KindRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errs.Wrap(err, errs.CategoryInvalidTrigger, "compile regex trigger")
		}
		return &regexMatcher{re: re}, nil
	default:
		return nil, errs.NewError(errs.CategoryInvalidTrigger, fmt.Sprintf("unknown trigger kind %q", kind))
	}
}

func (t *Trigger) Kind() Kind         { return t.kind }
func (t *Trigger) Pattern() string    { return t.pattern }
func (t *Trigger) Handler() Handler   { return t.handler }
func (t *Trigger) IsBlocking() bool   { return t.block }
func (t *Trigger) RequiresToMe() bool { return t.toMe }

func (t *Trigger) String() string {
	return string(t.kind) + ":" + t.pattern
}

func (t *Trigger) Matches(ev *event.Event) bool {
	if ev == nil {
		return false
	}
	if t.toMe && !ev.IsToMe {
		return false
	}
	return t.matcher.Matches(ev)
}

// Apply rewrites Command and Text on ev, which must be the caller's own copy.
func (t *Trigger) Apply(ev *event.Event) {
	t.matcher.Apply(ev)
}

// replaceOnce strips the first occurrence of the pattern.
func replaceOnce(ev *event.Event, pattern string) {
	ev.Command = pattern
	ev.Text = strings.Replace(ev.RawText, pattern, "", 1)
}

type prefixMatcher string

func (m prefixMatcher) Matches(ev *event.Event) bool {
	return ev.RawText != string(m) && strings.HasPrefix(ev.RawText, string(m))
}

func (m prefixMatcher) Apply(ev *event.Event) { replaceOnce(ev, string(m)) }

type suffixMatcher string

func (m suffixMatcher) Matches(ev *event.Event) bool {
	return ev.RawText != string(m) && strings.HasSuffix(ev.RawText, string(m))
}

func (m suffixMatcher) Apply(ev *event.Event) { replaceOnce(ev, string(m)) }

type keywordMatcher string

func (m keywordMatcher) Matches(ev *event.Event) bool {
	return strings.Contains(ev.RawText, string(m))
}

func (m keywordMatcher) Apply(ev *event.Event) { replaceOnce(ev, string(m)) }

type fullmatchMatcher string

func (m fullmatchMatcher) Matches(ev *event.Event) bool {
	return ev.RawText == string(m)
}

func (m fullmatchMatcher) Apply(ev *event.Event) { replaceOnce(ev, string(m)) }

type commandMatcher string

func (m commandMatcher) Matches(ev *event.Event) bool {
	return strings.HasPrefix(ev.RawText, string(m))
}

func (m commandMatcher) Apply(ev *event.Event) { replaceOnce(ev, string(m)) }

type fileMatcher string

func (m fileMatcher) Matches(ev *event.Event) bool {
	if ev.FileName == "" {
		return false
	}
	return normalizeExt(filepath.Ext(ev.FileName)) == string(m)
}

func (m fileMatcher) Apply(ev *event.Event) { replaceOnce(ev, string(m)) }

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

type regexMatcher struct {
	re *regexp.Regexp
}

func (m *regexMatcher) Matches(ev *event.Event) bool {
	return m.re.MatchString(ev.RawText)
}

// Apply joins every match into Command and the text between matches into
// Text, both with "|". Groups of the first match are kept for the handler.
func (m *regexMatcher) Apply(ev *event.Event) {
	ev.Command = strings.Join(m.re.FindAllString(ev.RawText, -1), "|")
	ev.Text = strings.Join(m.re.Split(ev.RawText, -1), "|")

	sub := m.re.FindStringSubmatch(ev.RawText)
	if sub == nil {
		ev.RegexGroups = nil
		ev.RegexNamed = nil
		return
	}

	ev.RegexGroups = append([]string(nil), sub[1:]...)
	ev.RegexNamed = nil
	for i, name := range m.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		if ev.RegexNamed == nil {
			ev.RegexNamed = make(map[string]string)
		}
		ev.RegexNamed[name] = sub[i]
	}
}
