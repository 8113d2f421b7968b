package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"botcore/pkg/bus"
	"botcore/pkg/message"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type role string

const (
	roleUser  role = "user"
	roleBot   role = "bot"
	roleEvent role = "event"
	roleError role = "error"
)

type entry struct {
	role    role
	content string
	failed  bool
	at      time.Time
}

// submitter is the part of Adapter the view drives.
type submitter interface {
	Submit(ctx context.Context, text string) (message.InboundEnvelope, error)
	SetGroup(groupID string)
	Identity() Identity
}

type outboundMsg struct{ env message.OutboundEnvelope }

type eventMsg struct{ ev bus.Event }

type submitResultMsg struct{ err error }

type bootTickMsg struct{}

type model struct {
	ctx      context.Context
	console  submitter
	outbound <-chan message.OutboundEnvelope
	events   <-chan bus.Event

	theme     theme
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	sent      int
	received  int
}

func newModel(ctx context.Context, console submitter, outbound <-chan message.OutboundEnvelope, events <-chan bus.Event) *model {
	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Say something to the bot..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		console:   console,
		outbound:  outbound,
		events:    events,
		theme:     defaultTheme(),
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(bootTickCmd(), waitOutbound(m.outbound), waitEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}
		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}
		m.booting = false
		return m, textinput.Blink
	case outboundMsg:
		m.received++
		m.entries = append(m.entries, entry{role: roleBot, content: describe(typed.env.Content), at: time.Now()})
		m.refreshViewport(false)
		return m, waitOutbound(m.outbound)
	case eventMsg:
		if line, ok := describeEvent(typed.ev); ok {
			m.entries = append(m.entries, entry{role: roleEvent, content: line, failed: typed.ev.Type == bus.EventHandlerFailed, at: typed.ev.At})
			m.refreshViewport(false)
		}
		return m, waitEvent(m.events)
	case submitResultMsg:
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.entries = append(m.entries, entry{role: roleError, content: typed.err.Error(), at: time.Now()})
			m.refreshViewport(false)
		}
		return m, nil
	case tea.MouseMsg:
		if !m.booting && m.handleViewportMouse(typed) {
			return m, nil
		}
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting {
			return m, nil
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}

		if typed.String() == "enter" {
			return m, m.submit(strings.TrimSpace(m.input.Value()))
		}
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles one line of input: local commands, or a message to the bot.
func (m *model) submit(text string) tea.Cmd {
	if text == "" {
		return nil
	}
	m.input.SetValue("")

	if isExitCommand(text) {
		return tea.Quit
	}
	if groupID, ok := strings.CutPrefix(text, ":group"); ok {
		m.console.SetGroup(groupID)
		m.entries = append(m.entries, entry{role: roleEvent, content: "now talking in " + scopeLabel(m.console.Identity()), at: time.Now()})
		m.refreshViewport(true)
		return nil
	}
	if text == ":direct" {
		m.console.SetGroup("")
		m.entries = append(m.entries, entry{role: roleEvent, content: "now talking in " + scopeLabel(m.console.Identity()), at: time.Now()})
		m.refreshViewport(true)
		return nil
	}

	m.lastErr = ""
	m.sent++
	m.entries = append(m.entries, entry{role: roleUser, content: text, at: time.Now()})
	m.followLog = true
	m.refreshViewport(true)
	return submitCmd(m.ctx, m.console, text)
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	identity := m.console.Identity()
	header := m.theme.header.Width(m.width - 2).Render("botcore console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"user:%s · level:%d · %s · sent:%d · received:%d",
		identity.UserID,
		identity.Level,
		scopeLabel(identity),
		m.sent,
		m.received,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send  ·  :group <id> / :direct switch scope  ·  PgUp/PgDn scroll  ·  Ctrl+C/Esc quit")
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last message was not delivered")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(type exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(m.width-6, 50)
	h := max(m.height-10, 8)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	var sections []string
	for _, item := range m.entries {
		switch item.role {
		case roleUser:
			sections = append(sections, m.renderCard(
				m.theme.userTitle.Render("you"),
				m.theme.userBox.Width(m.viewport.Width).Render(item.content),
			))
		case roleBot:
			sections = append(sections, m.renderCard(
				m.theme.botTitle.Render("bot"),
				m.theme.botBox.Width(m.viewport.Width).Render(item.content),
			))
		case roleEvent:
			style := m.theme.eventLine
			if item.failed {
				style = m.theme.eventFail
			}
			sections = append(sections, style.Render(item.at.Format("15:04:05")+" · "+item.content))
		case roleError:
			sections = append(sections, m.renderCard(
				m.theme.errorTitle.Render("ERROR"),
				m.theme.errorBox.Width(m.viewport.Width).Render(item.content),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(m.viewport.TotalLineCount()-m.viewport.Height, 0)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("botcore console")
	meta := m.theme.headerMeta.Render("attaching")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := range count {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("console online"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] loading services",
		"[BOOT] opening in-process connection",
		"[BOOT] subscribing to gateway events",
	}
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func waitOutbound(ch <-chan message.OutboundEnvelope) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		env, ok := <-ch
		if !ok {
			return nil
		}
		return outboundMsg{env: env}
	}
}

func waitEvent(ch <-chan bus.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg{ev: ev}
	}
}

func submitCmd(ctx context.Context, console submitter, text string) tea.Cmd {
	return func() tea.Msg {
		_, err := console.Submit(ctx, text)
		return submitResultMsg{err: err}
	}
}

// describeEvent renders the lifecycle events worth showing; connection
// churn of other platforms and dispatch bookkeeping are filtered out.
func describeEvent(ev bus.Event) (string, bool) {
	switch ev.Type {
	case bus.EventConnected:
		return "connected: " + ev.PlatformID, true
	case bus.EventDisconnected:
		return "disconnected: " + ev.PlatformID, true
	case bus.EventMalformed:
		return "malformed envelope from " + ev.PlatformID, true
	case bus.EventDispatched:
		if ev.PlatformID != platformID {
			return "", false
		}
		return "→ " + ev.Service + " (" + ev.Trigger + ")", true
	case bus.EventSignaled:
		if ev.PlatformID != platformID {
			return "", false
		}
		return "→ reply delivered to waiting session", true
	case bus.EventHandlerFailed:
		return ev.Service + " failed: " + ev.Error, true
	default:
		return "", false
	}
}

func scopeLabel(identity Identity) string {
	if identity.GroupID == "" {
		return "direct"
	}
	return "group " + identity.GroupID
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
