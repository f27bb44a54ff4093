package chat

import (
	"context"
	"fmt"
	"strings"

	"replybot/pkg/pipeline"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type entryKind int

const (
	entryInbound entryKind = iota
	entryOutcome
)

type entry struct {
	kind    entryKind
	text    string
	outcome pipeline.Outcome
}

type outcomeMsg struct {
	outcome pipeline.Outcome
}

type model struct {
	ctx  context.Context
	send SendFunc
	info SessionInfo

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	isLoading bool
	followLog bool
	counts    map[pipeline.Status]int
}

func newModel(ctx context.Context, send SendFunc, info SessionInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Type an inbound message..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		send:      send,
		info:      info,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
		counts:    make(map[pipeline.Status]int),
	}
}

func (m *model) Init() tea.Cmd {
	return textinput.Blink
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
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.handleViewportKey(typed) {
			return m, nil
		}

		if typed.String() == "enter" {
			return m, m.submit()
		}
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case outcomeMsg:
		m.isLoading = false
		m.counts[typed.outcome.Status]++
		m.entries = append(m.entries, entry{kind: entryOutcome, outcome: typed.outcome})
		m.refreshViewport(false)
		return m, nil
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) submit() tea.Cmd {
	if m.isLoading {
		return nil
	}

	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if isExitCommand(text) {
		return tea.Quit
	}

	m.entries = append(m.entries, entry{kind: entryInbound, text: text})
	m.input.SetValue("")
	m.isLoading = true
	m.followLog = true
	m.refreshViewport(true)
	return tea.Batch(m.spinner.Tick, sendCmd(m.ctx, m.send, text))
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("replybot simulator")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"sender:%s · channel:%s · provider:%s · model:%s · runs ok/degraded/failed:%d/%d/%d",
		displayOrNA(m.info.Sender),
		displayOrNA(m.info.Channel),
		displayOrNA(m.info.Provider),
		displayOrNA(m.info.Model),
		m.counts[pipeline.StatusSuccess],
		m.counts[pipeline.StatusDegraded],
		m.counts[pipeline.StatusFailed]+m.counts[pipeline.StatusTimedOut]+m.counts[pipeline.StatusAborted],
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · PgUp/PgDn scroll · End latest · Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s running pipeline...", m.spinner.View()))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("Inbound")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		switch item.kind {
		case entryInbound:
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.inboundTag.Render("inbound"),
				m.theme.inboundBox.Width(m.viewport.Width).Render(item.text),
			))
		case entryOutcome:
			sections = append(sections, m.renderOutcome(item.outcome))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderOutcome(out pipeline.Outcome) string {
	details := m.theme.hint.Render(outcomeSummary(out))

	switch out.Status {
	case pipeline.StatusSuccess:
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.replyTag.Render("reply"),
			m.theme.replyBox.Width(m.viewport.Width).Render(out.Reply.Text+"\n\n"+details),
		)
	case pipeline.StatusDegraded:
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.degradeTag.Render("reply · degraded"),
			m.theme.replyBox.Width(m.viewport.Width).Render(out.Reply.Text+"\n\n"+details),
		)
	default:
		body := string(out.Status)
		if out.Err != nil {
			body += ": " + out.Err.Error()
		}
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.failedTag.Render("no reply"),
			m.theme.failedBox.Width(m.viewport.Width).Render(body+"\n\n"+details),
		)
	}
}

// outcomeSummary is the one-line run digest shown under each reply.
func outcomeSummary(out pipeline.Outcome) string {
	parts := []string{
		"status:" + string(out.Status),
		"state:" + string(out.State),
		fmt.Sprintf("passages:%d", len(out.Passages)),
		fmt.Sprintf("attempts:%d", out.Receipt.Attempts),
		fmt.Sprintf("%dms", out.Duration.Milliseconds()),
	}
	if out.Reply.UsedFallback {
		parts = append(parts, "fallback:"+string(out.Reply.Reason))
	}
	if usage := out.Reply.Metadata.Usage; usage != nil {
		parts = append(parts, fmt.Sprintf("tokens:%d/%d", usage.InputTokens, usage.OutputTokens))
	}
	if len(out.Annotations) > 0 {
		parts = append(parts, strings.Join(out.Annotations, ","))
	}
	return strings.Join(parts, " · ")
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		m.followLog = m.viewport.AtBottom()
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
		m.followLog = m.viewport.AtBottom()
		return true
	default:
		return false
	}
}

func sendCmd(ctx context.Context, send SendFunc, text string) tea.Cmd {
	return func() tea.Msg {
		return outcomeMsg{outcome: send(ctx, text)}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
