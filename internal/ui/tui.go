package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"meshchat/internal/message"
	"meshchat/internal/peer"
)

var (
	primaryColor    = lipgloss.Color("#7C3AED")
	accentColor     = lipgloss.Color("#10B981")
	warningColor    = lipgloss.Color("#F59E0B")
	errorColor      = lipgloss.Color("#EF4444")
	mutedColor      = lipgloss.Color("#6B7280")
	backgroundColor = lipgloss.Color("#1F2937")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Background(backgroundColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	systemLineStyle = lipgloss.NewStyle().Foreground(accentColor).Italic(true)
	errorLineStyle  = lipgloss.NewStyle().Foreground(errorColor)
	relayLineStyle  = lipgloss.NewStyle().Foreground(mutedColor).Faint(true)
	selfStyle       = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	senderStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	timestampStyle  = lipgloss.NewStyle().Foreground(mutedColor).Faint(true)
	peerDotStyle    = lipgloss.NewStyle().Foreground(accentColor)
	targetStyle     = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
)

const (
	peerPanelWidth = 30
	maxPanelPeers  = 15
	maxHistory     = 1000
)

type lineKind int

const (
	lineSystem lineKind = iota
	lineError
	lineRelay
	lineChat
)

type chatLine struct {
	kind   lineKind
	sender string
	to     string
	text   string
	at     time.Time
}

type tickMsg time.Time

type eventMsg Event

// TUI is the bubbletea model of the terminal front end.
type TUI struct {
	mesh    Mesh
	session *Session
	events  <-chan Event

	lines []chatLine
	peers []peer.Peer

	viewport viewport.Model
	textarea textarea.Model
	ready    bool
	width    int
	height   int
	showHelp bool
	status   string
	now      time.Time
}

func NewTUI(m Mesh, events <-chan Event, addrs []string) *TUI {
	ta := textarea.New()
	ta.Placeholder = "Type a message or /help for commands..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 500
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	t := &TUI{
		mesh:     m,
		session:  NewSession(m, addrs),
		events:   events,
		viewport: vp,
		textarea: ta,
		now:      time.Now(),
	}
	t.system(fmt.Sprintf("Your Device ID: %s", m.DeviceID()))
	if len(addrs) > 0 {
		t.system("Your addresses: " + strings.Join(addrs, ", "))
	}
	return t
}

func (t *TUI) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, t.waitForEvent(), t.tick())
}

func (t *TUI) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-t.events
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (t *TUI) tick() tea.Cmd {
	return tea.Tick(time.Second, func(ts time.Time) tea.Msg {
		return tickMsg(ts)
	})
}

func (t *TUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var tiCmd, vpCmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return t, tea.Quit
		case tea.KeyCtrlH:
			t.showHelp = !t.showHelp
			t.refresh()
			return t, nil
		case tea.KeyEnter:
			input := strings.TrimSpace(t.textarea.Value())
			t.textarea.Reset()
			if input == "" {
				return t, nil
			}
			if t.submit(input) {
				return t, tea.Quit
			}
			return t, nil
		}

	case tea.WindowSizeMsg:
		t.width, t.height = msg.Width, msg.Height
		t.ready = true
		const headerHeight, footerHeight, statusBarHeight = 3, 5, 1
		t.viewport.Width = max(t.width-peerPanelWidth-5, 10)
		t.viewport.Height = max(t.height-headerHeight-footerHeight-statusBarHeight, 3)
		t.textarea.SetWidth(max(t.width-4, 10))
		t.refresh()

	case eventMsg:
		t.apply(Event(msg))
		t.refresh()
		return t, t.waitForEvent()

	case tickMsg:
		t.peers = t.mesh.Peers()
		t.now = time.Time(msg)
		return t, t.tick()
	}

	t.textarea, tiCmd = t.textarea.Update(msg)
	t.viewport, vpCmd = t.viewport.Update(msg)
	return t, tea.Batch(tiCmd, vpCmd)
}

// submit runs one input line and reports whether the program should quit.
func (t *TUI) submit(input string) bool {
	res, err := t.session.Handle(input)
	if err != nil {
		t.append(chatLine{kind: lineError, text: err.Error()})
		t.refresh()
		return false
	}
	for _, l := range res.Lines {
		t.system(l)
	}
	for _, p := range res.Peers {
		t.system("  " + p.String())
	}
	t.refresh()
	return res.Quit
}

func (t *TUI) apply(ev Event) {
	switch ev.Kind {
	case EventReceived:
		t.append(chatLine{kind: lineChat, sender: ev.Msg.From, text: ev.Msg.Text, at: ev.Msg.Time()})
	case EventSent:
		t.append(chatLine{kind: lineChat, sender: t.mesh.DeviceID(), to: ev.Msg.To, text: ev.Msg.Text, at: ev.Msg.Time()})
	case EventRelayed:
		t.append(chatLine{kind: lineRelay, at: ev.At,
			text: fmt.Sprintf("relayed %s → %s (ttl %d)", message.ShortID(ev.Msg.From), message.ShortID(ev.Msg.To), ev.Msg.TTL)})
	case EventPeerUp:
		t.system("Connected: " + ev.Peer.String())
		t.peers = t.mesh.Peers()
	case EventPeerDown:
		t.system("Disconnected: " + message.ShortID(ev.DeviceID) + "...")
		t.peers = t.mesh.Peers()
	case EventStatus:
		t.status = ev.Text
		if strings.HasPrefix(ev.Text, "ERROR") || strings.HasPrefix(ev.Text, "Connect failed") {
			t.append(chatLine{kind: lineError, text: ev.Text, at: ev.At})
		}
	}
}

func (t *TUI) system(text string) {
	t.append(chatLine{kind: lineSystem, text: text, at: time.Now()})
}

func (t *TUI) append(l chatLine) {
	if l.at.IsZero() {
		l.at = time.Now()
	}
	t.lines = append(t.lines, l)
	if len(t.lines) > maxHistory {
		t.lines = t.lines[len(t.lines)-maxHistory:]
	}
}

func (t *TUI) refresh() {
	var b strings.Builder
	if t.showHelp {
		b.WriteString(HelpText)
		b.WriteString("\n\nCtrl+H closes this help, Ctrl+C or Esc quits.")
	} else {
		for _, l := range t.lines {
			b.WriteString(t.renderLine(l))
			b.WriteString("\n")
		}
	}
	t.viewport.SetContent(b.String())
	if !t.showHelp {
		t.viewport.GotoBottom()
	}
}

func (t *TUI) renderLine(l chatLine) string {
	ts := timestampStyle.Render(l.at.Format("15:04:05"))
	switch l.kind {
	case lineSystem:
		return ts + " " + systemLineStyle.Render(l.text)
	case lineError:
		return ts + " " + errorLineStyle.Render(l.text)
	case lineRelay:
		return ts + " " + relayLineStyle.Render(l.text)
	}

	if l.sender == t.mesh.DeviceID() {
		return fmt.Sprintf("%s %s %s", ts, selfStyle.Render("[You → "+message.ShortID(l.to)+"]"), l.text)
	}
	return fmt.Sprintf("%s %s %s", ts, senderStyle.Render("["+message.ShortID(l.sender)+"]"), l.text)
}

func (t *TUI) View() string {
	if !t.ready {
		return "\n  Initializing MeshChat...\n"
	}

	header := headerStyle.Render("MeshChat - Local Mesh Messaging")
	messages := panelStyle.Width(t.viewport.Width + 2).Height(t.viewport.Height + 1).
		Render("Messages\n" + t.viewport.View())
	main := lipgloss.JoinHorizontal(lipgloss.Top, messages, t.renderPeerPanel())
	input := inputStyle.Width(max(t.width-4, 10)).
		Render("Input (Ctrl+H for help)\n" + t.textarea.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, main, t.renderStatusBar(), input)
}

func (t *TUI) renderPeerPanel() string {
	var b strings.Builder
	b.WriteString("Connected Peers\n")
	b.WriteString(strings.Repeat("─", peerPanelWidth-2) + "\n")

	if len(t.peers) == 0 {
		b.WriteString("  No peers connected\n\n  Use /connect <host>\n  to add peers\n")
	}
	for i, p := range t.peers {
		if i == maxPanelPeers {
			fmt.Fprintf(&b, "  ... and %d more\n", len(t.peers)-maxPanelPeers)
			break
		}
		name := p.ShortID()
		if p.DeviceID == t.session.Target() {
			name = targetStyle.Render(name + " ◀")
		}
		fmt.Fprintf(&b, "  %s %s\n", peerDotStyle.Render("●"), name)
	}

	return panelStyle.Width(peerPanelWidth).Height(t.viewport.Height + 1).Render(b.String())
}

func (t *TUI) renderStatusBar() string {
	left := "Node: " + message.ShortID(t.mesh.DeviceID())
	if t.status != "" {
		left += " | " + t.status
	}
	target := "none"
	if id := t.session.Target(); id != "" {
		target = message.ShortID(id)
	}
	right := fmt.Sprintf("To: %s | Peers: %d | %s", target, len(t.peers), t.now.Format("15:04:05"))

	width := max(t.width-4, 10)
	gap := max(width-lipgloss.Width(left)-lipgloss.Width(right)-2, 0)
	return statusBarStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}
