// Package tui provides a terminal user interface for pedalconf
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/james-see/pedalconf/pkg/protocol"
	"github.com/james-see/pedalconf/pkg/session"
	"github.com/james-see/pedalconf/pkg/store"
)

// Stage-light color scheme
var (
	amber     = lipgloss.Color("#FFB000")
	cream     = lipgloss.Color("#F5E6C8")
	slate     = lipgloss.Color("#8A8F98")
	charcoal  = lipgloss.Color("#2B2B2B")
	signalRed = lipgloss.Color("#FF4040")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(amber).
			Background(charcoal).
			Padding(0, 2).
			MarginBottom(1)

	pedalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(slate).
			Foreground(cream).
			Width(12).
			Align(lipgloss.Center).
			Padding(0, 1)

	selectedPedalStyle = pedalStyle.
				BorderForeground(amber).
				Foreground(amber).
				Bold(true)

	bankStyle = lipgloss.NewStyle().
			Foreground(slate).
			Padding(0, 1)

	activeBankStyle = lipgloss.NewStyle().
			Foreground(charcoal).
			Background(amber).
			Bold(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(slate).
			Width(10)

	focusedLabelStyle = labelStyle.
				Foreground(amber).
				Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(amber).
			PaddingTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(signalRed).
			Bold(true)

	logStyle = lipgloss.NewStyle().
			Foreground(slate)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(amber).
			Padding(1, 2)
)

// State represents the current TUI state
type State int

const (
	StatePedals State = iota
	StateEdit
)

const (
	logLines     = 8
	writeTimeout = 10 * time.Second
)

// Model represents the TUI model
type Model struct {
	ctrl      *session.Controller
	events    <-chan session.Event
	stopWatch func()

	state    State
	selected int
	form     form
	spinner  spinner.Model
	busy     bool
	log      []string
	err      error
	width    int
	height   int
}

// eventMsg carries one controller event into the update loop
type eventMsg struct {
	event session.Event
	ok    bool
}

// actionDoneMsg reports a finished save, bank switch or refresh
type actionDoneMsg struct {
	op  string
	err error
}

// New creates a TUI model for ctrl. The controller should already be
// connected; the model only watches and drives it.
func New(ctrl *session.Controller) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(amber)

	events, stop := ctrl.Watch(64)
	return Model{
		ctrl:      ctrl,
		events:    events,
		stopWatch: stop,
		state:     StatePedals,
		spinner:   s,
	}
}

// Init initializes the TUI model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan session.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		return eventMsg{event: ev, ok: ok}
	}
}

// Update handles TUI updates
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m.quit()
		}
		switch m.state {
		case StatePedals:
			return m.updatePedals(msg)
		case StateEdit:
			return m.updateEdit(msg)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		if !msg.ok {
			return m, nil
		}
		m.appendLog(msg.event)
		return m, waitForEvent(m.events)

	case actionDoneMsg:
		m.busy = false
		m.err = msg.err
		if msg.err == nil && msg.op == "save" {
			m.state = StatePedals
		}
		return m, nil
	}

	if m.state == StateEdit {
		var cmd tea.Cmd
		m.form, cmd = m.form.update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.stopWatch != nil {
		m.stopWatch()
	}
	return m, tea.Quit
}

func (m *Model) appendLog(ev session.Event) {
	line := fmt.Sprintf("%s %s", ev.Time.Format("15:04:05.000"), ev.String())
	m.log = append(m.log, line)
	if len(m.log) > logLines {
		m.log = m.log[len(m.log)-logLines:]
	}
}

// writable reports whether a save or bank switch may be issued now
func (m Model) writable() bool {
	return !m.busy && !m.ctrl.Pending() && m.ctrl.Status().Connected
}

func (m Model) updatePedals(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "left", "h":
		if m.selected > 0 {
			m.selected--
		}
	case "right", "l":
		if m.selected < protocol.NumButtons-1 {
			m.selected++
		}
	case "enter", "e":
		cfg, err := m.ctrl.Store().Get(m.selected)
		if err != nil {
			m.err = err
			return m, nil
		}
		hasVelocity := false
		if codec := m.ctrl.Codec(); codec != nil {
			hasVelocity = codec.HasVelocity()
		}
		m.form = newForm(m.selected, cfg, hasVelocity)
		m.state = StateEdit
		m.err = nil
		return m, textinput.Blink
	case "1", "2", "3", "4":
		if !m.writable() {
			return m, nil
		}
		bank, _ := strconv.Atoi(msg.String())
		m.busy = true
		m.err = nil
		return m, tea.Batch(m.spinner.Tick, m.switchBank(bank-1))
	case "r":
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.err = nil
		return m, tea.Batch(m.spinner.Tick, m.refresh())
	case "q":
		return m.quit()
	}
	return m, nil
}

func (m Model) updateEdit(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.state = StatePedals
		m.err = nil
		return m, nil
	case "enter":
		if !m.writable() {
			return m, nil
		}
		edit, err := m.form.edit()
		if err != nil {
			m.err = err
			return m, nil
		}
		cfg, err := m.ctrl.Store().Merge(m.form.button, edit)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			m.err = err
			return m, nil
		}
		m.busy = true
		m.err = nil
		return m, tea.Batch(m.spinner.Tick, m.save(m.form.button, edit))
	}

	var cmd tea.Cmd
	m.form, cmd = m.form.update(msg)
	return m, cmd
}

func (m Model) save(uiIndex int, edit store.Edit) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return actionDoneMsg{op: "save", err: ctrl.Save(ctx, uiIndex, edit)}
	}
}

func (m Model) switchBank(bank int) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return actionDoneMsg{op: "bank", err: ctrl.SwitchBank(ctx, bank)}
	}
}

func (m Model) refresh() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return actionDoneMsg{op: "refresh", err: ctrl.Refresh(ctx)}
	}
}

// View renders the TUI
func (m Model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" MIDI PEDALBOARD "))
	s.WriteString("\n")

	switch m.state {
	case StatePedals:
		s.WriteString(m.viewPedals())
	case StateEdit:
		s.WriteString(m.viewEdit())
	}

	s.WriteString("\n")
	s.WriteString(m.viewStatus())
	s.WriteString("\n")
	s.WriteString(m.viewLog())

	s.WriteString("\n")
	switch m.state {
	case StatePedals:
		s.WriteString(helpStyle.Render("←/→: select • enter: edit • 1-4: bank • r: refresh • q: quit"))
	case StateEdit:
		s.WriteString(helpStyle.Render("tab: next field • ←/→: change type • enter: save • esc: back"))
	}

	return s.String()
}

func (m Model) viewPedals() string {
	state := m.ctrl.Store().Snapshot()

	banks := make([]string, 0, protocol.NumBanks)
	for b := 0; b < protocol.NumBanks; b++ {
		label := fmt.Sprintf("BANK %d", b+1)
		if b == state.Bank {
			banks = append(banks, activeBankStyle.Render(label))
		} else {
			banks = append(banks, bankStyle.Render(label))
		}
	}

	pedals := make([]string, 0, protocol.NumButtons)
	for i, cfg := range state.Buttons {
		body := fmt.Sprintf("%d\n%s\nch %d", i+1, cfg.Label(), cfg.Channel)
		if cfg.Enabled == 0 {
			body = fmt.Sprintf("%d\noff\n", i+1)
		}
		if i == m.selected {
			pedals = append(pedals, selectedPedalStyle.Render(body))
		} else {
			pedals = append(pedals, pedalStyle.Render(body))
		}
	}

	var s strings.Builder
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, banks...))
	s.WriteString("\n\n")
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, pedals...))
	s.WriteString("\n")

	cfg := state.Buttons[m.selected]
	s.WriteString(logStyle.Render(fmt.Sprintf("button %d: %s, %s", m.selected+1, cfg.Type, cfg.Describe())))
	return s.String()
}

func (m Model) viewEdit() string {
	var s strings.Builder
	s.WriteString(fmt.Sprintf("BUTTON %d\n\n", m.form.button+1))
	s.WriteString(m.form.view())
	return boxStyle.Render(s.String())
}

func (m Model) viewStatus() string {
	st := m.ctrl.Status()
	var line string
	switch {
	case !st.Connected:
		line = "disconnected (last known values shown)"
	case m.busy || st.Pending:
		line = fmt.Sprintf("%s %s, %s", m.spinner.View(), st.State, st.Version)
	default:
		line = fmt.Sprintf("connected %s, %s mode", st.Version, st.Mode)
	}

	out := statusStyle.Render(line)
	if m.err != nil {
		out += "\n" + errorStyle.Render("✗ "+m.err.Error())
	}
	return out
}

func (m Model) viewLog() string {
	if len(m.log) == 0 {
		return ""
	}
	return logStyle.Render(strings.Join(m.log, "\n"))
}

// Run starts the TUI application
func Run(ctrl *session.Controller) error {
	p := tea.NewProgram(New(ctrl), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
