// Package monitor is a terminal view of the orchestrator: slot usage per
// project, running executions with their loop progress, checkpoints
// waiting for review, and a live event log.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"ralphd/internal/control"
	"ralphd/internal/events"
)

const (
	// MaxEvents is how many events the log keeps.
	MaxEvents = 200
	// DefaultRefresh is the snapshot poll interval.
	DefaultRefresh = time.Second

	barWidth = 12
)

type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Up      key.Binding
	Down    key.Binding
	Help    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Quit, k.Refresh, k.Help} }

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Refresh, k.Help, k.Quit}}
}

var defaultKeys = keyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Up:      key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("↑/k", "scroll log")),
	Down:    key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("↓/j", "scroll log")),
	Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
}

type (
	snapshotMsg struct {
		snap *Snapshot
		err  error
	}
	refreshMsg struct{}
	eventMsg   struct{ ev events.Event }
)

// Model is the Bubble Tea model for the monitor.
type Model struct {
	ctx      context.Context
	src      Source
	feed     <-chan events.Event
	interval time.Duration

	styles  Styles
	keys    keyMap
	help    help.Model
	log     viewport.Model
	spinner spinner.Model

	snap   *Snapshot
	err    error
	events []events.Event

	width  int
	height int
}

var _ tea.Model = (*Model)(nil)

// Option configures a Model.
type Option func(*Model)

// WithEvents streams events from feed into the log. Pair it with an
// events.ChanEmitter on the same channel.
func WithEvents(feed <-chan events.Event) Option { return func(m *Model) { m.feed = feed } }

// WithRefresh sets the snapshot poll interval.
func WithRefresh(d time.Duration) Option { return func(m *Model) { m.interval = d } }

// New returns a monitor over src.
func New(ctx context.Context, src Source, opts ...Option) *Model {
	m := &Model{
		ctx:      ctx,
		src:      src,
		interval: DefaultRefresh,
		styles:   DefaultStyles(),
		keys:     defaultKeys,
		help:     help.New(),
		log:      viewport.New(80, 8),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run shows the monitor until the user quits or ctx ends.
func Run(ctx context.Context, src Source, opts ...Option) error {
	m := New(ctx, src, opts...)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.spinner.Tick, m.listen())
}

func (m *Model) fetch() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.src.Snapshot(m.ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m *Model) listen() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-m.feed
		if !ok {
			return nil
		}
		return eventMsg{ev: ev}
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch()
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		}
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.log.Width = max(20, msg.Width-4)
		m.log.Height = max(4, msg.Height/3)
		m.log.SetContent(m.renderEvents())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return refreshMsg{} })

	case refreshMsg:
		return m, m.fetch()

	case eventMsg:
		m.events = append(m.events, msg.ev)
		if len(m.events) > MaxEvents {
			m.events = m.events[len(m.events)-MaxEvents:]
		}
		m.log.SetContent(m.renderEvents())
		m.log.GotoBottom()
		return m, m.listen()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	header := m.styles.Title.Render("ralphd")
	if m.snap != nil {
		header += " " + m.styles.Muted.Render(m.snap.TakenAt.Format(time.TimeOnly))
	}
	b.WriteString(header + "\n\n")

	if m.err != nil {
		b.WriteString(m.styles.Error.Render("refresh failed: "+m.err.Error()) + "\n\n")
	}
	if m.snap == nil {
		b.WriteString(m.spinner.View() + " " + m.styles.Muted.Render("loading") + "\n")
	} else {
		b.WriteString(m.renderSlots())
		b.WriteString(m.renderExecutions())
		b.WriteString(m.renderPending())
	}

	if m.feed != nil {
		b.WriteString(m.styles.Section.Render("Events") + "\n")
		b.WriteString(m.styles.Box.Render(m.log.View()) + "\n")
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m *Model) renderSlots() string {
	var b strings.Builder
	b.WriteString(m.styles.Section.Render("Slots") + "\n")
	if len(m.snap.Projects) == 0 {
		b.WriteString(m.styles.Muted.Render("  no active projects") + "\n\n")
		return b.String()
	}
	for _, p := range m.snap.Projects {
		b.WriteString("  " + m.styles.ID.Render(p.ProjectID) + "\n")
		for _, u := range p.Categories {
			fmt.Fprintf(&b, "    %-18s %s %d/%d\n", u.Category, m.bar(u.Used, u.Capacity, barWidth), u.Used, u.Capacity)
		}
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) renderExecutions() string {
	var b strings.Builder
	b.WriteString(m.styles.Section.Render("Executions") + "\n")
	if len(m.snap.Executions) == 0 {
		b.WriteString(m.styles.Muted.Render("  none running") + "\n\n")
		return b.String()
	}
	for _, ex := range m.snap.Executions {
		icon := m.styles.StateStyle(ex.State).Render(StateIcon(ex.State))
		if ex.State == control.Running {
			icon = m.spinner.View()
		}
		line := fmt.Sprintf("  %s %s %s", icon, m.styles.ID.Render(shortID(ex.ID)), ex.ProjectID)
		if ex.TaskID != "" {
			line += "/" + ex.TaskID
		}
		if l, ok := m.snap.Loops[ex.ID]; ok {
			line += " " + m.styles.LoopStyle(l.Status).Render(fmt.Sprintf("%s %s %d/%d", LoopIcon(l.Status), l.Status, l.CurrentIteration, l.MaxIterations))
			if l.LastError != "" {
				line += " " + m.styles.Error.Render(truncate(oneLine(l.LastError), 40))
			}
		}
		if ex.State != control.Running {
			state := string(ex.State)
			if ex.PauseReason != "" {
				state += ": " + ex.PauseReason
			}
			line += " " + m.styles.StateStyle(ex.State).Render(truncate(state, 40))
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) renderPending() string {
	if len(m.snap.Pending) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.styles.Section.Render("Awaiting review") + "\n")
	for _, c := range m.snap.Pending {
		line := fmt.Sprintf("  %s %s %s", m.styles.Warning.Render(IconWaiting), m.styles.ID.Render(shortID(c.ID)), c.Name)
		if c.Reason != "" {
			line += " " + m.styles.Muted.Render(truncate(oneLine(c.Reason), 50))
		}
		if c.AutoApproveAt != nil {
			line += " " + m.styles.Muted.Render("auto-approves in "+c.AutoApproveAt.Sub(m.snap.TakenAt).Round(time.Second).String())
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) renderEvents() string {
	width := max(20, m.log.Width)
	lines := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		text := fmt.Sprintf("%s %-20s %s", ev.Timestamp.Format(time.TimeOnly), ev.Kind, shortID(ev.ExecutionID))
		if ev.Message != "" {
			text += " " + oneLine(ev.Message)
		}
		lines = append(lines, truncate(text, width))
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
