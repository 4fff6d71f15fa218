package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"ralphd/internal/control"
	"ralphd/internal/ralph"
)

// Palette (256-color codes).
const (
	ColorAccent    = "86"
	ColorHighlight = "205"
	ColorDanger    = "196"
	ColorMuted     = "241"
	ColorSuccess   = "42"
	ColorWarning   = "208"
)

// Styles holds every style the monitor renders with.
type Styles struct {
	Title    lipgloss.Style
	Section  lipgloss.Style
	Status   lipgloss.Style
	Success  lipgloss.Style
	Error    lipgloss.Style
	Warning  lipgloss.Style
	Muted    lipgloss.Style
	ID       lipgloss.Style
	BarFull  lipgloss.Style
	BarEmpty lipgloss.Style
	Box      lipgloss.Style
}

// DefaultStyles returns the monitor styles.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Section:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorHighlight)),
		Status:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent)),
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorSuccess)),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDanger)),
		Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorWarning)),
		Muted:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorMuted)),
		ID:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		BarFull:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHighlight)),
		BarEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorMuted)),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorMuted)).
			Padding(0, 1),
	}
}

// Status icons
const (
	IconRunning   = "●"
	IconSuccess   = "✓"
	IconFailed    = "✗"
	IconPaused    = "⏸"
	IconWaiting   = "?"
	IconTakeover  = "⚑"
	IconCancelled = "⊘"
)

// LoopIcon returns the icon for a loop status.
func LoopIcon(s ralph.Status) string {
	switch s {
	case ralph.StatusComplete:
		return IconSuccess
	case ralph.StatusFailed, ralph.StatusMaxReached:
		return IconFailed
	case ralph.StatusCancelled:
		return IconCancelled
	default:
		return IconRunning
	}
}

// LoopStyle returns the style for a loop status.
func (s Styles) LoopStyle(st ralph.Status) lipgloss.Style {
	switch st {
	case ralph.StatusComplete:
		return s.Success
	case ralph.StatusFailed:
		return s.Error
	case ralph.StatusMaxReached, ralph.StatusCancelled:
		return s.Warning
	default:
		return s.Status
	}
}

// StateIcon returns the icon for an execution's control state.
func StateIcon(st control.State) string {
	switch st {
	case control.Paused:
		return IconPaused
	case control.AwaitingInput:
		return IconWaiting
	case control.HumanTakeover:
		return IconTakeover
	default:
		return IconRunning
	}
}

// StateStyle returns the style for a control state.
func (s Styles) StateStyle(st control.State) lipgloss.Style {
	switch st {
	case control.Paused, control.AwaitingInput:
		return s.Warning
	case control.HumanTakeover:
		return s.Error
	default:
		return s.Status
	}
}
