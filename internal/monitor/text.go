package monitor

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

const ellipsis = "…"

// truncate shortens s to at most width terminal columns.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, ellipsis)
}

// oneLine collapses whitespace runs, including newlines, to single spaces.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// bar renders used/capacity as a fixed-width meter.
func (m *Model) bar(used, capacity, width int) string {
	if capacity <= 0 {
		return m.styles.BarEmpty.Render(strings.Repeat("·", width))
	}
	filled := min(width, used*width/capacity)
	return m.styles.BarFull.Render(strings.Repeat("█", filled)) +
		m.styles.BarEmpty.Render(strings.Repeat("░", width-filled))
}
