package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/nadavbarak14/agentide/internal/store"
)

const defaultTableWidth = 100

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[store.Status]lipgloss.Style{
		store.StatusActive:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		store.StatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		store.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		store.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

// terminalWidth returns the width of w if it is a terminal.
func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultTableWidth
}

type column struct {
	title string
	width int
}

// renderSessions formats sessions as a fixed-width table fitted to width.
// The title column absorbs whatever width remains.
func renderSessions(sessions []*store.Session, width int) string {
	cols := []column{
		{"ID", 8},
		{"STATUS", 9},
		{"WORKER", 10},
		{"POS", 5},
		{"FLAGS", 6},
		{"AGE", 6},
		{"TITLE", 0},
	}
	used := 0
	for _, c := range cols[:len(cols)-1] {
		used += c.width + 1
	}
	cols[len(cols)-1].width = max(width-used, 10)

	var b strings.Builder
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = cell(c.title, c.width)
	}
	b.WriteString(headerStyle.Render(strings.Join(header, " ")))
	b.WriteString("\n")

	now := time.Now()
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = dimStyle.Render(s.WorkingDirectory)
		}
		pos := ""
		if s.Status == store.StatusQueued {
			pos = fmt.Sprintf("%d", s.Position)
		}
		row := []string{
			cell(shortID(s.ID), cols[0].width),
			statusStyles[s.Status].Render(cell(string(s.Status), cols[1].width)),
			cell(s.WorkerID, cols[2].width),
			cell(pos, cols[3].width),
			cell(flags(s), cols[4].width),
			cell(age(now.Sub(s.CreatedAt)), cols[5].width),
			cell(title, cols[6].width),
		}
		b.WriteString(strings.Join(row, " "))
		b.WriteString("\n")
	}
	return b.String()
}

// cell pads or truncates s to exactly width visible columns. Escape
// sequences in s do not count towards the width.
func cell(s string, width int) string {
	if lipgloss.Width(s) > width {
		s = ansi.Truncate(s, width, "…")
	}
	return s + strings.Repeat(" ", max(width-lipgloss.Width(s), 0))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// flags renders L (locked), I (needs input) and R (resumes on start).
func flags(s *store.Session) string {
	var f []byte
	if s.Locked {
		f = append(f, 'L')
	}
	if s.NeedsInput {
		f = append(f, 'I')
	}
	if s.Resume {
		f = append(f, 'R')
	}
	return string(f)
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
