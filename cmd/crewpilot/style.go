package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/watch"
)

// lowConfidence is the threshold below which the confidence is shown.
const lowConfidence = 0.7

type palette struct {
	muted    lipgloss.Color
	accent   lipgloss.Color
	ok       lipgloss.Color
	warn     lipgloss.Color
	err      lipgloss.Color
	working  lipgloss.Color
	question lipgloss.Color
}

var palettes = map[string]palette{
	"dark": {
		muted:    lipgloss.Color("#787fa0"),
		accent:   lipgloss.Color("#7dcfff"),
		ok:       lipgloss.Color("#9ece6a"),
		warn:     lipgloss.Color("#e0af68"),
		err:      lipgloss.Color("#f7768e"),
		working:  lipgloss.Color("#7aa2f7"),
		question: lipgloss.Color("#bb9af7"),
	},
	"light": {
		muted:    lipgloss.Color("#6172b0"),
		accent:   lipgloss.Color("#007197"),
		ok:       lipgloss.Color("#387068"),
		warn:     lipgloss.Color("#8c6c3e"),
		err:      lipgloss.Color("#c64343"),
		working:  lipgloss.Color("#2e7de9"),
		question: lipgloss.Color("#9854f1"),
	},
}

// Styles is the console palette for one theme.
type Styles struct {
	Bold   lipgloss.Style
	Muted  lipgloss.Style
	Accent lipgloss.Style
	OK     lipgloss.Style
	Warn   lipgloss.Style
	Err    lipgloss.Style
	Match  lipgloss.Style

	states map[classify.State]lipgloss.Style
}

// NewStyles returns the styles for "dark" or "light".
func NewStyles(theme string) Styles {
	p, ok := palettes[theme]
	if !ok {
		p = palettes["dark"]
	}
	s := Styles{
		Bold:   lipgloss.NewStyle().Bold(true),
		Muted:  lipgloss.NewStyle().Foreground(p.muted),
		Accent: lipgloss.NewStyle().Foreground(p.accent),
		OK:     lipgloss.NewStyle().Foreground(p.ok),
		Warn:   lipgloss.NewStyle().Foreground(p.warn),
		Err:    lipgloss.NewStyle().Foreground(p.err),
		Match:  lipgloss.NewStyle().Foreground(p.warn).Bold(true),
	}
	s.states = map[classify.State]lipgloss.Style{
		classify.StateWorking:  lipgloss.NewStyle().Foreground(p.working),
		classify.StateIdle:     s.Warn,
		classify.StateQuestion: lipgloss.NewStyle().Foreground(p.question),
		classify.StateError:    s.Err,
		classify.StateStopped:  s.Muted,
		classify.StateUnknown:  s.Muted,
	}
	return s
}

// State returns the style of a runner state.
func (s Styles) State(st classify.State) lipgloss.Style {
	if style, ok := s.states[st]; ok {
		return style
	}
	return s.Muted
}

// FormatState renders "● Working", with the confidence when it is low and
// the idle time past a minute.
func (s Styles) FormatState(ps watch.PaneState) string {
	out := s.State(ps.State).Render(ps.State.Symbol() + " " + ps.State.Label())
	if ps.Confidence < lowConfidence {
		out += s.Muted.Render(fmt.Sprintf(" (~%d%%)", int(ps.Confidence*100+0.5)))
	}
	if ps.Idle > time.Minute {
		out += s.Muted.Render(fmt.Sprintf(" (%dm idle)", int(ps.Idle/time.Minute)))
	}
	return out
}

// terminal wraps the stdout stream for screen control.
type terminal struct {
	out *termenv.Output
	fd  int
	tty bool
}

func newTerminal(f *os.File) *terminal {
	fd := int(f.Fd())
	return &terminal{out: termenv.NewOutput(f), fd: fd, tty: term.IsTerminal(fd)}
}

// clear wipes the screen; a redirected stdout is left alone.
func (t *terminal) clear() {
	if t.tty {
		t.out.ClearScreen()
	}
}

// width is the terminal width, 80 when unknown.
func (t *terminal) width() int {
	if !t.tty {
		return 80
	}
	w, _, err := term.GetSize(t.fd)
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// truncateWidth cuts s to at most width terminal cells.
func truncateWidth(s string, width int) string {
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// rule is a horizontal line of n box-drawing characters.
func rule(n int) string {
	return strings.Repeat("─", n)
}
