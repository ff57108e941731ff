// Package classify turns captured pane text into a runner state and
// extracts pending questions from it.
package classify

import (
	"math"
	"strings"

	"github.com/crewpilot/crewpilot/internal/tmux"
)

// State is the coarse state of a monitored agent process.
type State string

const (
	StateWorking  State = "working"
	StateIdle     State = "idle"
	StateQuestion State = "question"
	StateError    State = "error"
	StateStopped  State = "stopped"
	StateUnknown  State = "unknown"
)

// Symbol returns the console marker for the state.
func (s State) Symbol() string {
	switch s {
	case StateWorking:
		return "●"
	case StateIdle:
		return "○"
	case StateError:
		return "✖"
	case StateStopped:
		return "■"
	default:
		return "?"
	}
}

// Label returns the capitalized display name.
func (s State) Label() string {
	switch s {
	case StateWorking:
		return "Working"
	case StateIdle:
		return "Idle"
	case StateQuestion:
		return "Question"
	case StateError:
		return "Error"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateWorking, StateIdle, StateQuestion, StateError, StateStopped, StateUnknown:
		return true
	}
	return false
}

// Result is one classification.
type Result struct {
	State      State   `json:"state"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"details,omitempty"`
}

const (
	windowLines = 30
	tailLines   = 5
	detailMax   = 100

	// ShellPromptDetail is the detail reported for the stopped state.
	ShellPromptDetail = "Shell prompt detected"
)

// Classifier evaluates the heuristic tables in priority order.
type Classifier struct {
	p *tmux.ResolvedPatterns
}

// New returns a classifier over p; nil means the built-in tables.
func New(p *tmux.ResolvedPatterns) *Classifier {
	if p == nil {
		p = tmux.DefaultPatterns()
	}
	return &Classifier{p: p}
}

// Patterns returns the tables this classifier uses.
func (c *Classifier) Patterns() *tmux.ResolvedPatterns {
	return c.p
}

// Classify uses the built-in tables.
func Classify(text string) Result {
	return New(nil).Classify(text)
}

// Classify is pure and total: any input yields a result.
func (c *Classifier) Classify(text string) Result {
	lines := nonEmptyLines(tmux.StripANSI(text))
	window := strings.ToLower(strings.Join(lastN(lines, windowLines), "\n"))
	tail := lastN(lines, tailLines)
	detail := lastMeaningfulLine(tail)

	if n := tmux.CountMatches(c.p.Errors, window); n >= 2 || (n >= 1 && strings.Contains(window, c.p.TracebackWord)) {
		return Result{State: StateError, Confidence: capped(0.9 + 0.02*float64(n)), Detail: detail}
	}

	if n := tmux.CountMatches(c.p.Questions, window); n >= 1 {
		return Result{State: StateQuestion, Confidence: capped(0.85 + 0.05*float64(n)), Detail: detail}
	}

	spinner := c.p.HasSpinner(window)
	verb := c.p.HasWorkingVerb(window)
	if spinner || verb {
		conf := 0.8
		if spinner {
			conf += 0.1
		}
		if verb {
			conf += 0.05
		}
		return Result{State: StateWorking, Confidence: capped(conf), Detail: detail}
	}
	if tmux.CountMatches(c.p.Progress, window) > 0 {
		return Result{State: StateWorking, Confidence: 0.75, Detail: detail}
	}

	// Spinner is already ruled out above.
	if strings.Contains(window, c.p.PromptGlyph) {
		return Result{State: StateIdle, Confidence: 0.85, Detail: detail}
	}

	if len(tail) > 0 && c.p.IsShellPrompt(tail[len(tail)-1]) {
		return Result{State: StateStopped, Confidence: 0.8, Detail: ShellPromptDetail}
	}

	if strings.ContainsAny(window, ">$") {
		return Result{State: StateIdle, Confidence: 0.6, Detail: detail}
	}

	return Result{State: StateUnknown, Confidence: 0.3, Detail: detail}
}

func capped(v float64) float64 {
	// Round away float noise such as 0.9400000000000001.
	return math.Min(math.Round(v*1000)/1000, 1)
}

func nonEmptyLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// lastMeaningfulLine is the last line longer than two characters, capped at 100 runes.
func lastMeaningfulLine(tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		if len([]rune(strings.TrimSpace(tail[i]))) > 2 {
			return truncateRunes(tail[i], detailMax)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
