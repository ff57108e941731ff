package tmux

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// RawPatterns holds the heuristic tables in string form before compilation.
// Regex fields are compiled with regexp; the rest are substring lists.
type RawPatterns struct {
	ErrorPatterns       []string // regexes, counted against the lowercased window
	QuestionPatterns    []string // regexes
	ProgressPatterns    []string // regexes
	ShellPromptPatterns []string // regexes, anchored at the last line
	WorkingVerbs        []string
	SpinnerChars        []string
	AgentMarkers        []string // text that proves the agent UI is still on screen
}

// ResolvedPatterns holds the compiled, ready-to-use tables shared by the
// state classifier and the dead-pane detector.
type ResolvedPatterns struct {
	Errors       []*regexp.Regexp
	Questions    []*regexp.Regexp
	Progress     []*regexp.Regexp
	ShellPrompts []*regexp.Regexp
	WorkingVerbs []string
	SpinnerChars []string
	AgentMarkers []string

	// PromptGlyph is the agent's input prompt
	PromptGlyph string
	// TracebackWord alone is enough to call an error
	TracebackWord string
}

// PromptGlyph is the agent prompt character (U+276F).
const PromptGlyph = "❯"

// DefaultRawPatterns returns the built-in detection tables.
func DefaultRawPatterns() *RawPatterns {
	return &RawPatterns{
		ErrorPatterns: []string{
			`\berror\b`,
			`\bexception\b`,
			`\bfailed\b`,
			`\btraceback\b`,
			`\bundefined\b.*\berror\b`,
			`\bsyntaxerror\b`,
			`\buncaught\b`,
		},
		QuestionPatterns: []string{
			`enter to select`,
			`tab/arrow keys to navigate`,
			`use arrow keys`,
			`❯\s*\d+\.`,
			`\?\s*.+\s*\[.*\]`, // "? What next? [Yes/No]"
			`\(\d+/\d+\)`,
		},
		ProgressPatterns: []string{
			`\d+%`,
			`\[\s*#+\s*\]`,
			`progress`,
			`completed?\s*\d+\s*/\s*\d+`,
		},
		ShellPromptPatterns: []string{
			`^\$\s`,
			`^bash-[\d.]+\$`,
			`^\w+@\w+:[/\w\s~]+[$#]`,
			`^zsh\s*\$`,
			`^sh\s*\$`,
		},
		WorkingVerbs: []string{
			"proofing", "mustering", "thinking", "working", "processing",
			"analyzing", "generating", "loading", "compiling", "building",
			"installing", "downloading", "searching", "indexing",
		},
		SpinnerChars: defaultSpinnerChars(),
		AgentMarkers: []string{PromptGlyph, "claude"},
	}
}

func defaultSpinnerChars() []string {
	return []string{
		"⌛", "⏳",
		"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		"◐", "◓", "◑", "◒",
	}
}

// CompilePatterns compiles raw tables. Invalid regexes are logged and skipped.
func CompilePatterns(raw *RawPatterns) (*ResolvedPatterns, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatterns")
	}
	resolved := &ResolvedPatterns{
		Errors:        compileAll("error", raw.ErrorPatterns),
		Questions:     compileAll("question", raw.QuestionPatterns),
		Progress:      compileAll("progress", raw.ProgressPatterns),
		ShellPrompts:  compileAll("shell_prompt", raw.ShellPromptPatterns),
		WorkingVerbs:  lowerAll(raw.WorkingVerbs),
		SpinnerChars:  copySlice(raw.SpinnerChars),
		AgentMarkers:  lowerAll(raw.AgentMarkers),
		PromptGlyph:   PromptGlyph,
		TracebackWord: "traceback",
	}
	return resolved, nil
}

func compileAll(kind string, patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			tmuxLog.Warn("invalid_"+kind+"_regex",
				slog.String("pattern", p),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, re)
	}
	return out
}

// MergeRawPatterns appends extras to defaults. Neither input is modified.
func MergeRawPatterns(defaults, extras *RawPatterns) *RawPatterns {
	result := &RawPatterns{}
	for _, src := range []*RawPatterns{defaults, extras} {
		if src == nil {
			continue
		}
		result.ErrorPatterns = append(result.ErrorPatterns, src.ErrorPatterns...)
		result.QuestionPatterns = append(result.QuestionPatterns, src.QuestionPatterns...)
		result.ProgressPatterns = append(result.ProgressPatterns, src.ProgressPatterns...)
		result.ShellPromptPatterns = append(result.ShellPromptPatterns, src.ShellPromptPatterns...)
		result.WorkingVerbs = append(result.WorkingVerbs, src.WorkingVerbs...)
		result.SpinnerChars = append(result.SpinnerChars, src.SpinnerChars...)
		result.AgentMarkers = append(result.AgentMarkers, src.AgentMarkers...)
	}
	return result
}

var (
	defaultResolved     *ResolvedPatterns
	defaultResolvedOnce sync.Once
)

// DefaultPatterns returns the compiled built-in tables, compiled once.
func DefaultPatterns() *ResolvedPatterns {
	defaultResolvedOnce.Do(func() {
		defaultResolved, _ = CompilePatterns(DefaultRawPatterns())
	})
	return defaultResolved
}

// HasSpinner reports whether any spinner glyph occurs in s.
func (p *ResolvedPatterns) HasSpinner(s string) bool {
	for _, ch := range p.SpinnerChars {
		if strings.Contains(s, ch) {
			return true
		}
	}
	return false
}

// HasWorkingVerb reports whether any working verb occurs in lowercased s.
func (p *ResolvedPatterns) HasWorkingVerb(lower string) bool {
	for _, w := range p.WorkingVerbs {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// CountMatches returns how many of res match s.
func CountMatches(res []*regexp.Regexp, s string) int {
	n := 0
	for _, re := range res {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

// IsShellPrompt reports whether line looks like a bare shell prompt.
func (p *ResolvedPatterns) IsShellPrompt(line string) bool {
	return CountMatches(p.ShellPrompts, line) > 0
}

// HasAgentMarker reports whether lowercased s still shows the agent UI.
func (p *ResolvedPatterns) HasAgentMarker(lower string) bool {
	for _, m := range p.AgentMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func lowerAll(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = strings.ToLower(v)
	}
	return out
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
