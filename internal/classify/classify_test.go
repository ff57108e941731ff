package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewpilot/crewpilot/internal/tmux"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		state      State
		confidence float64
	}{
		{
			name:       "traceback alone is an error",
			text:       "Traceback (most recent call last):\n  File \"app.py\", line 3\nValueError: bad input",
			state:      StateError,
			confidence: 0.92,
		},
		{
			name:       "two error words",
			text:       "Error: build failed\n",
			state:      StateError,
			confidence: 0.94,
		},
		{
			name:       "menu question",
			text:       "Which database?\n❯ 1. Postgres\n  2. MySQL\nEnter to select · Tab/Arrow keys to navigate",
			state:      StateQuestion,
			confidence: 1.0,
		},
		{
			name:       "bracket choice question",
			text:       "? Overwrite existing files? [Yes/No]",
			state:      StateQuestion,
			confidence: 0.9,
		},
		{
			name:       "spinner and verb",
			text:       "⠋ Thinking about the schema",
			state:      StateWorking,
			confidence: 0.95,
		},
		{
			name:       "spinner only",
			text:       "⠙ ...",
			state:      StateWorking,
			confidence: 0.9,
		},
		{
			name:       "verb only",
			text:       "Compiling project",
			state:      StateWorking,
			confidence: 0.85,
		},
		{
			name:       "progress only",
			text:       "Step 3 of 10 at 45%",
			state:      StateWorking,
			confidence: 0.75,
		},
		{
			name:       "agent prompt is idle",
			text:       "Done.\n❯ ",
			state:      StateIdle,
			confidence: 0.85,
		},
		{
			name:       "single error word does not win",
			text:       "fixed the compile error in main.go\n❯ ",
			state:      StateIdle,
			confidence: 0.85,
		},
		{
			name:       "shell prompt is stopped",
			text:       "exit\n$ ",
			state:      StateStopped,
			confidence: 0.8,
		},
		{
			name:       "user at host prompt",
			text:       "Goodbye!\ndev@box:~/proj$",
			state:      StateStopped,
			confidence: 0.8,
		},
		{
			name:       "prompt-like character fallback",
			text:       "some output > more",
			state:      StateIdle,
			confidence: 0.6,
		},
		{
			name:       "nothing recognizable",
			text:       "hello world",
			state:      StateUnknown,
			confidence: 0.3,
		},
		{
			name:       "empty text",
			text:       "",
			state:      StateUnknown,
			confidence: 0.3,
		},
		{
			name:       "ansi is stripped first",
			text:       "\x1b[32m⠋\x1b[0m Building",
			state:      StateWorking,
			confidence: 0.95,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text)
			assert.Equal(t, tt.state, got.State)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
		})
	}
}

func TestClassifyPriority(t *testing.T) {
	// error > question > working
	got := Classify("Error: step failed\nEnter to select\n⠋ thinking")
	assert.Equal(t, StateError, got.State)

	got = Classify("⠋ thinking\nEnter to select")
	assert.Equal(t, StateQuestion, got.State)
}

func TestClassifyWindowIsLast30Lines(t *testing.T) {
	var b strings.Builder
	b.WriteString("Error: old failure\nTraceback\n")
	for i := 0; i < 30; i++ {
		b.WriteString("plain line\n")
	}
	got := Classify(b.String())
	assert.Equal(t, StateUnknown, got.State, "errors scrolled out of the window must not count")
}

func TestClassifyStoppedDetail(t *testing.T) {
	got := Classify("bye\nbash-5.1$ ")
	assert.Equal(t, StateStopped, got.State)
	assert.Equal(t, ShellPromptDetail, got.Detail)
}

func TestClassifyDetail(t *testing.T) {
	got := Classify("Done.\n❯ ")
	assert.Equal(t, "Done.", got.Detail, "short prompt lines are skipped")

	long := strings.Repeat("é", 150)
	got = Classify(long)
	assert.Equal(t, 100, len([]rune(got.Detail)))
}

func TestClassifyIsTotalAndDeterministic(t *testing.T) {
	inputs := []string{"", "\n\n\n", "\x1b[", "❯", "$", "\x00\x01", strings.Repeat("x\n", 1000)}
	for _, in := range inputs {
		a := Classify(in)
		b := Classify(in)
		assert.Equal(t, a, b)
		assert.True(t, a.State.Valid())
		assert.GreaterOrEqual(t, a.Confidence, 0.0)
		assert.LessOrEqual(t, a.Confidence, 1.0)
	}
}

func TestCustomPatterns(t *testing.T) {
	raw := tmux.MergeRawPatterns(tmux.DefaultRawPatterns(), &tmux.RawPatterns{WorkingVerbs: []string{"Brewing"}})
	p, err := tmux.CompilePatterns(raw)
	require.NoError(t, err)

	got := New(p).Classify("Brewing tea")
	assert.Equal(t, StateWorking, got.State)
	assert.Equal(t, StateUnknown, Classify("Brewing tea").State)
}

func TestStateSymbols(t *testing.T) {
	assert.Equal(t, "●", StateWorking.Symbol())
	assert.Equal(t, "○", StateIdle.Symbol())
	assert.Equal(t, "?", StateQuestion.Symbol())
	assert.Equal(t, "✖", StateError.Symbol())
	assert.Equal(t, "■", StateStopped.Symbol())
	assert.Equal(t, "?", StateUnknown.Symbol())
	assert.Equal(t, "Stopped", StateStopped.Label())
	assert.False(t, State("sleeping").Valid())
}
