package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/watch"
)

func TestFormatState(t *testing.T) {
	st := NewStyles("dark")
	tests := []struct {
		name string
		ps   watch.PaneState
		want string
	}{
		{
			name: "confident working pane",
			ps:   watch.PaneState{State: classify.StateWorking, Confidence: 0.9},
			want: "● Working",
		},
		{
			name: "low confidence is shown rounded",
			ps:   watch.PaneState{State: classify.StateUnknown, Confidence: 0.3},
			want: "? Unknown (~30%)",
		},
		{
			name: "idle time past a minute",
			ps:   watch.PaneState{State: classify.StateIdle, Confidence: 0.8, Idle: 3*time.Minute + 20*time.Second},
			want: "○ Idle (3m idle)",
		},
		{
			name: "idle under a minute is hidden",
			ps:   watch.PaneState{State: classify.StateIdle, Confidence: 0.8, Idle: 45 * time.Second},
			want: "○ Idle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, st.FormatState(tt.ps))
		})
	}
}

func TestNewStylesUnknownThemeFallsBackToDark(t *testing.T) {
	assert.Equal(t, NewStyles("dark").Err.GetForeground(), NewStyles("sepia").Err.GetForeground())
	assert.NotEqual(t, NewStyles("dark").Err.GetForeground(), NewStyles("light").Err.GetForeground())
}

func TestStateStyleUnknownIsMuted(t *testing.T) {
	st := NewStyles("light")
	assert.Equal(t, st.Muted.GetForeground(), st.State(classify.State("bogus")).GetForeground())
	assert.Equal(t, st.Err.GetForeground(), st.State(classify.StateError).GetForeground())
}

func TestTruncateWidth(t *testing.T) {
	assert.Equal(t, "short", truncateWidth("short", 10))
	assert.Equal(t, "abcdefg…", truncateWidth("abcdefghijkl", 8))
	// Wide runes take two cells each.
	assert.Equal(t, "日本…", truncateWidth("日本語のテキスト", 5))
	assert.Equal(t, "unchanged", truncateWidth("unchanged", 0))
}

func TestRule(t *testing.T) {
	assert.Equal(t, "───", rule(3))
	assert.Empty(t, rule(0))
}
