package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewpilot/crewpilot/internal/classify"
)

func TestHashContent(t *testing.T) {
	assert.Equal(t, "0", HashContent(""))
	assert.Equal(t, "61", HashContent("a"))
	assert.Equal(t, "5e918d2", HashContent("hello"))
	assert.Equal(t, "-80000000", HashContent("polygenelubricants"), "wraps like a 32-bit int")
	assert.Equal(t, HashContent("⠋ thinking"), HashContent("⠋ thinking"))
	assert.NotEqual(t, HashContent("⠋ thinking"), HashContent("⠙ thinking"))
}

func TestObserveCounterMonotonic(t *testing.T) {
	s := NewSet()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	obs := s.Observe("%1", "same", classify.StateWorking, now)
	require.True(t, obs.First)
	assert.Equal(t, 0, obs.Tracker.ConsecutiveNoChange)

	for i := 1; i <= 5; i++ {
		obs = s.Observe("%1", "same", classify.StateWorking, now.Add(time.Duration(i)*time.Second))
		assert.False(t, obs.Changed)
		assert.Equal(t, i, obs.Tracker.ConsecutiveNoChange)
	}
	assert.Equal(t, now, obs.Tracker.LastChange, "no-change cycles keep the last change time")

	later := now.Add(10 * time.Second)
	obs = s.Observe("%1", "different", classify.StateWorking, later)
	assert.True(t, obs.Changed)
	assert.Equal(t, 0, obs.Tracker.ConsecutiveNoChange)
	assert.Equal(t, later, obs.Tracker.LastChange)
}

func TestStuckThresholdExactlyThree(t *testing.T) {
	s := NewSet()
	now := time.Now()
	interval := 30 * time.Second

	s.Observe("%1", "frame", classify.StateWorking, now)
	s.Observe("%1", "frame", classify.StateWorking, now)
	obs := s.Observe("%1", "frame", classify.StateWorking, now)
	require.Equal(t, 2, obs.Tracker.ConsecutiveNoChange)
	assert.False(t, DetectStuck(obs.Tracker, classify.StateWorking, interval, DefaultThresholds()).Stuck)

	obs = s.Observe("%1", "frame", classify.StateWorking, now)
	require.Equal(t, 3, obs.Tracker.ConsecutiveNoChange)
	res := DetectStuck(obs.Tracker, classify.StateWorking, interval, DefaultThresholds())
	assert.True(t, res.Stuck)
	assert.False(t, res.Frozen)
	assert.Equal(t, "No visual progress for 90s while in working state", res.Reason)
}

func TestDetectStuckFrozenAndState(t *testing.T) {
	tr := &ProcessTracker{ConsecutiveNoChange: 6}

	res := DetectStuck(tr, classify.StateWorking, 30*time.Second, DefaultThresholds())
	assert.True(t, res.Frozen)
	assert.Equal(t, "Runner appears frozen - no output change for 180s", res.Reason)
	assert.Equal(t, 3*time.Minute, res.Duration)

	assert.False(t, DetectStuck(tr, classify.StateIdle, 30*time.Second, DefaultThresholds()).Stuck)
	assert.False(t, DetectStuck(nil, classify.StateWorking, 30*time.Second, DefaultThresholds()).Stuck)

	custom := DetectStuck(&ProcessTracker{ConsecutiveNoChange: 2}, classify.StateWorking, 5*time.Second, Thresholds{Stuck: 2, Frozen: 4})
	assert.True(t, custom.Stuck)
	assert.Contains(t, custom.Reason, "10s")
}

func TestAlertsAreEdgeTriggered(t *testing.T) {
	s := NewSet()
	now := time.Now()
	s.Observe("%1", "x", classify.StateWorking, now)

	stuck := s.Alerts(AlertStuck)
	assert.True(t, stuck.Activate("%1"))
	assert.False(t, stuck.Activate("%1"), "second detection is suppressed")
	assert.True(t, s.Alerts(AlertFrozen).Activate("%1"), "frozen has its own edge")
	assert.True(t, s.Alerts(AlertDead).Activate("%1"))

	obs := s.Observe("%1", "x", classify.StateWorking, now)
	assert.Empty(t, obs.Recovered, "no change, no recovery")

	obs = s.Observe("%1", "y", classify.StateWorking, now)
	assert.Equal(t, []AlertKind{AlertStuck, AlertFrozen, AlertDead}, obs.Recovered)
	assert.False(t, s.Alerts(AlertFrozen).Active("%1"))
	assert.False(t, stuck.Active("%1"))
	assert.True(t, stuck.Activate("%1"), "can fire again after recovery")
}

func TestRetainDropsVanishedPanes(t *testing.T) {
	s := NewSet()
	now := time.Now()
	s.Observe("%1", "a", classify.StateIdle, now)
	s.Observe("%2", "b", classify.StateIdle, now)
	s.Observe("%3", "c", classify.StateIdle, now)
	s.Alerts(AlertDead).Activate("%2")

	removed := s.Retain([]string{"%1"})
	assert.Equal(t, []string{"%2", "%3"}, removed)
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Alerts(AlertDead).Active("%2"))

	// A reused id starts fresh.
	obs := s.Observe("%2", "b", classify.StateIdle, now)
	assert.True(t, obs.First)
	assert.Equal(t, 0, obs.Tracker.ConsecutiveNoChange)
}

func TestDetectDead(t *testing.T) {
	tests := []struct {
		name    string
		state   classify.State
		content string
		dead    bool
		reason  string
	}{
		{"shell after crash", classify.StateStopped, "Segmentation fault\nuser@host:~/proj$ ", true, deadShellReason},
		{"agent still visible", classify.StateStopped, "Claude Code exited\n$ ", false, ""},
		{"prompt glyph visible", classify.StateStopped, "waiting ❯\n$ ", false, ""},
		{"nearly empty", classify.StateUnknown, "  \n  ok \n", true, deadEmptyReason},
		{"healthy working pane", classify.StateWorking, "⠋ Thinking about the migration plan", false, ""},
		{"not stopped with $", classify.StateIdle, "echo $HOME and more text", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := DetectDead(nil, tt.state, tt.content)
			assert.Equal(t, tt.dead, res.Dead)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}
