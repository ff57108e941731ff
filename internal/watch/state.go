// Package watch runs the polling loops that observe runner panes: the
// watch loop (state changes, questions, runner-state.json) and the monitor
// loop (stuck/dead detection, heartbeat.log).
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/statedb"
	"github.com/crewpilot/crewpilot/internal/tmux"
)

// ErrSessionEnded is returned by a loop whose tmux session went away.
var ErrSessionEnded = errors.New("session ended")

// Terminal is the slice of the tmux client the loops use.
type Terminal interface {
	SessionExists(ctx context.Context, name string) bool
	ListPanes(ctx context.Context, session string) []tmux.Pane
	CapturePane(ctx context.Context, paneID string, lines int) (string, error)
}

// History persists transitions and alerts; *statedb.StateDB implements it.
type History interface {
	RecordTransition(t statedb.Transition) error
	RecordAlert(a statedb.Alert) error
	ResolveAlerts(project, paneID, kind string, at time.Time) (int64, error)
	Heartbeat() error
}

// Preflight checks that the project is initialized and its session is up.
func Preflight(ctx context.Context, term Terminal, layout project.Layout, session string) error {
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	if !term.SessionExists(ctx, session) {
		return fmt.Errorf("%w: %q", project.ErrSessionInactive, session)
	}
	return nil
}

// PaneState is the classified state of one pane in one cycle.
type PaneState struct {
	PaneID     string         `json:"paneId"`
	State      classify.State `json:"state"`
	Confidence float64        `json:"confidence"`
	Details    string         `json:"details,omitempty"`
	// Idle accumulates while an idle/unknown pane's content stays the same.
	Idle time.Duration `json:"-"`
	// Changed is true on first sighting or when the state differs from the
	// previous cycle.
	Changed    bool      `json:"changed"`
	ObservedAt time.Time `json:"observedAt"`
	Content    string    `json:"-"`
}

// MarshalJSON adds idleMs.
func (p PaneState) MarshalJSON() ([]byte, error) {
	type alias PaneState
	return json.Marshal(struct {
		alias
		IdleMs int64 `json:"idleMs,omitempty"`
	}{alias(p), p.Idle.Milliseconds()})
}

// RunnerStateSnapshot is the body of runner-state.json.
type RunnerStateSnapshot struct {
	PaneID           string             `json:"paneId"`
	State            classify.State     `json:"state"`
	Confidence       float64            `json:"confidence"`
	Timestamp        string             `json:"timestamp"`
	IdleSince        *string            `json:"idleSince"`
	CapturedContent  string             `json:"capturedContent"`
	DetectedQuestion *classify.Question `json:"detectedQuestion"`
	Details          string             `json:"details,omitempty"`
}

// NewSnapshot builds the runner-state.json body for ps at now.
func NewSnapshot(ps PaneState, now time.Time) RunnerStateSnapshot {
	snap := RunnerStateSnapshot{
		PaneID:          ps.PaneID,
		State:           ps.State,
		Confidence:      ps.Confidence,
		Timestamp:       project.ISOTime(now),
		CapturedContent: ps.Content,
		Details:         ps.Details,
	}
	if ps.Idle > 0 {
		since := project.ISOTime(now.Add(-ps.Idle))
		snap.IdleSince = &since
	}
	if ps.State == classify.StateQuestion {
		snap.DetectedQuestion = classify.ExtractQuestion(ps.Content)
	}
	return snap
}

// WriteRunnerState atomically replaces runner-state.json.
func WriteRunnerState(layout project.Layout, snap RunnerStateSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return project.WriteFileAtomic(layout.RunnerState(), data, 0o644)
}

// ReadRunnerState loads runner-state.json.
func ReadRunnerState(layout project.Layout) (*RunnerStateSnapshot, error) {
	data, err := os.ReadFile(layout.RunnerState())
	if err != nil {
		return nil, err
	}
	var snap RunnerStateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse runner-state.json: %w", err)
	}
	return &snap, nil
}

// AppendRunnerEvent appends "[ISO] pane=<id> event=<state>" to runner-events.log.
func AppendRunnerEvent(layout project.Layout, paneID string, state classify.State, now time.Time) error {
	line := fmt.Sprintf("[%s] pane=%s event=%s\n", project.ISOTime(now), paneID, state)
	return project.AppendFile(layout.RunnerEvents(), line)
}

// normalizeWhitespace collapses every whitespace run to one space.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// nextIdle returns the idle duration for the current capture.
func nextIdle(state classify.State, content string, prev *PaneState, interval time.Duration) time.Duration {
	if state != classify.StateIdle && state != classify.StateUnknown {
		return 0
	}
	if prev == nil {
		return 0
	}
	if normalizeWhitespace(content) == normalizeWhitespace(prev.Content) {
		return prev.Idle + interval
	}
	return 0
}
