package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewpilot/crewpilot/internal/notify"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/statedb"
	"github.com/crewpilot/crewpilot/internal/tmux"
)

const (
	questionText = "Which database?\n❯ 1. Postgres\n  2. MySQL\nEnter to select"
	errorText    = "Error: build failed"
	workingText  = "⠋ Thinking about the schema"
	idleText     = "All tasks complete.\n❯ "
	stoppedText  = "npm run build\nbuild done\n$ "
)

type fakeTerminal struct {
	mu       sync.Mutex
	alive    bool
	panes    []string
	contents map[string]string
	errs     map[string]error
}

func newFakeTerminal(panes ...string) *fakeTerminal {
	return &fakeTerminal{
		alive:    true,
		panes:    panes,
		contents: make(map[string]string),
		errs:     make(map[string]error),
	}
}

func (f *fakeTerminal) set(paneID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents[paneID] = content
}

func (f *fakeTerminal) setPanes(panes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes = panes
}

func (f *fakeTerminal) SessionExists(_ context.Context, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeTerminal) ListPanes(_ context.Context, _ string) []tmux.Pane {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return nil
	}
	out := make([]tmux.Pane, 0, len(f.panes))
	for _, id := range f.panes {
		out = append(out, tmux.Pane{ID: id})
	}
	return out
}

func (f *fakeTerminal) CapturePane(_ context.Context, paneID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[paneID]; err != nil {
		return "", err
	}
	c, ok := f.contents[paneID]
	if !ok {
		return "", errors.New("can't find pane: " + paneID)
	}
	return c, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSink) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

func (r *recordingSink) kinds() []notify.Kind {
	var out []notify.Kind
	for _, n := range r.all() {
		out = append(out, n.Kind)
	}
	return out
}

type fakeHistory struct {
	transitions []statedb.Transition
	alerts      []statedb.Alert
	resolved    []string
	heartbeats  int
}

func (h *fakeHistory) RecordTransition(t statedb.Transition) error {
	h.transitions = append(h.transitions, t)
	return nil
}

func (h *fakeHistory) RecordAlert(a statedb.Alert) error {
	h.alerts = append(h.alerts, a)
	return nil
}

func (h *fakeHistory) ResolveAlerts(_, paneID, kind string, _ time.Time) (int64, error) {
	h.resolved = append(h.resolved, paneID+":"+kind)
	return 1, nil
}

func (h *fakeHistory) Heartbeat() error {
	h.heartbeats++
	return nil
}

// clock advances by step on every call.
type clock struct {
	t    time.Time
	step time.Duration
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *clock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func newProject(t *testing.T) project.Layout {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, project.TeamConfigDirName), 0o755))
	return project.NewLayout(dir)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
